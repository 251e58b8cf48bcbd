package main

// General API documentation for swaggo. Build with -tags swagger to serve it.
//
// @title           MedLens API
// @version         1.0
// @description     Medical image question answering over a local vision-language model.
//
// @contact.name   MedLens maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
