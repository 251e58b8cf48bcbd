//go:build swagger

package webui

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// apiDoc is the OpenAPI description served at /swagger/doc.json.
type apiDoc struct{}

func (apiDoc) ReadDoc() string { return openAPIDoc }

func init() { swag.Register(swag.Name, apiDoc{}) }

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const openAPIDoc = `{
  "swagger": "2.0",
  "info": {"title": "MedLens API", "version": "1.0", "description": "Medical image question answering."},
  "basePath": "/",
  "schemes": ["http"],
  "paths": {
    "/api/analyze": {
      "post": {
        "summary": "Analyze an image",
        "consumes": ["multipart/form-data"],
        "produces": ["application/json"],
        "parameters": [
          {"name": "image", "in": "formData", "type": "file", "required": true},
          {"name": "prompt", "in": "formData", "type": "string", "required": true},
          {"name": "patient_id", "in": "formData", "type": "string"},
          {"name": "symptoms", "in": "formData", "type": "string"},
          {"name": "previous_diagnosis", "in": "formData", "type": "string"}
        ],
        "responses": {
          "200": {"description": "Tagged result", "schema": {"$ref": "#/definitions/AnalyzeResponse"}},
          "400": {"description": "Missing image or prompt", "schema": {"$ref": "#/definitions/ErrorResponse"}},
          "415": {"description": "Unsupported file type", "schema": {"$ref": "#/definitions/ErrorResponse"}}
        }
      }
    },
    "/api/history": {"get": {"summary": "Session history", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/models": {"get": {"summary": "Cached models", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/status": {"get": {"summary": "Device and model status", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "loading"}}}}
  },
  "definitions": {
    "AnalyzeResponse": {
      "type": "object",
      "properties": {
        "answer": {"type": "string"},
        "ok": {"type": "boolean"},
        "error_kind": {"type": "string"},
        "error": {"type": "string"},
        "warnings": {"type": "array", "items": {"type": "string"}},
        "history_len": {"type": "integer"}
      }
    },
    "ErrorResponse": {
      "type": "object",
      "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}
    }
  }
}`
