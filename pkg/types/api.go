package types

// AnalyzeResponse is the tagged result of one analysis.
type AnalyzeResponse struct {
	// The answer, or the message shown in its place on failure.
	// example: NORMAL
	Answer string `json:"answer" example:"NORMAL"`
	// True when the model produced an answer.
	// example: true
	OK bool `json:"ok" example:"true"`
	// Failure kind: model_resolution_failure or inference_failure. Empty on success.
	// example: inference_failure
	ErrorKind string `json:"error_kind,omitempty" example:"inference_failure"`
	// Failure detail.
	// example: encode image: image could not be decoded
	Error string `json:"error,omitempty" example:"image could not be decoded"`
	// Non-fatal problems, e.g. a model cache that could not be written.
	Warnings []string `json:"warnings,omitempty"`
	// Number of entries in the session history after this request.
	// example: 3
	HistoryLen int `json:"history_len" example:"3"`
}

// HistoryEntry is one question and the text shown for it.
type HistoryEntry struct {
	// example: Describe any abnormality
	Prompt string `json:"prompt" example:"Describe any abnormality"`
	// example: NORMAL
	Response string `json:"response" example:"NORMAL"`
	// Time the entry was recorded (unix seconds).
	// example: 1700000000
	AtUnix int64 `json:"at_unix" example:"1700000000"`
}

// HistoryResponse lists the session history in append order.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ModelsResponse wraps the list of cached models returned by GET /models.
type ModelsResponse struct {
	// Configured model id.
	// example: google/medgemma-4b-it
	Configured string `json:"configured" example:"google/medgemma-4b-it"`
	// Model directories in the local cache.
	Models []CachedModel `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: prompt is required
	Error string `json:"error" example:"prompt is required"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse reports what the server runs on and whether it is warm.
type StatusResponse struct {
	// Selected compute device.
	// example: cuda
	Device string `json:"device" example:"cuda"`
	// Precision used for that device.
	// example: fp16
	Precision string `json:"precision" example:"fp16"`
	// Configured model id.
	// example: google/medgemma-4b-it
	Model string `json:"model" example:"google/medgemma-4b-it"`
	// Local cache directory of the model.
	// example: data/models/medgemma-4b-it
	CacheDir string `json:"cache_dir" example:"data/models/medgemma-4b-it"`
	// Whether the cache directory exists.
	// example: true
	Cached bool `json:"cached" example:"true"`
	// Whether the model handle is loaded.
	// example: true
	Ready bool `json:"ready" example:"true"`
	// Where the handle came from once loaded: cache or remote.
	// example: cache
	Source string `json:"source,omitempty" example:"cache"`
	// Number of browser sessions seen.
	// example: 2
	Sessions int `json:"sessions" example:"2"`
	// Seconds since start.
	// example: 3600
	UptimeSec int64 `json:"uptime_sec" example:"3600"`
}
