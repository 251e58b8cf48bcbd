package types

// CachedModel is a model directory found in the local model cache.
type CachedModel struct {
	// Directory name, the last segment of the model id.
	// example: medgemma-4b-it
	Name string `json:"name" example:"medgemma-4b-it"`
	// Absolute path to the cache directory.
	// example: /srv/medlens/data/models/medgemma-4b-it
	Path string `json:"path" example:"/srv/medlens/data/models/medgemma-4b-it"`
	// GGUF weights file recorded in the manifest, or the first found.
	// example: medgemma-4b-it-F16.gguf
	Weights string `json:"weights,omitempty" example:"medgemma-4b-it-F16.gguf"`
	// Vision projector file.
	// example: mmproj-F16.gguf
	Projector string `json:"mmproj,omitempty" example:"mmproj-F16.gguf"`
	// Precision the weights were saved for (fp16 or fp32).
	// example: fp16
	Precision string `json:"precision,omitempty" example:"fp16"`
	// Total size of regular files in bytes.
	// example: 8600000000
	SizeBytes int64 `json:"size_bytes" example:"8600000000"`
	// Whether a medlens.json manifest is present.
	// example: true
	HasManifest bool `json:"has_manifest" example:"true"`
	// Last modification time (unix seconds).
	// example: 1700000000
	ModifiedUnix int64 `json:"modified_unix" example:"1700000000"`
}
