package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"medlens/internal/device"
)

// Config holds runtime parameters for the service.
// Empty path fields are derived from DataDir.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	Host        string `json:"host" yaml:"host" toml:"host"`
	Port        int    `json:"port" yaml:"port" toml:"port"`
	Debug       bool   `json:"debug" yaml:"debug" toml:"debug"`
	DatabaseURL string `json:"database_url" yaml:"database_url" toml:"database_url"`
	SecretKey   string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`

	ModelName string `json:"model_name" yaml:"model_name" toml:"model_name"`
	// GGUFRepo is the hub repo holding the llama.cpp build of ModelName.
	GGUFRepo   string `json:"gguf_repo" yaml:"gguf_repo" toml:"gguf_repo"`
	HFToken    string `json:"hf_token" yaml:"hf_token" toml:"hf_token"`
	HFEndpoint string `json:"hf_endpoint" yaml:"hf_endpoint" toml:"hf_endpoint"`
	Device     string `json:"device" yaml:"device" toml:"device"`
	UseGPU     bool   `json:"use_gpu" yaml:"use_gpu" toml:"use_gpu"`
	Preload    bool   `json:"preload" yaml:"preload" toml:"preload"`

	DataDir    string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	ModelsDir  string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	UploadsDir string `json:"uploads_dir" yaml:"uploads_dir" toml:"uploads_dir"`

	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions" toml:"allowed_extensions"`
	MaxBodyBytes      int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeoutSec int      `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	RecordAnalyses    bool     `json:"record_analyses" yaml:"record_analyses" toml:"record_analyses"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file" toml:"log_file"`

	// Carried for the clinical lookups of the original product; unused here.
	OpenFDAAPIKey string `json:"openfda_api_key" yaml:"openfda_api_key" toml:"openfda_api_key"`
	WHOICDAPIKey  string `json:"who_icd_api_key" yaml:"who_icd_api_key" toml:"who_icd_api_key"`
	UMLSAPIKey    string `json:"umls_api_key" yaml:"umls_api_key" toml:"umls_api_key"`

	CORS  CORS  `json:"cors" yaml:"cors" toml:"cors"`
	Llama Llama `json:"llama" yaml:"llama" toml:"llama"`
}

// CORS configures cross-origin access to the JSON API.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Llama configures the llama-server subprocesses.
type Llama struct {
	Bin             string   `json:"bin" yaml:"bin" toml:"bin"`
	Host            string   `json:"host" yaml:"host" toml:"host"`
	PortStart       int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd         int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	CtxSize         int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads         int      `json:"threads" yaml:"threads" toml:"threads"`
	ExtraArgs       []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	ReadyTimeoutSec int      `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8000,
		ModelName:         "google/medgemma-4b-it",
		GGUFRepo:          "unsloth/medgemma-4b-it-GGUF",
		HFEndpoint:        "https://huggingface.co",
		Device:            "auto",
		UseGPU:            true,
		DataDir:           "data",
		AllowedExtensions: []string{"png", "jpg", "jpeg", "dicom"},
		MaxBodyBytes:      32 << 20,
		LogLevel:          "info",
		Llama: Llama{
			Host:            "127.0.0.1",
			PortStart:       31000,
			PortEnd:         31099,
			CtxSize:         4096,
			ReadyTimeoutSec: 120,
		},
	}
}

// Load reads a configuration file based on its extension, on top of Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a running server depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("model_name is required")
	}
	if c.Addr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := device.Override(c.Device, nil); err != nil {
		return err
	}
	if c.Llama.PortStart > 0 && c.Llama.PortEnd < c.Llama.PortStart {
		return fmt.Errorf("llama port range %d-%d is empty", c.Llama.PortStart, c.Llama.PortEnd)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	return nil
}

// ListenAddr is Addr when set, else Host:Port.
func (c Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EffectiveDevice is the device request after USE_GPU is applied.
func (c Config) EffectiveDevice() string {
	if !c.UseGPU {
		return "cpu"
	}
	return c.Device
}

// ModelsPath is the parent of all model caches.
func (c Config) ModelsPath() string {
	if c.ModelsDir != "" {
		return c.ModelsDir
	}
	return filepath.Join(c.DataDir, "models")
}

// UploadsPath is where uploaded images are kept when analyses are recorded.
func (c Config) UploadsPath() string {
	if c.UploadsDir != "" {
		return c.UploadsDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

// DatabasePath is DatabaseURL, or medlens.db in DataDir.
func (c Config) DatabasePath() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "medlens.db")
}

// CacheDir is the local cache of the configured model: the last segment of
// the model id under ModelsPath.
func (c Config) CacheDir() string {
	name := c.ModelName
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(c.ModelsPath(), name)
}

// EnsureDirs creates the data, models and uploads directories.
func (c Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.ModelsPath(), c.UploadsPath()} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
