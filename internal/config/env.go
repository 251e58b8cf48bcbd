package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from files (".env" when none are given)
// into the process environment. Missing files are ignored; variables already
// set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides c with environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("API_HOST", &c.Host)
	integer("API_PORT", &c.Port)
	boolean("DEBUG", &c.Debug)
	str("SECRET_KEY", &c.SecretKey)
	str("DEVICE", &c.Device)
	boolean("USE_GPU", &c.UseGPU)
	str("OPENFDA_API_KEY", &c.OpenFDAAPIKey)
	str("WHO_ICD_API_KEY", &c.WHOICDAPIKey)
	str("UMLS_API_KEY", &c.UMLSAPIKey)
	str("HF_TOKEN", &c.HFToken)
	str("HF_ENDPOINT", &c.HFEndpoint)
	str("MEDLENS_MODEL_NAME", &c.ModelName)
	str("MEDLENS_GGUF_REPO", &c.GGUFRepo)
	str("MEDLENS_DATA_DIR", &c.DataDir)
	str("MEDLENS_LOG_LEVEL", &c.LogLevel)
	str("MEDLENS_LOG_FILE", &c.LogFile)
	str("MEDLENS_LLAMA_BIN", &c.Llama.Bin)
	str("MEDLENS_ADDR", &c.Addr)
	if v, ok := lookup("ALLOWED_EXTENSIONS"); ok && v != "" {
		c.AllowedExtensions = splitList(v)
	}
	return errors.Join(errs...)
}

// FromEnvironment loads .env, the optional config file and the process
// environment, in that order of increasing precedence, and validates.
func FromEnvironment(path string) (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	cfg := Defaults()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
