package config

import (
	"os"
	"path/filepath"
	"testing"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"API_HOST":           "127.0.0.1",
		"API_PORT":           "8088",
		"DEBUG":              "true",
		"USE_GPU":            "false",
		"DATABASE_URL":       "sqlite:///tmp/x.db",
		"HF_TOKEN":           "hf_x",
		"MEDLENS_MODEL_NAME": "org/other",
		"ALLOWED_EXTENSIONS": "png, jpg",
		"UMLS_API_KEY":       "k",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8088 || !cfg.Debug || cfg.HFToken != "hf_x" || cfg.ModelName != "org/other" || cfg.UMLSAPIKey != "k" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.EffectiveDevice() != "cpu" {
		t.Fatalf("USE_GPU=false must force cpu, got %q", cfg.EffectiveDevice())
	}
	if len(cfg.AllowedExtensions) != 2 || cfg.AllowedExtensions[1] != "jpg" {
		t.Fatalf("extensions=%v", cfg.AllowedExtensions)
	}
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ApplyEnv(lookupFrom(map[string]string{"API_PORT": "eighty", "DEBUG": "maybe"})); err == nil {
		t.Fatalf("expected parse errors")
	}
	if cfg.Port != 8000 {
		t.Fatalf("bad value must not overwrite: %d", cfg.Port)
	}
}

func TestLoadDotEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "MEDLENS_TEST_DOTENV=from-file\n")
	t.Setenv("MEDLENS_TEST_DOTENV", "")
	os.Unsetenv("MEDLENS_TEST_DOTENV")
	if err := LoadDotEnv(p, filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MEDLENS_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
}

func TestFromEnvironment(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "port: 9000\nmodel_name: org/file\n")
	t.Setenv("MEDLENS_MODEL_NAME", "org/env")
	cfg, err := FromEnvironment(p)
	if err != nil {
		t.Fatalf("FromEnvironment: %v", err)
	}
	if cfg.Port != 9000 || cfg.ModelName != "org/env" {
		t.Fatalf("cfg=%+v", cfg)
	}
	t.Setenv("DEVICE", "tpu")
	if _, err := FromEnvironment(p); err == nil {
		t.Fatalf("expected validation error")
	}
}
