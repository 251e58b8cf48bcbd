package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	if err := Watch(ctx, p, func(c Config) { got <- c }, nil); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	// unrelated files in the directory are ignored
	writeTempFile(t, d, "other.yaml", "log_level: error\n")
	if err := os.WriteFile(p, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.LogLevel == "debug" {
				return
			}
		case <-deadline:
			t.Fatalf("no reload seen")
		}
	}
}
