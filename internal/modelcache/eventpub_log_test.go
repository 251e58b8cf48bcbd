package modelcache

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"medlens/internal/device"
)

func TestLogPublisher_WritesEvents(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := New(newFakes(), device.CPU, WithPublisher(LogPublisher{Log: log}))
	if res := r.Resolve(context.Background(), "org/m", t.TempDir()); !res.OK() {
		t.Fatalf("resolve: %v", res.Err)
	}
	out := buf.String()
	for _, want := range []string{`"event":"resolve_start"`, `"event":"cache_hit"`, `"model":"org/m"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s: %s", want, out)
		}
	}
}

func TestLogPublisher_FailuresAtWarn(t *testing.T) {
	var buf bytes.Buffer
	LogPublisher{Log: zerolog.New(&buf).Level(zerolog.WarnLevel)}.Publish(Event{Name: EventResolveFailed, Model: "m"})
	LogPublisher{Log: zerolog.New(&buf).Level(zerolog.WarnLevel)}.Publish(Event{Name: EventCacheHit, Model: "m"})
	if n := strings.Count(buf.String(), "\n"); n != 1 || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("got %q", buf.String())
	}
}
