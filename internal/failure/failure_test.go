package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindHelpers(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("persist: %w", New(Persistence, base))
	if !IsPersistence(err) || IsInference(err) || IsModelResolution(err) {
		t.Fatalf("kind helpers disagree for %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if k, ok := KindOf(err); !ok || k != Persistence {
		t.Fatalf("KindOf=%q,%v", k, ok)
	}
}

func TestNewNil(t *testing.T) {
	if New(Inference, nil) != nil {
		t.Fatalf("nil cause must yield nil")
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("plain error has no kind")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := New(Inference, errors.New("boom")).Error(); got != "boom" {
		t.Fatalf("got %q", got)
	}
	if got := (&Error{Kind: Inference}).Error(); got != string(Inference) {
		t.Fatalf("got %q", got)
	}
}
