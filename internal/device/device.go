// Package device picks the compute target used for model loading and
// generation, and the weight precision that goes with it.
package device

import (
	"fmt"
	"strings"
)

// Tag names a compute target.
type Tag string

const (
	// MPS is the specialized accelerator (Apple Metal).
	MPS Tag = "mps"
	// CUDA is the general GPU accelerator.
	CUDA Tag = "cuda"
	// CPU is the fallback and is always available.
	CPU Tag = "cpu"
)

func (t Tag) String() string { return string(t) }

// IsAccelerator reports whether t is one of the accelerator targets.
func (t Tag) IsAccelerator() bool { return t == MPS || t == CUDA }

// Precision of loaded weights.
type Precision string

const (
	FP16 Precision = "fp16"
	FP32 Precision = "fp32"
)

// PrecisionFor returns 16-bit weights on accelerators and 32-bit on CPU.
func PrecisionFor(t Tag) Precision {
	if t.IsAccelerator() {
		return FP16
	}
	return FP32
}

// Probe reports hardware capability flags.
type Probe interface {
	HasSpecializedAccelerator() bool
	HasGPU() bool
}

// Select checks the probe in fixed priority order: specialized accelerator,
// then GPU, then CPU. A nil probe selects CPU.
func Select(p Probe) Tag {
	if p == nil {
		return CPU
	}
	if p.HasSpecializedAccelerator() {
		return MPS
	}
	if p.HasGPU() {
		return CUDA
	}
	return CPU
}

// StaticProbe is a probe with fixed answers.
type StaticProbe struct {
	Specialized bool
	GPU         bool
}

func (s StaticProbe) HasSpecializedAccelerator() bool { return s.Specialized }
func (s StaticProbe) HasGPU() bool                    { return s.GPU }

// Override resolves a configured device name into a probe. "auto" or the
// empty string returns the host probe; any explicit tag returns a static
// probe that makes Select yield exactly that tag.
func Override(name string, host Probe) (Probe, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return host, nil
	case string(MPS):
		return StaticProbe{Specialized: true}, nil
	case string(CUDA), "gpu":
		return StaticProbe{GPU: true}, nil
	case string(CPU):
		return StaticProbe{}, nil
	default:
		return nil, fmt.Errorf("unknown device %q (want auto, mps, cuda or cpu)", name)
	}
}
