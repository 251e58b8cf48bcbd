package device

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// HostProbe inspects the local machine. Results are computed once per process.
type HostProbe struct {
	once        sync.Once
	specialized bool
	gpu         bool

	// overridable in tests
	goos     string
	goarch   string
	statFn   func(string) error
	outputFn func(name string, args ...string) ([]byte, error)
}

// NewHostProbe returns a probe backed by the running host.
func NewHostProbe() *HostProbe {
	return &HostProbe{
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
		statFn: func(p string) error { _, err := os.Stat(p); return err },
		outputFn: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

func (h *HostProbe) HasSpecializedAccelerator() bool { h.detect(); return h.specialized }
func (h *HostProbe) HasGPU() bool                    { h.detect(); return h.gpu }

func (h *HostProbe) detect() {
	h.once.Do(func() {
		h.specialized = h.goos == "darwin" && h.goarch == "arm64"
		h.gpu = h.detectCUDA() || h.detectROCm()
	})
}

func (h *HostProbe) detectCUDA() bool {
	if h.goos == "darwin" {
		return false
	}
	if h.statFn("/proc/driver/nvidia/version") == nil {
		return true
	}
	out, err := h.outputFn("nvidia-smi", "--list-gpus")
	if err != nil || len(out) == 0 {
		return false
	}
	return strings.Contains(string(out), "GPU")
}

func (h *HostProbe) detectROCm() bool {
	if h.goos != "linux" {
		return false
	}
	for _, p := range []string{"/opt/rocm/bin/rocm-smi", "/usr/bin/rocm-smi"} {
		if h.statFn(p) != nil {
			continue
		}
		out, err := h.outputFn(p, "--showid")
		if err == nil && strings.Contains(string(out), "GPU") {
			return true
		}
	}
	return h.statFn("/opt/rocm") == nil
}
