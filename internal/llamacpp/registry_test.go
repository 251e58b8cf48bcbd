package llamacpp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"medlens/internal/device"
	"medlens/internal/vlm"
)

// fakeLister serves repo files from memory and counts downloads.
type fakeLister struct {
	mu        sync.Mutex
	files     map[string]string // name -> content
	listErr   error
	downloads []string
}

func (f *fakeLister) ListFiles(ctx context.Context, repo string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for name := range f.files {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeLister) Download(ctx context.Context, repo, file, dstDir string) (string, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, file)
	f.mu.Unlock()
	dst := filepath.Join(dstDir, file)
	return dst, os.WriteFile(dst, []byte(f.files[file]), 0o644)
}

func (f *fakeLister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("gguf:"+n), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func TestPickArtifacts(t *testing.T) {
	files := []string{
		"README.md",
		"medgemma-4b-it-Q4_K_M.gguf",
		"medgemma-4b-it-F16.gguf",
		"medgemma-4b-it-F32.gguf",
		"mmproj-F32.gguf",
		"mmproj-F16.gguf",
	}
	w, p := PickArtifacts(files, device.FP16)
	if w != "medgemma-4b-it-F16.gguf" || p != "mmproj-F16.gguf" {
		t.Fatalf("fp16: got %q %q", w, p)
	}
	w, p = PickArtifacts(files, device.FP32)
	if w != "medgemma-4b-it-F32.gguf" || p != "mmproj-F32.gguf" {
		t.Fatalf("fp32: got %q %q", w, p)
	}
	w, p = PickArtifacts([]string{"b-Q4_K_M.gguf", "a-Q5_K_M.gguf"}, device.FP16)
	if w != "a-Q5_K_M.gguf" || p != "" {
		t.Fatalf("fallback: got %q %q", w, p)
	}
}

func TestQuantTag(t *testing.T) {
	cases := map[string]string{
		"medgemma-4b-it-Q8_0.gguf":   "q8_0",
		"mmproj-F16.gguf":            "f16",
		"dir/model.BF16.gguf":        "bf16",
		"medgemma-4b-it-Q4_K_M.gguf": "q4_k_m",
		"plain.gguf":                 "plain",
	}
	for in, want := range cases {
		if got := quantTag(in); got != want {
			t.Fatalf("quantTag(%q)=%q want %q", in, got, want)
		}
	}
}

func TestLoadModel_FromDirScansGGUF(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "m-F16.gguf", "mmproj-m-F16.gguf")
	r := New(Options{}, nil, zerolog.Nop())
	defer r.Close()
	mdl, err := r.LoadModel(context.Background(), dir, vlm.LoadOptions{Precision: device.FP16, Device: device.CPU})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	m := mdl.(*Model)
	if m.Dir() != dir || filepath.Base(m.launch.weights) != "m-F16.gguf" || filepath.Base(m.launch.mmproj) != "mmproj-m-F16.gguf" {
		t.Fatalf("unexpected launch: %+v", m.launch)
	}
	if m.PID() != 0 {
		t.Fatalf("server must not start before first use")
	}
}

func TestLoadModel_RequiresProjector(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "m-F16.gguf")
	r := New(Options{}, nil, zerolog.Nop())
	_, err := r.LoadModel(context.Background(), dir, vlm.LoadOptions{Precision: device.FP16})
	if err == nil || !strings.Contains(err.Error(), "mmproj") {
		t.Fatalf("expected projector error, got %v", err)
	}
}

func TestLoadModel_RemoteFetchesChosenFilesOnce(t *testing.T) {
	h := &fakeLister{files: map[string]string{
		"README.md":                  "readme",
		"medgemma-4b-it-Q4_K_M.gguf": "q4",
		"medgemma-4b-it-F16.gguf":    "f16",
		"mmproj-F16.gguf":            "proj",
		"tokenizer_config.json":      `{"pad_token":"<pad>"}`,
	}}
	dl := t.TempDir()
	r := New(Options{DownloadDir: dl, Repos: map[string]string{"google/medgemma-4b-it": "unsloth/medgemma-4b-it-GGUF"}}, h, zerolog.Nop())
	defer r.Close()

	ctx := context.Background()
	mdl, err := r.LoadModel(ctx, "google/medgemma-4b-it", vlm.LoadOptions{Precision: device.FP16, Device: device.MPS})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	want := filepath.Join(dl, "unsloth--medgemma-4b-it-GGUF")
	if got := mdl.(*Model).Dir(); got != want {
		t.Fatalf("dir=%q want %q", got, want)
	}
	if h.count() != 2 {
		t.Fatalf("downloads=%v", h.downloads)
	}
	if _, err := r.LoadModel(ctx, "google/medgemma-4b-it", vlm.LoadOptions{Precision: device.FP16, Device: device.MPS}); err != nil {
		t.Fatalf("second LoadModel: %v", err)
	}
	if h.count() != 2 {
		t.Fatalf("files fetched twice: %v", h.downloads)
	}

	proc, err := r.LoadProcessor(ctx, "google/medgemma-4b-it")
	if err != nil {
		t.Fatalf("LoadProcessor: %v", err)
	}
	if proc.PadTokenID() != defaultPadID || h.count() != 3 {
		t.Fatalf("pad=%d downloads=%v", proc.PadTokenID(), h.downloads)
	}
}

func TestLoadModel_ListErrorPropagates(t *testing.T) {
	boom := errors.New("hub down")
	r := New(Options{DownloadDir: t.TempDir()}, &fakeLister{listErr: boom}, zerolog.Nop())
	if _, err := r.LoadModel(context.Background(), "org/m", vlm.LoadOptions{}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if _, err := r.LoadProcessor(context.Background(), "org/m"); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestModelSave_ManifestRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, "a-Q8_0.gguf", "b-F16.gguf", "mmproj-Q8_0.gguf", "mmproj-F16.gguf")
	r := New(Options{}, nil, zerolog.Nop())
	defer r.Close()
	opts := vlm.LoadOptions{Precision: device.FP32, Device: device.CPU}
	mdl, err := r.LoadModel(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	// fp32 has no exact match; f16 is next
	if got := filepath.Base(mdl.(*Model).launch.weights); got != "b-F16.gguf" {
		t.Fatalf("weights=%q", got)
	}

	dst := t.TempDir()
	if err := mdl.Save(dst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// drop the f16 weights so only the manifest can name them
	writeFiles(t, dst, "z-F32.gguf")
	w, p := manifestArtifacts(dst)
	if w != "b-F16.gguf" || p != "mmproj-F16.gguf" {
		t.Fatalf("manifest: %q %q", w, p)
	}
	again, err := r.LoadModel(context.Background(), dst, opts)
	if err != nil {
		t.Fatalf("LoadModel saved: %v", err)
	}
	if got := filepath.Base(again.(*Model).launch.weights); got != "b-F16.gguf" {
		t.Fatalf("saved weights=%q", got)
	}
}
