// Package llamacpp is a vlm.Registry backed by llama.cpp's llama-server.
// Remote models are fetched as GGUF weights plus a vision projector from the
// Hugging Face Hub; each artifact directory gets its own server process.
package llamacpp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"medlens/internal/common/fsutil"
	"medlens/internal/device"
	"medlens/internal/hub"
	"medlens/internal/registry"
	"medlens/internal/vlm"
)

// ManifestFile records which artifacts a saved directory holds.
const ManifestFile = registry.ManifestFile

// processorFiles are fetched alongside the weights when the repo has them.
var processorFiles = []string{
	"tokenizer_config.json",
	"special_tokens_map.json",
	"preprocessor_config.json",
	"config.json",
}

// Options configure the registry.
type Options struct {
	// Bin is the llama-server executable. Empty means discover on PATH.
	Bin       string
	Host      string
	PortStart int
	PortEnd   int
	CtxSize   int
	Threads   int
	ExtraArgs []string
	// ReadyTimeout bounds server startup. Zero means 120s.
	ReadyTimeout time.Duration
	// DownloadDir holds fetched repos. Empty means a temp dir removed on Close.
	DownloadDir string
	// Repos maps a model name to the hub repo that holds its GGUF build.
	Repos map[string]string
}

func (o Options) bin() string {
	if strings.TrimSpace(o.Bin) != "" {
		return o.Bin
	}
	return DiscoverBin()
}

func (o Options) readyTimeout() time.Duration {
	if o.ReadyTimeout <= 0 {
		return 120 * time.Second
	}
	return o.ReadyTimeout
}

// DiscoverBin looks for llama-server on PATH and in common install dirs.
func DiscoverBin() string {
	if p, err := exec.LookPath("llama-server"); err == nil {
		return p
	}
	for _, p := range []string{"/usr/local/bin/llama-server", "/opt/llama.cpp/build/bin/llama-server", "~/llama.cpp/build/bin/llama-server"} {
		if exp, err := fsutil.ExpandHome(p); err == nil && fsutil.PathExists(exp) {
			return exp
		}
	}
	return "llama-server"
}

// Lister lists and downloads repo files.
type Lister interface {
	ListFiles(ctx context.Context, repo string) ([]string, error)
	Download(ctx context.Context, repo, file, dstDir string) (string, error)
}

// Registry implements vlm.Registry.
type Registry struct {
	opts Options
	hub  Lister
	log  zerolog.Logger
	pool *serverPool

	mu          sync.Mutex
	downloadDir string
	ownDownload bool
	fetched     map[string]map[string]bool // repo -> files present in its staging dir
}

// New returns a registry fetching through h.
func New(opts Options, h Lister, log zerolog.Logger) *Registry {
	return &Registry{
		opts:    opts,
		hub:     h,
		log:     log,
		pool:    newServerPool(opts, log),
		fetched: make(map[string]map[string]bool),
	}
}

// Close stops every server and removes temporary downloads.
func (r *Registry) Close() error {
	r.pool.stopAll()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownDownload && r.downloadDir != "" {
		return os.RemoveAll(r.downloadDir)
	}
	return nil
}

// LoadProcessor loads tokenizer and image settings from a local directory,
// or fetches them from the hub.
func (r *Registry) LoadProcessor(ctx context.Context, nameOrPath string) (vlm.Processor, error) {
	dir := nameOrPath
	if !fsutil.IsDir(nameOrPath) {
		repo := r.repoFor(nameOrPath)
		files, err := r.hub.ListFiles(ctx, repo)
		if err != nil {
			return nil, err
		}
		var want []string
		for _, f := range processorFiles {
			if contains(files, f) {
				want = append(want, f)
			}
		}
		if dir, err = r.fetch(ctx, repo, want); err != nil {
			return nil, err
		}
	}
	return newProcessor(dir, r.pool)
}

// LoadModel resolves the GGUF weights and projector for nameOrPath and
// registers them with the server pool. The server starts on first use.
func (r *Registry) LoadModel(ctx context.Context, nameOrPath string, opts vlm.LoadOptions) (vlm.Model, error) {
	var dir, weights, mmproj string
	if fsutil.IsDir(nameOrPath) {
		dir = nameOrPath
		files, err := listGGUF(dir)
		if err != nil {
			return nil, err
		}
		weights, mmproj = manifestArtifacts(dir)
		if weights == "" {
			weights, mmproj = PickArtifacts(files, opts.Precision)
		}
	} else {
		repo := r.repoFor(nameOrPath)
		files, err := r.hub.ListFiles(ctx, repo)
		if err != nil {
			return nil, err
		}
		weights, mmproj = PickArtifacts(files, opts.Precision)
		if weights == "" {
			return nil, fmt.Errorf("no GGUF weights in %s", repo)
		}
		want := []string{weights}
		if mmproj != "" {
			want = append(want, mmproj)
		}
		if dir, err = r.fetch(ctx, repo, want); err != nil {
			return nil, err
		}
	}
	if weights == "" {
		return nil, fmt.Errorf("no GGUF weights in %s", dir)
	}
	if mmproj == "" {
		return nil, fmt.Errorf("no vision projector (mmproj*.gguf) in %s", dir)
	}
	s := launch{weights: filepath.Join(dir, weights), mmproj: filepath.Join(dir, mmproj), opts: opts}
	for _, p := range []string{s.weights, s.mmproj} {
		if !fsutil.PathExists(p) {
			return nil, fmt.Errorf("missing artifact %s", p)
		}
	}
	r.pool.register(dir, s)
	r.log.Info().Str("dir", dir).Str("weights", weights).Str("mmproj", mmproj).
		Str("precision", string(opts.Precision)).Str("device", string(opts.Device)).Msg("model registered")
	return &Model{dir: dir, launch: s, pool: r.pool}, nil
}

func (r *Registry) repoFor(name string) string {
	if repo, ok := r.opts.Repos[name]; ok && repo != "" {
		return repo
	}
	return name
}

// fetch downloads files of repo into its staging dir, skipping ones
// already fetched in this process.
func (r *Registry) fetch(ctx context.Context, repo string, files []string) (string, error) {
	root, err := r.root()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, strings.ReplaceAll(repo, "/", "--"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, f := range files {
		r.mu.Lock()
		have := r.fetched[repo][f]
		r.mu.Unlock()
		if have {
			continue
		}
		if _, err := r.hub.Download(ctx, repo, f, dir); err != nil {
			return "", err
		}
		r.mu.Lock()
		if r.fetched[repo] == nil {
			r.fetched[repo] = make(map[string]bool)
		}
		r.fetched[repo][f] = true
		r.mu.Unlock()
	}
	return dir, nil
}

func (r *Registry) root() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downloadDir != "" {
		return r.downloadDir, nil
	}
	if r.opts.DownloadDir != "" {
		if err := os.MkdirAll(r.opts.DownloadDir, 0o755); err != nil {
			return "", err
		}
		r.downloadDir = r.opts.DownloadDir
		return r.downloadDir, nil
	}
	d, err := os.MkdirTemp("", "medlens-download-")
	if err != nil {
		return "", err
	}
	r.downloadDir, r.ownDownload = d, true
	return d, nil
}

// PickArtifacts chooses the weights and projector among GGUF file names,
// preferring the quantization that matches the precision.
func PickArtifacts(files []string, prec device.Precision) (weights, mmproj string) {
	var ws, ps []string
	for _, f := range files {
		if !strings.HasSuffix(strings.ToLower(f), ".gguf") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(filepath.Base(f)), "mmproj") {
			ps = append(ps, f)
		} else {
			ws = append(ws, f)
		}
	}
	sort.Strings(ws)
	sort.Strings(ps)
	return pickByPrecision(ws, prec), pickByPrecision(ps, prec)
}

func pickByPrecision(files []string, prec device.Precision) string {
	if len(files) == 0 {
		return ""
	}
	prefs := []string{"f16", "bf16", "q8_0"}
	if prec == device.FP32 {
		prefs = []string{"f32", "f16", "bf16", "q8_0"}
	}
	for _, want := range prefs {
		for _, f := range files {
			if quantTag(f) == want {
				return f
			}
		}
	}
	return files[0]
}

// quantTag extracts the trailing quantization tag of a GGUF file name,
// e.g. "medgemma-4b-it-Q8_0.gguf" -> "q8_0".
func quantTag(name string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	i := strings.LastIndexAny(base, "-.")
	if i < 0 {
		return base
	}
	return base[i+1:]
}

func listGGUF(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// manifestArtifacts reads the artifact names recorded by Model.Save.
func manifestArtifacts(dir string) (weights, mmproj string) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return "", ""
	}
	return gjson.GetBytes(b, "model.weights").String(), gjson.GetBytes(b, "model.mmproj").String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ Lister = (*hub.Client)(nil)
var _ vlm.Registry = (*Registry)(nil)
