// Package modelcache resolves a model by name into a loaded processor and
// model, preferring a local cache directory and falling back to the remote
// registry. Freshly fetched models are persisted into the cache.
//
// Cache writes go to a sibling staging directory (<cache>.partial-<id>) that
// is renamed onto the cache path once complete. Within one process, fetches
// for the same cache path are serialized. Across processes the first rename
// wins and later staging copies are discarded, so a reader never observes a
// half-written cache directory created by medlens.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medlens/internal/common/fsutil"
	"medlens/internal/device"
	"medlens/internal/failure"
	"medlens/internal/vlm"
)

// Source tells where a handle was loaded from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Handle is a loaded processor and model pair.
type Handle struct {
	Processor vlm.Processor
	Model     vlm.Model
	Source    Source
	Device    device.Tag
	Precision device.Precision
}

// Close releases the model.
func (h *Handle) Close() error {
	if h == nil || h.Model == nil {
		return nil
	}
	return h.Model.Close()
}

// Result is the outcome of a resolution: a handle, or a failure.
// Warnings carry non-fatal persistence failures.
type Result struct {
	Handle   *Handle
	Err      *failure.Error
	Warnings []*failure.Error
}

// OK reports whether resolution produced a handle.
func (r Result) OK() bool { return r.Err == nil && r.Handle != nil }

// Resolver loads models through a vlm.Registry.
type Resolver struct {
	reg       vlm.Registry
	dev       device.Tag
	log       zerolog.Logger
	publisher EventPublisher
	newID     func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Resolver) { r.log = l } }

// WithPublisher installs an EventPublisher.
func WithPublisher(p EventPublisher) Option {
	return func(r *Resolver) {
		if p == nil {
			p = noopPublisher{}
		}
		r.publisher = p
	}
}

// New returns a resolver loading onto dev.
func New(reg vlm.Registry, dev device.Tag, opts ...Option) *Resolver {
	r := &Resolver{
		reg:       reg,
		dev:       dev,
		log:       zerolog.Nop(),
		publisher: noopPublisher{},
		newID:     uuid.NewString,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Device returns the compute target models are loaded onto.
func (r *Resolver) Device() device.Tag { return r.dev }

func (r *Resolver) loadOptions() vlm.LoadOptions {
	return vlm.LoadOptions{Precision: device.PrecisionFor(r.dev), Device: r.dev}
}

// Resolve returns the processor and model for modelName. If cacheDir exists
// it is loaded without touching the network; otherwise the model is fetched
// by name and persisted into cacheDir on a best-effort basis.
func (r *Resolver) Resolve(ctx context.Context, modelName, cacheDir string) Result {
	start := time.Now()
	r.publish(EventResolveStart, modelName, map[string]any{"cache_dir": cacheDir})

	if fsutil.PathExists(cacheDir) {
		return r.fromCache(ctx, modelName, cacheDir, start)
	}

	lock := r.lockFor(cacheDir)
	lock.Lock()
	defer lock.Unlock()
	// another request may have filled the cache while we waited
	if fsutil.PathExists(cacheDir) {
		return r.fromCache(ctx, modelName, cacheDir, start)
	}

	r.publish(EventCacheMiss, modelName, map[string]any{"cache_dir": cacheDir})
	r.log.Info().Str("model", modelName).Str("cache_dir", cacheDir).Msg("model cache miss, fetching from registry")
	h, err := r.load(ctx, modelName, SourceRemote)
	if err != nil {
		return r.fail(modelName, SourceRemote, err)
	}
	r.publish(EventFetchDone, modelName, map[string]any{"dur_ms": time.Since(start).Milliseconds()})

	res := Result{Handle: h}
	if perr := r.persist(h, cacheDir); perr != nil {
		fe := failure.New(failure.Persistence, perr)
		res.Warnings = append(res.Warnings, fe)
		persistFailuresTotal.Inc()
		r.log.Warn().Err(perr).Str("model", modelName).Str("cache_dir", cacheDir).Msg("error saving model")
		r.publish(EventPersistFailed, modelName, map[string]any{"error": perr.Error()})
	} else {
		r.log.Info().Str("model", modelName).Str("cache_dir", cacheDir).Msg("model saved to cache")
		r.publish(EventPersistDone, modelName, map[string]any{"cache_dir": cacheDir})
	}
	resolutionsTotal.WithLabelValues(string(SourceRemote), "ok").Inc()
	return res
}

func (r *Resolver) fromCache(ctx context.Context, modelName, cacheDir string, start time.Time) Result {
	r.publish(EventCacheHit, modelName, map[string]any{"cache_dir": cacheDir})
	h, err := r.load(ctx, cacheDir, SourceCache)
	if err != nil {
		return r.fail(modelName, SourceCache, err)
	}
	r.log.Debug().Str("model", modelName).Str("cache_dir", cacheDir).Dur("dur", time.Since(start)).Msg("model loaded from cache")
	resolutionsTotal.WithLabelValues(string(SourceCache), "ok").Inc()
	return Result{Handle: h}
}

func (r *Resolver) fail(modelName string, src Source, err error) Result {
	resolutionsTotal.WithLabelValues(string(src), "error").Inc()
	r.log.Error().Err(err).Str("model", modelName).Str("source", string(src)).Msg("error loading models")
	r.publish(EventResolveFailed, modelName, map[string]any{"error": err.Error(), "source": string(src)})
	return Result{Err: failure.New(failure.ModelResolution, err)}
}

// load asks the registry for the processor then the model.
func (r *Resolver) load(ctx context.Context, nameOrPath string, src Source) (h *Handle, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("registry panic: %v", rec)
		}
	}()
	proc, err := r.reg.LoadProcessor(ctx, nameOrPath)
	if err != nil {
		return nil, fmt.Errorf("load processor: %w", err)
	}
	if proc == nil {
		return nil, errors.New("load processor: registry returned no processor")
	}
	opts := r.loadOptions()
	mdl, err := r.reg.LoadModel(ctx, nameOrPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if mdl == nil {
		return nil, errors.New("load model: registry returned no model")
	}
	return &Handle{Processor: proc, Model: mdl, Source: src, Device: opts.Device, Precision: opts.Precision}, nil
}

// persist saves both artifacts into a staging directory and renames it onto
// cacheDir. If cacheDir appeared in the meantime the staging copy is dropped.
func (r *Resolver) persist(h *Handle, cacheDir string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("save panic: %v", rec)
		}
	}()
	if err := os.MkdirAll(filepath.Dir(cacheDir), 0o755); err != nil {
		return fmt.Errorf("create cache parent: %w", err)
	}
	staging := cacheDir + ".partial-" + r.newID()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()
	if err := h.Processor.Save(staging); err != nil {
		return fmt.Errorf("save processor: %w", err)
	}
	if err := h.Model.Save(staging); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := os.Rename(staging, cacheDir); err != nil {
		if fsutil.IsDir(cacheDir) {
			r.log.Info().Str("cache_dir", cacheDir).Msg("cache populated concurrently, discarding staged copy")
			return nil
		}
		return fmt.Errorf("commit cache dir: %w", err)
	}
	committed = true
	return nil
}

func (r *Resolver) lockFor(cacheDir string) *sync.Mutex {
	key := filepath.Clean(cacheDir)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *Resolver) publish(name, model string, fields map[string]any) {
	r.publisher.Publish(Event{Name: name, Model: model, Fields: fields})
}
