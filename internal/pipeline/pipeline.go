// Package pipeline turns an image and a question into an answer: it resolves
// the model, formats the prompt, encodes both inputs, generates, decodes and
// strips the echoed prompt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"medlens/internal/device"
	"medlens/internal/failure"
	"medlens/internal/modelcache"
	"medlens/internal/prompt"
	"medlens/internal/vlm"
)

// Messages shown in place of an answer.
const (
	MsgModelsNotLoaded = "Error: Models not loaded properly."
	inferencePrefix    = "Error processing image: "
	persistPrefix      = "Error saving model: "
)

// Request is one image and the question asked about it.
type Request struct {
	Image  image.Image
	Prompt string
	// ImageErr is set when the upload could not be decoded. It is reported
	// as an inference failure once the model is resolved.
	ImageErr error
}

// Result is either an answer or a failure with its kind.
type Result struct {
	Answer  string
	Kind    failure.Kind
	Message string
	// Warnings are non-fatal problems seen while serving the request.
	Warnings []string
}

// OK reports whether the request produced an answer.
func (r Result) OK() bool { return r.Kind == "" }

// Text renders the result as the single string shown to the user.
func (r Result) Text() string {
	switch r.Kind {
	case "":
		return r.Answer
	case failure.ModelResolution:
		return MsgModelsNotLoaded
	default:
		return inferencePrefix + r.Message
	}
}

// Resolver produces a loaded model handle.
type Resolver interface {
	Resolve(ctx context.Context, modelName, cacheDir string) modelcache.Result
}

// Pipeline holds the lazily resolved model handle shared by all requests.
type Pipeline struct {
	resolver  Resolver
	modelName string
	cacheDir  string
	log       zerolog.Logger
	base      context.Context

	loadMu sync.Mutex // serializes resolution
	handle atomic.Pointer[modelcache.Handle]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithBaseContext sets the context model resolution runs under for Infer.
// Resolution is shared by every request, so it never uses a request's context.
func WithBaseContext(ctx context.Context) Option {
	return func(p *Pipeline) {
		if ctx != nil {
			p.base = ctx
		}
	}
}

// New returns a pipeline for modelName cached under cacheDir. Nothing is
// loaded until the first request or Warm.
func New(r Resolver, modelName, cacheDir string, opts ...Option) *Pipeline {
	p := &Pipeline{resolver: r, modelName: modelName, cacheDir: cacheDir, log: zerolog.Nop(), base: context.Background()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ModelName returns the configured model identifier.
func (p *Pipeline) ModelName() string { return p.modelName }

// CacheDir returns the local cache directory.
func (p *Pipeline) CacheDir() string { return p.cacheDir }

// Ready reports whether the model handle is loaded. It does not wait for a
// resolution in progress.
func (p *Pipeline) Ready() bool { return p.handle.Load() != nil }

// Handle returns the loaded handle, or nil before the first successful resolution.
func (p *Pipeline) Handle() *modelcache.Handle { return p.handle.Load() }

// Warm resolves the model ahead of the first request.
func (p *Pipeline) Warm(ctx context.Context) Result {
	_, res := p.ensure(ctx)
	return res
}

// Close releases the model handle.
func (p *Pipeline) Close() error {
	return p.handle.Swap(nil).Close()
}

// ensure returns the shared handle, resolving it under loadMu on first use.
// Failures are not remembered, so the next call retries.
func (p *Pipeline) ensure(ctx context.Context) (*modelcache.Handle, Result) {
	if h := p.handle.Load(); h != nil {
		return h, Result{}
	}
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if h := p.handle.Load(); h != nil {
		return h, Result{}
	}
	res := p.resolver.Resolve(ctx, p.modelName, p.cacheDir)
	if !res.OK() {
		msg := "resolver returned no handle"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return nil, Result{Kind: failure.ModelResolution, Message: msg}
	}
	p.handle.Store(res.Handle)
	out := Result{}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, persistPrefix+w.Error())
	}
	return res.Handle, out
}

// Infer answers req. It never returns an error: failures come back as a
// Result with a Kind. ctx bounds encoding and generation only; the model is
// resolved under the base context.
func (p *Pipeline) Infer(ctx context.Context, req Request) Result {
	start := time.Now()
	h, res := p.ensure(p.base)
	if !res.OK() {
		p.observe(res, start)
		p.log.Error().Str("model", p.modelName).Str("error", res.Message).Msg("models not loaded")
		return res
	}
	answer, err := p.run(ctx, h, req)
	if err != nil {
		out := Result{Kind: failure.Inference, Message: err.Error(), Warnings: res.Warnings}
		p.observe(out, start)
		p.log.Error().Err(err).Str("model", p.modelName).Msg("error processing image")
		return out
	}
	out := Result{Answer: answer, Warnings: res.Warnings}
	p.observe(out, start)
	p.log.Debug().Str("model", p.modelName).Dur("dur", time.Since(start)).Int("answer_len", len(answer)).Msg("inference done")
	return out
}

func (p *Pipeline) run(ctx context.Context, h *modelcache.Handle, req Request) (answer string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	if req.ImageErr != nil {
		return "", fmt.Errorf("decode image: %w", req.ImageErr)
	}
	if req.Image == nil {
		return "", errors.New("image could not be decoded")
	}
	formatted := prompt.Format(req.Prompt)
	dev := h.Device
	if dev == "" {
		dev = device.CPU
	}
	px, err := h.Processor.EncodeImage(req.Image, dev)
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	txt, err := h.Processor.EncodeText(ctx, formatted, dev, true)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	inputs := vlm.Merge(px, txt)
	params := vlm.DefaultGenerateParams(h.Processor.PadTokenID(), h.Processor.EOSTokenID())
	seqs, err := h.Model.Generate(ctx, inputs, params)
	if err != nil {
		return "", err
	}
	if len(seqs) == 0 {
		return "", errors.New("model returned no sequences")
	}
	decoded, err := h.Processor.Decode(ctx, seqs[0], true)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return StripEcho(decoded, formatted), nil
}

// StripEcho removes every occurrence of the formatted prompt from decoded
// and trims surrounding whitespace.
func StripEcho(decoded, formatted string) string {
	if formatted != "" {
		decoded = strings.ReplaceAll(decoded, formatted, "")
	}
	return strings.TrimSpace(decoded)
}

func (p *Pipeline) observe(r Result, start time.Time) {
	outcome := "ok"
	if !r.OK() {
		outcome = string(r.Kind)
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
