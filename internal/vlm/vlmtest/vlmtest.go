// Package vlmtest provides in-memory vlm implementations for tests.
package vlmtest

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"medlens/internal/common/fsutil"
	"medlens/internal/device"
	"medlens/internal/vlm"
)

// Special token ids used by Processor.
const (
	BOS = 2
	EOS = 1
	PAD = 0
)

// Processor tokenizes one rune per token, offset past the special ids.
type Processor struct {
	ImageErr  error
	EncodeErr error
	DecodeErr error
	SaveErr   error

	mu     sync.Mutex
	saves  int
	images int
}

const runeOffset = 16

func (p *Processor) EncodeImage(img image.Image, dev device.Tag) (vlm.PixelValues, error) {
	p.mu.Lock()
	p.images++
	p.mu.Unlock()
	if p.ImageErr != nil {
		return vlm.PixelValues{}, p.ImageErr
	}
	if img == nil {
		return vlm.PixelValues{}, errors.New("nil image")
	}
	b := img.Bounds()
	return vlm.PixelValues{Channels: 3, Height: b.Dy(), Width: b.Dx(), Device: dev, Data: make([]float32, 3*b.Dx()*b.Dy())}, nil
}

func (p *Processor) EncodeText(ctx context.Context, text string, dev device.Tag, addSpecial bool) (vlm.TextEncoding, error) {
	if p.EncodeErr != nil {
		return vlm.TextEncoding{}, p.EncodeErr
	}
	var ids []int
	if addSpecial {
		ids = append(ids, BOS)
	}
	ids = append(ids, Encode(text)...)
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return vlm.TextEncoding{InputIDs: ids, AttentionMask: mask, Device: dev, Text: text}, nil
}

func (p *Processor) Decode(ctx context.Context, ids []int, skipSpecial bool) (string, error) {
	if p.DecodeErr != nil {
		return "", p.DecodeErr
	}
	var sb strings.Builder
	for _, id := range ids {
		if id < runeOffset {
			if !skipSpecial {
				sb.WriteString("<s>")
			}
			continue
		}
		sb.WriteRune(rune(id - runeOffset))
	}
	return sb.String(), nil
}

func (p *Processor) PadTokenID() int { return PAD }
func (p *Processor) EOSTokenID() int { return EOS }

func (p *Processor) Save(dir string) error {
	p.mu.Lock()
	p.saves++
	p.mu.Unlock()
	if p.SaveErr != nil {
		return p.SaveErr
	}
	return os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(`{"pad_token":"<pad>"}`), 0o644)
}

// Saves returns how many times Save was called.
func (p *Processor) Saves() int { p.mu.Lock(); defer p.mu.Unlock(); return p.saves }

// Images returns how many times EncodeImage was called.
func (p *Processor) Images() int { p.mu.Lock(); defer p.mu.Unlock(); return p.images }

// Encode maps text to the ids Processor would produce without specials.
func Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r)+runeOffset)
	}
	return ids
}

// Model echoes its prompt ids followed by the encoding of Reply and EOS.
type Model struct {
	Reply       string
	GenerateErr error
	Panic       any
	SaveErr     error

	mu        sync.Mutex
	calls     int
	saves     int
	closed    bool
	lastParam vlm.GenerateParams
}

func (m *Model) Generate(ctx context.Context, in vlm.Inputs, p vlm.GenerateParams) ([][]int, error) {
	m.mu.Lock()
	m.calls++
	m.lastParam = p
	m.mu.Unlock()
	if m.Panic != nil {
		panic(m.Panic)
	}
	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	seq := append([]int(nil), in.InputIDs...)
	seq = append(seq, Encode(m.Reply)...)
	seq = append(seq, EOS)
	return [][]int{seq}, nil
}

func (m *Model) Save(dir string) error {
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	return os.WriteFile(filepath.Join(dir, "model.gguf"), []byte("GGUF"), 0o644)
}

func (m *Model) Close() error { m.mu.Lock(); m.closed = true; m.mu.Unlock(); return nil }

// Calls returns how many times Generate was called.
func (m *Model) Calls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.calls }

// Saves returns how many times Save was called.
func (m *Model) Saves() int { m.mu.Lock(); defer m.mu.Unlock(); return m.saves }

// Closed reports whether Close was called.
func (m *Model) Closed() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.closed }

// LastParams returns the parameters of the latest Generate call.
func (m *Model) LastParams() vlm.GenerateParams { m.mu.Lock(); defer m.mu.Unlock(); return m.lastParam }

// Registry hands out the configured Processor and Model. Names that are
// existing directories count as local loads, anything else as remote fetches.
type Registry struct {
	Processor *Processor
	Model     *Model
	// LoadErr fails every load; RemoteErr fails only remote fetches.
	LoadErr   error
	RemoteErr error
	Panic     any

	mu          sync.Mutex
	localLoads  int
	remoteLoads int
	lastOpts    vlm.LoadOptions
}

func (r *Registry) LoadProcessor(ctx context.Context, nameOrPath string) (vlm.Processor, error) {
	if r.Panic != nil {
		panic(r.Panic)
	}
	if err := r.count(nameOrPath); err != nil {
		return nil, err
	}
	return r.Processor, nil
}

func (r *Registry) LoadModel(ctx context.Context, nameOrPath string, opts vlm.LoadOptions) (vlm.Model, error) {
	r.mu.Lock()
	r.lastOpts = opts
	r.mu.Unlock()
	if fsutil.IsDir(nameOrPath) {
		if r.LoadErr != nil {
			return nil, r.LoadErr
		}
	} else if r.LoadErr != nil || r.RemoteErr != nil {
		return nil, errors.Join(r.LoadErr, r.RemoteErr)
	}
	return r.Model, nil
}

func (r *Registry) count(nameOrPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fsutil.IsDir(nameOrPath) {
		r.localLoads++
		return r.LoadErr
	}
	r.remoteLoads++
	if r.LoadErr != nil {
		return r.LoadErr
	}
	return r.RemoteErr
}

// LocalLoads counts processor loads from a local directory.
func (r *Registry) LocalLoads() int { r.mu.Lock(); defer r.mu.Unlock(); return r.localLoads }

// RemoteLoads counts processor loads that went to the remote registry.
func (r *Registry) RemoteLoads() int { r.mu.Lock(); defer r.mu.Unlock(); return r.remoteLoads }

// LastOptions returns the options of the latest LoadModel call.
func (r *Registry) LastOptions() vlm.LoadOptions { r.mu.Lock(); defer r.mu.Unlock(); return r.lastOpts }
