package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"medlens/internal/common/fsutil"
	"medlens/internal/device"
	"medlens/internal/vlm"
)

// Gemma token ids, used when tokenizer_config.json is absent.
const (
	defaultPadID = 0
	defaultEOSID = 1
	defaultBOSID = 2
)

// Processor encodes images locally and text through the llama-server
// tokenizer of its artifact directory.
type Processor struct {
	dir     string
	pool    *serverPool
	image   ImageConfig
	padID   int
	eosID   int
	special map[int]bool
}

func newProcessor(dir string, pool *serverPool) (*Processor, error) {
	p := &Processor{
		dir:     dir,
		pool:    pool,
		image:   DefaultImageConfig(),
		padID:   defaultPadID,
		eosID:   defaultEOSID,
		special: map[int]bool{defaultPadID: true, defaultEOSID: true, defaultBOSID: true},
	}
	if b, err := os.ReadFile(filepath.Join(dir, "preprocessor_config.json")); err == nil {
		cfg, perr := ParseImageConfig(b)
		if perr != nil {
			return nil, fmt.Errorf("preprocessor_config.json: %w", perr)
		}
		p.image = cfg
	}
	if b, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		if !gjson.ValidBytes(b) {
			return nil, fmt.Errorf("tokenizer_config.json: invalid JSON")
		}
		p.applyTokenizerConfig(b)
	}
	return p, nil
}

// applyTokenizerConfig reads special token ids from a HF tokenizer config.
func (p *Processor) applyTokenizerConfig(b []byte) {
	byContent := map[string]int{}
	gjson.GetBytes(b, "added_tokens_decoder").ForEach(func(k, v gjson.Result) bool {
		id, err := strconv.Atoi(k.String())
		if err != nil {
			return true
		}
		byContent[v.Get("content").String()] = id
		if v.Get("special").Bool() {
			p.special[id] = true
		}
		return true
	})
	lookup := func(key string) (int, bool) {
		v := gjson.GetBytes(b, key)
		content := v.String()
		if v.IsObject() {
			content = v.Get("content").String()
		}
		id, ok := byContent[content]
		return id, ok && content != ""
	}
	if id, ok := lookup("pad_token"); ok {
		p.padID = id
	}
	if id, ok := lookup("eos_token"); ok {
		p.eosID = id
	}
}

func (p *Processor) PadTokenID() int { return p.padID }
func (p *Processor) EOSTokenID() int { return p.eosID }

// Image returns the preprocessing settings.
func (p *Processor) Image() ImageConfig { return p.image }

// EncodeImage resizes and normalizes img. The tensor itself is not consumed
// by llama-server, which takes the PNG in Encoded.
func (p *Processor) EncodeImage(img image.Image, dev device.Tag) (vlm.PixelValues, error) {
	if img == nil {
		return vlm.PixelValues{}, ErrEmptyImage
	}
	resized := p.image.Resize(img)
	var buf bytes.Buffer
	if err := encodePNG(&buf, resized); err != nil {
		return vlm.PixelValues{}, fmt.Errorf("encode png: %w", err)
	}
	b := resized.Bounds()
	return vlm.PixelValues{
		Data:     p.image.Normalize(resized),
		Channels: 3,
		Height:   b.Dy(),
		Width:    b.Dx(),
		Device:   dev,
		Encoded:  buf.Bytes(),
	}, nil
}

// EncodeText tokenizes text with the model's own tokenizer.
func (p *Processor) EncodeText(ctx context.Context, text string, dev device.Tag, addSpecialTokens bool) (vlm.TextEncoding, error) {
	base, err := p.pool.ensure(ctx, p.dir)
	if err != nil {
		return vlm.TextEncoding{}, err
	}
	body, err := postJSON(ctx, p.pool.httpClient, base+"/tokenize", map[string]any{
		"content":       text,
		"add_special":   addSpecialTokens,
		"parse_special": true,
	})
	if err != nil {
		return vlm.TextEncoding{}, fmt.Errorf("tokenize: %w", err)
	}
	var ids []int
	for _, t := range gjson.GetBytes(body, "tokens").Array() {
		if t.IsObject() {
			ids = append(ids, int(t.Get("id").Int()))
			continue
		}
		ids = append(ids, int(t.Int()))
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return vlm.TextEncoding{InputIDs: ids, AttentionMask: mask, Device: dev, Text: text}, nil
}

// Decode turns ids back into text, dropping special tokens when asked.
func (p *Processor) Decode(ctx context.Context, ids []int, skipSpecialTokens bool) (string, error) {
	keep := ids
	if skipSpecialTokens {
		keep = make([]int, 0, len(ids))
		for _, id := range ids {
			if !p.special[id] {
				keep = append(keep, id)
			}
		}
	}
	if len(keep) == 0 {
		return "", nil
	}
	base, err := p.pool.ensure(ctx, p.dir)
	if err != nil {
		return "", err
	}
	body, err := postJSON(ctx, p.pool.httpClient, base+"/detokenize", map[string]any{"tokens": keep})
	if err != nil {
		return "", fmt.Errorf("detokenize: %w", err)
	}
	return gjson.GetBytes(body, "content").String(), nil
}

// Save copies the processor configs into dir and records them in the manifest.
func (p *Processor) Save(dir string) error {
	var saved []string
	for _, f := range processorFiles {
		src := filepath.Join(p.dir, f)
		if !fsutil.PathExists(src) {
			continue
		}
		if err := fsutil.CopyFile(src, filepath.Join(dir, f)); err != nil {
			return err
		}
		saved = append(saved, f)
	}
	return patchManifest(dir, map[string]any{
		"processor.files":      saved,
		"processor.image_size": p.image.Size,
		"processor.pad_id":     p.padID,
		"processor.eos_id":     p.eosID,
	})
}

// patchManifest sets keys in dir's manifest, creating it if needed.
func patchManifest(dir string, kv map[string]any) error {
	path := filepath.Join(dir, ManifestFile)
	doc, err := os.ReadFile(path)
	if err != nil || !gjson.ValidBytes(doc) {
		doc = []byte(`{}`)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if doc, err = sjson.SetBytes(doc, k, kv[k]); err != nil {
			return fmt.Errorf("manifest %s: %w", k, err)
		}
	}
	if doc, err = sjson.SetBytes(doc, "updated_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, doc, 0o644)
}

func postJSON(ctx context.Context, cli *http.Client, url string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = string(body)
			if len(msg) > 4096 {
				msg = msg[:4096]
			}
		}
		return nil, fmt.Errorf("llama-server http error: %s: %s", resp.Status, msg)
	}
	return body, nil
}
