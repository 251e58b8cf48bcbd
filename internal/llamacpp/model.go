package llamacpp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"medlens/internal/common/fsutil"
	"medlens/internal/prompt"
	"medlens/internal/vlm"
)

// MediaMarker is where llama-server splices the image embedding.
const MediaMarker = "<__media__>"

// Model generates through the llama-server of its artifact directory.
type Model struct {
	dir    string
	launch launch
	pool   *serverPool
}

// Dir returns the artifact directory.
func (m *Model) Dir() string { return m.dir }

// PID returns the server process id, or 0 when not running.
func (m *Model) PID() int {
	pid, _, _ := m.pool.info(m.dir)
	return pid
}

type multimodalPrompt struct {
	PromptString   string   `json:"prompt_string"`
	MultimodalData []string `json:"multimodal_data,omitempty"`
}

type completionRequest struct {
	Prompt       multimodalPrompt `json:"prompt"`
	NPredict     int              `json:"n_predict"`
	Temperature  float64          `json:"temperature"`
	TopP         float64          `json:"top_p"`
	ReturnTokens bool             `json:"return_tokens"`
	Stream       bool             `json:"stream"`
	CachePrompt  bool             `json:"cache_prompt"`
}

// mediaPrompt swaps the image placeholder for the server's media marker,
// prepending one when the text has none.
func mediaPrompt(text string) string {
	if strings.Contains(text, prompt.ImagePlaceholder) {
		return strings.Replace(text, prompt.ImagePlaceholder, MediaMarker, 1)
	}
	return MediaMarker + "\n" + text
}

// Generate returns one sequence: the prompt ids followed by generated ids.
func (m *Model) Generate(ctx context.Context, in vlm.Inputs, p vlm.GenerateParams) ([][]int, error) {
	if len(in.PixelValues.Encoded) == 0 {
		return nil, errors.New("no encoded image in inputs")
	}
	if p.NumReturnSequences > 1 {
		return nil, fmt.Errorf("llama-server returns one sequence, %d requested", p.NumReturnSequences)
	}
	budget := p.MaxLength - len(in.InputIDs)
	if budget <= 0 {
		return nil, fmt.Errorf("prompt is %d tokens, max length is %d", len(in.InputIDs), p.MaxLength)
	}
	base, err := m.pool.ensure(ctx, m.dir)
	if err != nil {
		return nil, err
	}
	req := completionRequest{
		Prompt: multimodalPrompt{
			PromptString:   mediaPrompt(in.Text),
			MultimodalData: []string{base64.StdEncoding.EncodeToString(in.PixelValues.Encoded)},
		},
		NPredict:     budget,
		Temperature:  p.Temperature,
		TopP:         p.TopP,
		ReturnTokens: true,
	}
	if !p.DoSample {
		req.Temperature = 0
	}
	body, err := postJSON(ctx, m.pool.httpClient, base+"/completion", req)
	if err != nil {
		return nil, err
	}
	seq := append([]int(nil), in.InputIDs...)
	for _, t := range gjson.GetBytes(body, "tokens").Array() {
		id := int(t.Int())
		if id == p.PadTokenID && id != p.EOSTokenID {
			continue
		}
		seq = append(seq, id)
		if id == p.EOSTokenID {
			break
		}
	}
	return [][]int{seq}, nil
}

// Save copies the weights and projector into dir, hard-linking when possible.
func (m *Model) Save(dir string) error {
	for _, src := range []string{m.launch.weights, m.launch.mmproj} {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.Link(src, dst); err == nil {
			continue
		}
		if err := fsutil.CopyFile(src, dst); err != nil {
			return err
		}
	}
	return patchManifest(dir, map[string]any{
		"model.weights":   filepath.Base(m.launch.weights),
		"model.mmproj":    filepath.Base(m.launch.mmproj),
		"model.precision": string(m.launch.opts.Precision),
	})
}

// Close stops the server.
func (m *Model) Close() error { return m.pool.stop(m.dir) }
