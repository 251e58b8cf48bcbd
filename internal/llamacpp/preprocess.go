package llamacpp

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/tidwall/gjson"
	"golang.org/x/image/draw"
)

// ErrEmptyImage is returned for a nil image.
var ErrEmptyImage = errors.New("llamacpp: empty image")

// ImageConfig mirrors the fields of a HF preprocessor_config.json that
// matter for a square-input vision tower.
type ImageConfig struct {
	Size          int
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
	// Resample follows PIL codes: 2 bilinear, 3 bicubic.
	Resample int
}

// DefaultImageConfig matches the Gemma 3 vision tower.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Size:          896,
		Mean:          [3]float32{0.5, 0.5, 0.5},
		Std:           [3]float32{0.5, 0.5, 0.5},
		RescaleFactor: 1.0 / 255.0,
		Resample:      2,
	}
}

// ParseImageConfig reads a preprocessor_config.json, keeping defaults for
// absent fields.
func ParseImageConfig(b []byte) (ImageConfig, error) {
	cfg := DefaultImageConfig()
	if !gjson.ValidBytes(b) {
		return cfg, errors.New("invalid JSON")
	}
	for _, path := range []string{"size.height", "size.shortest_edge", "size", "image_size"} {
		if v := gjson.GetBytes(b, path); v.Type == gjson.Number {
			cfg.Size = int(v.Int())
			break
		}
	}
	if cfg.Size <= 0 {
		return cfg, fmt.Errorf("invalid image size %d", cfg.Size)
	}
	if err := readTriple(b, "image_mean", &cfg.Mean); err != nil {
		return cfg, err
	}
	if err := readTriple(b, "image_std", &cfg.Std); err != nil {
		return cfg, err
	}
	for i, s := range cfg.Std {
		if s == 0 {
			return cfg, fmt.Errorf("image_std[%d] is zero", i)
		}
	}
	if v := gjson.GetBytes(b, "rescale_factor"); v.Exists() {
		cfg.RescaleFactor = float32(v.Float())
	}
	if v := gjson.GetBytes(b, "resample"); v.Exists() {
		cfg.Resample = int(v.Int())
	}
	return cfg, nil
}

func readTriple(b []byte, key string, dst *[3]float32) error {
	v := gjson.GetBytes(b, key)
	if !v.Exists() {
		return nil
	}
	arr := v.Array()
	if len(arr) != 3 {
		return fmt.Errorf("%s: want 3 values, got %d", key, len(arr))
	}
	for i, x := range arr {
		dst[i] = float32(x.Float())
	}
	return nil
}

// Resize scales img to a Size x Size RGBA image.
func (c ImageConfig) Resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.Size, c.Size))
	var s draw.Scaler = draw.BiLinear
	if c.Resample == 3 {
		s = draw.CatmullRom
	}
	s.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Normalize returns channel-first float values: (px*rescale - mean) / std.
func (c ImageConfig) Normalize(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			for ch := 0; ch < 3; ch++ {
				v := float32(img.Pix[off+ch]) * c.RescaleFactor
				out[ch*plane+i] = (v - c.Mean[ch]) / c.Std[ch]
			}
		}
	}
	return out
}

func encodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}
