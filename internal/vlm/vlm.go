// Package vlm declares the contract between medlens and a vision-language
// model runtime: a processor that encodes images and text, a model that
// generates token sequences, and a registry that loads both from a local
// directory or a remote repository.
package vlm

import (
	"context"
	"image"

	"medlens/internal/device"
)

// PixelValues is an encoded image placed on a device.
type PixelValues struct {
	// Data holds normalized channel-first values (C*H*W).
	Data     []float32
	Channels int
	Height   int
	Width    int
	Device   device.Tag
	// Encoded is the preprocessed image as PNG, for runtimes that take files.
	Encoded []byte
}

// TextEncoding is a tokenized prompt placed on a device.
type TextEncoding struct {
	InputIDs      []int
	AttentionMask []int
	Device        device.Tag
	// Text is the source string, kept for runtimes that take raw text.
	Text string
}

// Inputs is one merged generation request.
type Inputs struct {
	PixelValues   PixelValues
	InputIDs      []int
	AttentionMask []int
	Text          string
}

// Merge combines an encoded image and an encoded prompt.
func Merge(px PixelValues, txt TextEncoding) Inputs {
	return Inputs{
		PixelValues:   px,
		InputIDs:      append([]int(nil), txt.InputIDs...),
		AttentionMask: append([]int(nil), txt.AttentionMask...),
		Text:          txt.Text,
	}
}

// GenerateParams are decoding parameters. MaxLength counts prompt tokens.
type GenerateParams struct {
	MaxLength          int
	DoSample           bool
	Temperature        float64
	TopP               float64
	NumReturnSequences int
	PadTokenID         int
	EOSTokenID         int
}

// Decoding defaults used for every analysis.
const (
	DefaultMaxLength   = 512
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// DefaultGenerateParams returns the fixed decoding parameters with the
// tokenizer's pad and end token ids.
func DefaultGenerateParams(padID, eosID int) GenerateParams {
	return GenerateParams{
		MaxLength:          DefaultMaxLength,
		DoSample:           true,
		Temperature:        DefaultTemperature,
		TopP:               DefaultTopP,
		NumReturnSequences: 1,
		PadTokenID:         padID,
		EOSTokenID:         eosID,
	}
}

// LoadOptions control how model weights are loaded.
type LoadOptions struct {
	Precision device.Precision
	Device    device.Tag
}

// Processor encodes model inputs and decodes outputs.
type Processor interface {
	EncodeImage(img image.Image, dev device.Tag) (PixelValues, error)
	EncodeText(ctx context.Context, text string, dev device.Tag, addSpecialTokens bool) (TextEncoding, error)
	Decode(ctx context.Context, ids []int, skipSpecialTokens bool) (string, error)
	PadTokenID() int
	EOSTokenID() int
	// Save writes the processor artifacts into dir.
	Save(dir string) error
}

// Model generates token sequences. Each returned sequence holds the prompt
// ids followed by the generated ids.
type Model interface {
	Generate(ctx context.Context, in Inputs, p GenerateParams) ([][]int, error)
	// Save writes the model weights into dir.
	Save(dir string) error
	Close() error
}

// Registry loads processors and models. nameOrPath is either an existing
// local directory or a remote repository id.
type Registry interface {
	LoadProcessor(ctx context.Context, nameOrPath string) (Processor, error)
	LoadModel(ctx context.Context, nameOrPath string, opts LoadOptions) (Model, error)
}
