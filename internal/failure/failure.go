// Package failure defines the error kinds reported at the model resolution
// and inference boundaries.
package failure

import "errors"

// Kind classifies a failure.
type Kind string

const (
	// ModelResolution: the processor or model could not be loaded or fetched.
	ModelResolution Kind = "model_resolution_failure"
	// Persistence: writing a fetched model into the local cache failed.
	// Never fatal to the request that triggered it.
	Persistence Kind = "persistence_failure"
	// Inference: encoding, generation or decoding failed.
	Inference Kind = "inference_failure"
)

// Error carries a Kind and the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err yields nil.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsModelResolution reports whether err is a model resolution failure.
func IsModelResolution(err error) bool { k, ok := KindOf(err); return ok && k == ModelResolution }

// IsPersistence reports whether err is a cache persistence failure.
func IsPersistence(err error) bool { k, ok := KindOf(err); return ok && k == Persistence }

// IsInference reports whether err is an inference failure.
func IsInference(err error) bool { k, ok := KindOf(err); return ok && k == Inference }
