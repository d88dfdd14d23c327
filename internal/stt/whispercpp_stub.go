//go:build !whispercpp

package stt

import "errors"

// WhisperCPPConfig locates the ggml model and sizes the decoder.
type WhisperCPPConfig struct {
	ModelPath string
	Threads   int
}

// ErrWhisperCPPDisabled is returned when the binary was built without the
// whispercpp tag.
var ErrWhisperCPPDisabled = errors.New("whisper.cpp support is disabled in this build")

// NewWhisperCPPModel always fails in builds without cgo bindings.
func NewWhisperCPPModel(WhisperCPPConfig) (Model, error) {
	return nil, ErrWhisperCPPDisabled
}
