package stt

import "errors"

var (
	// ErrNotReady is returned until a model has been loaded into the engine.
	ErrNotReady = errors.New("model not loaded")
	// ErrAlreadyLoaded is returned by a second Load call.
	ErrAlreadyLoaded = errors.New("model already loaded")
	// ErrEmptyBuffer rejects buffers without samples.
	ErrEmptyBuffer = errors.New("audio buffer is empty")
	// ErrModelBusy is returned by Close while a transcription holds the model.
	ErrModelBusy = errors.New("model busy")
)

// EngineError wraps a failure raised by the model during transcription.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string { return "transcription failed: " + e.Err.Error() }

func (e *EngineError) Unwrap() error { return e.Err }
