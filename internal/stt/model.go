package stt

import (
	"context"
	"time"
)

// Segment is one decoded stretch of speech, with offsets in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// VADOptions controls voice-activity filtering ahead of decoding.
type VADOptions struct {
	Enabled    bool
	MinSilence time.Duration
	SpeechPad  time.Duration
	ModelPath  string
}

// Options is the decoding configuration applied to every call.
type Options struct {
	Language      string
	InitialPrompt string
	VAD           VADOptions
}

// Output is what a model reports for one call.
type Output struct {
	Segments []Segment
	Language string
	Duration float64
}

// Model abstracts a loaded speech recognition model. Implementations are not
// required to be safe for concurrent use; Engine serializes access.
type Model interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Output, error)
	Close() error
}
