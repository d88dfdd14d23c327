//go:build whispercpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperCPPConfig locates the ggml model and sizes the decoder.
type WhisperCPPConfig struct {
	ModelPath string
	Threads   int
}

type whisperCPPModel struct {
	model   whisper.Model
	threads int
}

// NewWhisperCPPModel loads a ggml model into memory. It is slow and is
// expected to run once at startup.
func NewWhisperCPPModel(cfg WhisperCPPConfig) (Model, error) {
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", cfg.ModelPath, err)
	}
	return &whisperCPPModel{model: model, threads: cfg.Threads}, nil
}

// Transcribe decodes each VAD speech region in its own context. The bindings
// expose no VAD parameters, so regions come from DetectSpeech.
func (m *whisperCPPModel) Transcribe(_ context.Context, samples []float32, sampleRate int, opts Options) (Output, error) {
	if sampleRate != whisper.SampleRate {
		return Output{}, fmt.Errorf("model expects %d Hz audio, got %d", whisper.SampleRate, sampleRate)
	}
	out, err := decodeSpeech(samples, sampleRate, opts, func(chunk []float32) ([]Segment, string, error) {
		return m.decode(chunk, opts)
	})
	if err != nil {
		return Output{}, err
	}
	if out.Language == "" {
		out.Language = opts.Language
	}
	return out, nil
}

func (m *whisperCPPModel) decode(chunk []float32, opts Options) ([]Segment, string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, "", fmt.Errorf("create context: %w", err)
	}
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			return nil, "", fmt.Errorf("set language %q: %w", opts.Language, err)
		}
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	if m.threads > 0 {
		wctx.SetThreads(uint(m.threads))
	}

	if err := wctx.Process(chunk, nil, nil, nil); err != nil {
		return nil, "", fmt.Errorf("process: %w", err)
	}

	var segs []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("next segment: %w", err)
		}
		segs = append(segs, Segment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  seg.Text,
		})
	}
	return segs, wctx.DetectedLanguage(), nil
}

func (m *whisperCPPModel) Close() error {
	return m.model.Close()
}
