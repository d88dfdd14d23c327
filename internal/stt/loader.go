package stt

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

// ModelPath resolves the ggml file for a model config. An explicit path wins
// over dir/ggml-<size>.bin.
func ModelPath(cfg config.ModelConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(cfg.Dir, "ggml-"+cfg.Size+".bin")
}

// OpenModel builds the configured backend. device and computeType are the
// resolved values, not "auto".
func OpenModel(cfg config.ModelConfig, device, computeType string, log *slog.Logger) (Model, error) {
	log = log.With(slog.String("component", "stt-loader"))
	start := time.Now()

	var (
		model Model
		err   error
	)
	switch cfg.Backend {
	case "mock":
		model = NewMockModel(MockOptions{})
	case "exec":
		model, err = NewExecModel(ExecConfig{
			Command:     cfg.Command,
			Model:       cfg.Size,
			ModelPath:   cfg.Path,
			Device:      device,
			ComputeType: computeType,
		})
	case "whispercpp", "":
		model, err = NewWhisperCPPModel(WhisperCPPConfig{
			ModelPath: ModelPath(cfg),
			Threads:   cfg.Threads,
		})
	default:
		err = fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("model loaded",
		slog.String("backend", cfg.Backend),
		slog.String("size", cfg.Size),
		slog.String("device", device),
		slog.String("compute_type", computeType),
		slog.Duration("elapsed", time.Since(start)),
	)
	return model, nil
}

// DecodingOptions converts the decoding config section into engine options.
func DecodingOptions(cfg config.DecodingConfig) Options {
	return Options{
		Language:      cfg.Language,
		InitialPrompt: cfg.InitialPrompt,
		VAD: VADOptions{
			Enabled:    cfg.VAD.Enabled,
			MinSilence: time.Duration(cfg.VAD.MinSilenceMS) * time.Millisecond,
			SpeechPad:  time.Duration(cfg.VAD.SpeechPadMS) * time.Millisecond,
			ModelPath:  cfg.VAD.ModelPath,
		},
	}
}
