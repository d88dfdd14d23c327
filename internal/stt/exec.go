package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

// ExecConfig describes an external transcriber. The command receives the
// audio as a temporary 16-bit WAV file and prints a JSON document on stdout.
type ExecConfig struct {
	Command     string
	Model       string
	ModelPath   string
	Device      string
	ComputeType string
}

type execModel struct {
	cmd []string
	cfg ExecConfig
}

type execResult struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// NewExecModel parses the command line once. The process is started per call.
func NewExecModel(cfg ExecConfig) (Model, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("stt command %q: %w", args[0], err)
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Output, error) {
	file, err := os.CreateTemp("", "loqa_whisper_*.wav")
	if err != nil {
		return Output{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buf := audio.Buffer{Samples: samples, SampleRate: sampleRate}
	if err := audio.EncodeWAV(file, buf); err != nil {
		return Output{}, err
	}
	if err := file.Close(); err != nil {
		return Output{}, fmt.Errorf("close temp file: %w", err)
	}

	args := append([]string{}, m.cmd[1:]...)
	args = append(args, m.flags(file.Name(), opts)...)

	command := exec.CommandContext(ctx, m.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Output{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Output{}, fmt.Errorf("decode stt response: %w", err)
	}

	out := Output{Segments: resp.Segments, Language: resp.Language, Duration: resp.Duration}
	if len(out.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		out.Segments = []Segment{{Start: 0, End: buf.Seconds(), Text: resp.Text}}
	}
	if out.Language == "" {
		out.Language = opts.Language
	}
	if out.Duration == 0 {
		out.Duration = buf.Seconds()
	}
	return out, nil
}

func (m *execModel) flags(path string, opts Options) []string {
	args := []string{"--audio", path}
	add := func(name, value string) {
		if value != "" {
			args = append(args, name, value)
		}
	}
	add("--model", m.cfg.Model)
	add("--model-path", m.cfg.ModelPath)
	add("--device", m.cfg.Device)
	add("--compute-type", m.cfg.ComputeType)
	add("--language", opts.Language)
	add("--initial-prompt", opts.InitialPrompt)
	if opts.VAD.Enabled {
		args = append(args, "--vad",
			"--vad-min-silence-ms", strconv.FormatInt(opts.VAD.MinSilence.Milliseconds(), 10),
			"--vad-speech-pad-ms", strconv.FormatInt(opts.VAD.SpeechPad.Milliseconds(), 10))
		add("--vad-model", opts.VAD.ModelPath)
	}
	return args
}

func (m *execModel) Close() error { return nil }
