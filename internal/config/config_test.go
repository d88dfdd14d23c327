package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Size != "large-v3" {
		t.Fatalf("expected default model large-v3, got %q", cfg.Model.Size)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Fatalf("expected 16000 Hz target, got %d", cfg.Audio.TargetSampleRate)
	}
	if cfg.Server.SocketMode != 0o660 {
		t.Fatalf("expected socket mode 0660, got %o", cfg.Server.SocketMode)
	}
	if !cfg.Decoding.VAD.Enabled || cfg.Decoding.VAD.MinSilenceMS != 200 || cfg.Decoding.VAD.SpeechPadMS != 100 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.Decoding.VAD)
	}
	if cfg.Decoding.Language != "en" {
		t.Fatalf("expected forced language en, got %q", cfg.Decoding.Language)
	}
}

func TestValidateRequiresSocket(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error without socket path")
	}
	cfg.Server.Socket = "/tmp/whisper.sock"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	cfg := Default()
	cfg.Server.Socket = "/tmp/whisper.sock"
	cfg.Model.Backend = "exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for exec backend without command")
	}
}

func TestValidateRejectsUnknownDevice(t *testing.T) {
	cfg := Default()
	cfg.Server.Socket = "/tmp/whisper.sock"
	cfg.Model.Device = "tpu"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestValidateWhisperCPPConstraints(t *testing.T) {
	cfg := Default()
	cfg.Server.Socket = "/tmp/whisper.sock"
	cfg.Audio.TargetSampleRate = 22050
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "target_sample_rate") {
		t.Fatalf("expected target rate error for whispercpp, got %v", err)
	}

	cfg.Model.Backend = "exec"
	cfg.Model.Command = "transcribe"
	if err := Validate(cfg); err != nil {
		t.Fatalf("exec backend may use any rate: %v", err)
	}

	cfg = Default()
	cfg.Server.Socket = "/tmp/whisper.sock"
	cfg.Decoding.VAD.ModelPath = "/models/silero.onnx"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "vad.model_path") {
		t.Fatalf("expected vad model error for whispercpp, got %v", err)
	}
}

func TestValidateBusAdvertisement(t *testing.T) {
	cfg := Default()
	cfg.Server.Socket = "/tmp/whisper.sock"
	cfg.Bus.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Bus.NodeID = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty node id")
	}
	cfg.Bus.NodeID = "whisper-1"
	cfg.Bus.HeartbeatMS = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero heartbeat interval")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whisper.yaml")
	data := []byte(`server:
  socket: /run/whisper.sock
  pid_file: /run/whisper.pid
model:
  backend: mock
  size: small
decoding:
  language: de
audio:
  resampler: linear
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Socket != "/run/whisper.sock" || cfg.Server.PIDFile != "/run/whisper.pid" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Model.Backend != "mock" || cfg.Model.Size != "small" {
		t.Fatalf("unexpected model config: %+v", cfg.Model)
	}
	if cfg.Decoding.Language != "de" {
		t.Fatalf("expected language override, got %q", cfg.Decoding.Language)
	}
	if cfg.Decoding.InitialPrompt != DefaultInitialPrompt {
		t.Fatal("expected default initial prompt to survive partial file")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_WHISPER_SOCKET", "/tmp/env.sock")
	t.Setenv("LOQA_WHISPER_MODEL_BACKEND", "mock")
	t.Setenv("LOQA_WHISPER_DEVICE", "cpu")
	t.Setenv("LOQA_WHISPER_THREADS", "4")
	t.Setenv("LOQA_WHISPER_VAD_ENABLED", "false")
	t.Setenv("LOQA_WHISPER_MAX_BODY_BYTES", "1024")
	t.Setenv("LOQA_WHISPER_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_WHISPER_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Socket != "/tmp/env.sock" {
		t.Fatalf("expected socket override, got %q", cfg.Server.Socket)
	}
	if cfg.Model.Backend != "mock" || cfg.Model.Device != "cpu" || cfg.Model.Threads != 4 {
		t.Fatalf("unexpected model overrides: %+v", cfg.Model)
	}
	if cfg.Decoding.VAD.Enabled {
		t.Fatal("expected vad disabled by env")
	}
	if cfg.Server.MaxBodyBytes != 1024 {
		t.Fatalf("expected max body override, got %d", cfg.Server.MaxBodyBytes)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention override")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
