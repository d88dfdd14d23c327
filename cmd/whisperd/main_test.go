package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestApplyServeFlagsOnlyOverridesChanged(t *testing.T) {
	root := &rootOptions{}
	serve := newServeCmd(root)
	if err := serve.ParseFlags([]string{"--model", "small", "--device", "cpu", "--pidfile", "/tmp/w.pid"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg := config.Default()
	cfg.Model.Backend = "exec"
	flags := flagsOf(t, serve)
	applyServeFlags(serve, flags, &cfg)

	if cfg.Model.Size != "small" || cfg.Model.Device != "cpu" || cfg.Server.PIDFile != "/tmp/w.pid" {
		t.Fatalf("flags not applied: %+v", cfg.Model)
	}
	if cfg.Model.Backend != "exec" {
		t.Fatalf("unset flag should not override config, got backend %q", cfg.Model.Backend)
	}
}

func flagsOf(t *testing.T, cmd *cobra.Command) *serveFlags {
	t.Helper()
	get := func(name string) string {
		v, err := cmd.Flags().GetString(name)
		if err != nil {
			t.Fatalf("flag %s: %v", name, err)
		}
		return v
	}
	return &serveFlags{
		pidFile:     get("pidfile"),
		model:       get("model"),
		modelPath:   get("model-path"),
		backend:     get("backend"),
		device:      get("device"),
		computeType: get("compute-type"),
		logLevel:    get("log-level"),
	}
}

func TestLoadConfigLayersEnvFileAndSocketFlag(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "whisper.env")
	if err := os.WriteFile(envFile, []byte("LOQA_WHISPER_LANGUAGE=de\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("LOQA_WHISPER_LANGUAGE") })

	root := &rootOptions{envFile: envFile, socket: filepath.Join(dir, "w.sock")}
	cfg, err := root.loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Decoding.Language != "de" {
		t.Fatalf("expected env file override, got %q", cfg.Decoding.Language)
	}
	if cfg.Server.Socket != root.socket {
		t.Fatalf("expected socket flag to apply, got %q", cfg.Server.Socket)
	}
}

func TestServeRequiresSocket(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--backend", "mock"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "server.socket") {
		t.Fatalf("expected socket validation error, got %v", err)
	}
}

func TestHealthRequiresSocket(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"health"})
	if err := cmd.Execute(); err != errNoSocket {
		t.Fatalf("expected errNoSocket, got %v", err)
	}
}
