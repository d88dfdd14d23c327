package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	socket     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "whisperd",
		Short: "Local speech-to-text daemon",
		Long: `whisperd keeps a speech recognition model resident in memory and serves
transcription requests over a unix socket.

Endpoints:
  GET  /health      200 "ok" once the model is loaded, 503 "not ready" before
  POST /transcribe  16-bit PCM WAV as the raw body or the "audio" form field
  GET  /history     recent requests, newest first
  GET  /metrics     Prometheus metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before LOQA_WHISPER_* overrides")
	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "unix socket path")

	cmd.AddCommand(
		newServeCmd(opts),
		newTranscribeCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig layers the config file, the env file and the environment.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return config.Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.socket != "" {
		cfg.Server.Socket = o.socket
	}
	return cfg, nil
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
