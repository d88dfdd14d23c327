package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/runtime"
)

type serveFlags struct {
	pidFile     string
	model       string
	modelPath   string
	backend     string
	device      string
	computeType string
	logLevel    string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve requests on the unix socket",
		Example: `  whisperd serve --socket /tmp/whisper.sock --pidfile /tmp/whisper.pid
  whisperd serve --socket /tmp/whisper.sock --model small --device cpu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, flags, &cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logger := newLogger(cfg.Telemetry)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			// Once draining starts, a repeated signal terminates the process.
			context.AfterFunc(ctx, stop)

			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.pidFile, "pidfile", "", "write the process id to this file")
	f.StringVar(&flags.model, "model", "", "model size, e.g. large-v3, medium, small")
	f.StringVar(&flags.modelPath, "model-path", "", "explicit model file, overrides --model")
	f.StringVar(&flags.backend, "backend", "", "model backend: whispercpp, exec or mock")
	f.StringVar(&flags.device, "device", "", "compute device: auto, cuda or cpu")
	f.StringVar(&flags.computeType, "compute-type", "", "compute precision, defaults by device")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// applyServeFlags overrides cfg with flags the user set explicitly.
func applyServeFlags(cmd *cobra.Command, flags *serveFlags, cfg *config.Config) {
	set := func(name string, target *string, value string) {
		if cmd.Flags().Changed(name) {
			*target = value
		}
	}
	set("pidfile", &cfg.Server.PIDFile, flags.pidFile)
	set("model", &cfg.Model.Size, flags.model)
	set("model-path", &cfg.Model.Path, flags.modelPath)
	set("backend", &cfg.Model.Backend, flags.backend)
	set("device", &cfg.Model.Device, flags.device)
	set("compute-type", &cfg.Model.ComputeType, flags.computeType)
	set("log-level", &cfg.Telemetry.LogLevel, flags.logLevel)
}
