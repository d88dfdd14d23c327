package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-whisper/internal/client"
	"github.com/loqalabs/loqa-whisper/internal/stt"
)

var errNoSocket = errors.New("--socket is required")

func (o *rootOptions) client(timeout time.Duration) (*client.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.Socket == "" {
		return nil, errNoSocket
	}
	return client.New(cfg.Server.Socket, timeout), nil
}

func newTranscribeCmd(root *rootOptions) *cobra.Command {
	var (
		multipart bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "transcribe FILE",
		Short: "Send a WAV file to a running daemon and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client(timeout)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read audio: %w", err)
			}

			var res stt.Result
			if multipart {
				res, err = c.TranscribeMultipart(cmd.Context(), filepath.Base(args[0]), data)
			} else {
				res, err = c.Transcribe(cmd.Context(), data)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(res)
		},
	}
	cmd.Flags().BoolVar(&multipart, "multipart", false, "send the file as the multipart \"audio\" field")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout, 0 waits indefinitely")
	return cmd
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the daemon has its model loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client(5 * time.Second)
			if err != nil {
				return err
			}
			ok, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "not ready")
				return fmt.Errorf("daemon is not ready")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
