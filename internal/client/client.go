// Package client talks to a running daemon over its unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/stt"
)

// The host part is ignored by the unix dialer.
const baseURL = "http://loqa-whisper"

type Client struct {
	http *http.Client
}

// New returns a client bound to socketPath. A zero timeout means none;
// transcription time grows with the audio length.
func New(socketPath string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport, Timeout: timeout}}
}

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Health reports whether the daemon has its model loaded.
func (c *Client) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, &StatusError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
}

// Transcribe posts WAV bytes as the raw request body.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (stt.Result, error) {
	return c.post(ctx, bytes.NewReader(wav), "audio/wav")
}

// TranscribeMultipart posts WAV bytes in the "audio" form field.
func (c *Client) TranscribeMultipart(ctx context.Context, filename string, wav []byte) (stt.Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return stt.Result{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return c.post(ctx, &body, writer.FormDataContentType())
}

func (c *Client) post(ctx context.Context, body io.Reader, contentType string) (stt.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transcribe", body)
	if err != nil {
		return stt.Result{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return stt.Result{}, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	var res stt.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return stt.Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
