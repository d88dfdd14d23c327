package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/history"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	ready bool
	err   error

	mu   sync.Mutex
	seen []audio.Buffer
}

func (f *fakeEngine) Ready() bool      { return f.ready }
func (f *fakeEngine) SampleRate() int { return 16000 }

func (f *fakeEngine) Transcribe(_ context.Context, buf audio.Buffer) (stt.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, buf)
	f.mu.Unlock()
	if f.err != nil {
		return stt.Result{}, f.err
	}
	return stt.Result{Text: "hello world", Language: "en", Duration: buf.Seconds()}, nil
}

type memJournal struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memJournal) Append(_ context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memJournal) List(_ context.Context, limit int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []history.Record{}
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

type memBus struct {
	mu   sync.Mutex
	sent []protocol.Transcript
}

func (m *memBus) PublishTranscript(t protocol.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, t)
	return nil
}

func wavBytes(t *testing.T, rate int, seconds float64) []byte {
	t.Helper()
	buf := audio.Buffer{Samples: make([]float32, int(float64(rate)*seconds)), SampleRate: rate}
	raw, err := audio.EncodeWAVBytes(buf)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return raw
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	engine := &fakeEngine{}
	h := New(Options{Engine: engine, Logger: newLogger()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "not ready" {
		t.Fatalf("expected 503 not ready, got %d %q", rec.Code, rec.Body.String())
	}

	engine.ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestTranscribeRawBodyResamples(t *testing.T) {
	engine := &fakeEngine{ready: true}
	journal := &memJournal{}
	bus := &memBus{}
	h := New(Options{Engine: engine, History: journal, Bus: bus, Logger: newLogger()})

	req := httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 8000, 1)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if len(body) != 3 || body["text"] != "hello world" || body["language"] != "en" || body["duration"] != 1.0 {
		t.Fatalf("unexpected body %v", body)
	}
	if len(engine.seen) != 1 || engine.seen[0].SampleRate != 16000 || engine.seen[0].Len() != 16000 {
		t.Fatalf("expected resampled 16k buffer, got %+v", engine.seen)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	if len(journal.records) != 1 || journal.records[0].Status != http.StatusOK {
		t.Fatalf("expected one journaled success, got %+v", journal.records)
	}
	if len(bus.sent) != 1 || bus.sent[0].Text != "hello world" || bus.sent[0].RequestID != journal.records[0].RequestID {
		t.Fatalf("expected one published transcript, got %+v", bus.sent)
	}
}

func TestTranscribeSkipsResampleAtTargetRate(t *testing.T) {
	engine := &fakeEngine{ready: true}
	h := New(Options{Engine: engine, Resampler: panicResampler{}, Logger: newLogger()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 16000, 0.5))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

type panicResampler struct{}

func (panicResampler) Name() string { return "panic" }

func (panicResampler) Resample(audio.Buffer, int) audio.Buffer {
	panic("resampler should not be called")
}

func TestTranscribeMultipart(t *testing.T) {
	engine := &fakeEngine{ready: true}
	h := New(Options{Engine: engine, Logger: newLogger()})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(wavBytes(t, 16000, 0.25)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["duration"]; got != 0.25 {
		t.Fatalf("unexpected duration %v", got)
	}
}

func TestTranscribeEmptyBody(t *testing.T) {
	h := New(Options{Engine: &fakeEngine{ready: true}, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "no audio data" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestTranscribeMultipartWithoutAudioField(t *testing.T) {
	h := New(Options{Engine: &fakeEngine{ready: true}, Logger: newLogger()})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("file", "nope")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := decodeBody(t, rec)["error"]; rec.Code != http.StatusBadRequest || got != "no audio data" {
		t.Fatalf("expected no audio data, got %d %v", rec.Code, got)
	}
}

func TestTranscribeMalformedAudio(t *testing.T) {
	journal := &memJournal{}
	h := New(Options{Engine: &fakeEngine{ready: true}, History: journal, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader("definitely not a wav file")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.HasPrefix(msg, "failed to read audio: ") {
		t.Fatalf("unexpected error %q", msg)
	}
	if len(journal.records) != 1 || journal.records[0].Status != http.StatusBadRequest || journal.records[0].Error == "" {
		t.Fatalf("expected failure journaled, got %+v", journal.records)
	}
}

func TestTranscribeNotReady(t *testing.T) {
	h := New(Options{Engine: &fakeEngine{}, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 16000, 0.1))))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "model not loaded" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestTranscribeEngineFailure(t *testing.T) {
	engine := &fakeEngine{ready: true, err: &stt.EngineError{Err: errors.New("boom")}}
	bus := &memBus{}
	h := New(Options{Engine: engine, Bus: bus, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 16000, 0.1))))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "transcription failed: boom" {
		t.Fatalf("unexpected error %v", got)
	}
	if len(bus.sent) != 0 {
		t.Fatal("failed transcriptions must not be published")
	}
}

func TestTranscribeBodyTooLarge(t *testing.T) {
	h := New(Options{Engine: &fakeEngine{ready: true}, MaxBodyBytes: 1024, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 16000, 1))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	journal := &memJournal{}
	h := New(Options{Engine: &fakeEngine{ready: true}, History: journal, Logger: newLogger()})
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader(wavBytes(t, 16000, 0.1))))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []history.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(Options{Engine: &fakeEngine{ready: true}, Logger: newLogger()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transcribe", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
