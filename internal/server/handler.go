package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/history"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/resample"
	"github.com/loqalabs/loqa-whisper/internal/stt"
)

const (
	instrumentationName = "github.com/loqalabs/loqa-whisper/server"
	audioField          = "audio"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Transcriber is the engine surface the handler needs.
type Transcriber interface {
	Ready() bool
	SampleRate() int
	Transcribe(ctx context.Context, buf audio.Buffer) (stt.Result, error)
}

// Journal records request outcomes.
type Journal interface {
	Append(ctx context.Context, rec history.Record) error
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// Publisher fans out successful transcripts.
type Publisher interface {
	PublishTranscript(t protocol.Transcript) error
}

type Options struct {
	Engine       Transcriber
	Resampler    resample.Resampler
	History      Journal
	Bus          Publisher
	Metrics      http.Handler
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler serves the daemon's HTTP API.
type Handler struct {
	engine    Transcriber
	resampler resample.Resampler
	history   Journal
	bus       Publisher
	maxBody   int64
	log       *slog.Logger
	mux       *http.ServeMux

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(opts Options) *Handler {
	h := &Handler{
		engine:    opts.Engine,
		resampler: opts.Resampler,
		history:   opts.History,
		bus:       opts.Bus,
		maxBody:   opts.MaxBodyBytes,
		log:       opts.Logger.With(slog.String("component", "http")),
		mux:       http.NewServeMux(),
		tracer:    otel.Tracer(instrumentationName),
	}
	if h.resampler == nil {
		h.resampler = resample.Linear{}
	}
	h.initMetrics()

	h.mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	h.mux.HandleFunc("POST /transcribe", h.withMetrics("/transcribe", h.handleTranscribe))
	if h.history != nil {
		h.mux.HandleFunc("GET /history", h.withMetrics("/history", h.handleHistory))
	}
	if opts.Metrics != nil {
		h.mux.Handle("GET /metrics", opts.Metrics)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if h.requests, err = meter.Int64Counter("loqa.whisper.requests",
		metric.WithDescription("HTTP requests by route and status")); err != nil {
		h.log.Warn("failed to create request counter", slog.String("error", err.Error()))
	}
	if h.latency, err = meter.Float64Histogram("loqa.whisper.request.duration",
		metric.WithDescription("HTTP request latency"), metric.WithUnit("s")); err != nil {
		h.log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
	}
}

// withMetrics records the status and latency of each request.
func (h *Handler) withMetrics(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", ww.statusCode),
		)
		if h.requests != nil {
			h.requests.Add(r.Context(), 1, attrs)
		}
		if h.latency != nil {
			h.latency.Record(r.Context(), time.Since(start).Seconds(), attrs)
		}
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.engine.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	log := h.log.With(slog.String("request_id", requestID))

	ctx, span := h.tracer.Start(r.Context(), "http.transcribe",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	status, res, err := h.transcribe(ctx, w, r, log)
	latency := time.Since(start)
	span.SetAttributes(attribute.Int("http.status", status))

	rec := history.Record{
		RequestID: requestID,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		span.RecordError(err)
		rec.Error = err.Error()
		writeError(w, status, err.Error())
		if status >= http.StatusInternalServerError {
			log.Error("transcription failed", slog.Int("status", status), slog.String("error", err.Error()))
		} else {
			log.Warn("transcription rejected", slog.Int("status", status), slog.String("error", err.Error()))
		}
	} else {
		rec.Text, rec.Language, rec.Duration = res.Text, res.Language, res.Duration
		writeJSON(w, http.StatusOK, res)
		log.Info("transcription complete",
			slog.Float64("duration", res.Duration),
			slog.String("language", res.Language),
			slog.Int("chars", len(res.Text)),
			slog.Duration("latency", latency))
		h.publish(requestID, res, latency, log)
	}
	h.journal(context.WithoutCancel(ctx), rec, log)
}

// transcribe runs decode, resample and transcription, returning the HTTP
// status the outcome maps to.
func (h *Handler) transcribe(ctx context.Context, w http.ResponseWriter, r *http.Request, log *slog.Logger) (int, stt.Result, error) {
	if !h.engine.Ready() {
		return http.StatusServiceUnavailable, stt.Result{}, stt.ErrNotReady
	}

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	raw, err := readAudio(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, stt.Result{}, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, stt.Result{}, fmt.Errorf("failed to read request: %w", err)
	}
	if len(raw) == 0 {
		return http.StatusBadRequest, stt.Result{}, errors.New("no audio data")
	}

	buf, err := audio.Decode(raw)
	if err != nil {
		return http.StatusBadRequest, stt.Result{}, fmt.Errorf("failed to read audio: %w", err)
	}

	if target := h.engine.SampleRate(); buf.SampleRate != target {
		from := buf.SampleRate
		buf = h.resampler.Resample(buf, target)
		log.Debug("resampled audio",
			slog.Int("from", from), slog.Int("to", target), slog.String("resampler", h.resampler.Name()))
	}

	res, err := h.engine.Transcribe(ctx, buf)
	if err != nil {
		switch {
		case errors.Is(err, stt.ErrNotReady):
			return http.StatusServiceUnavailable, stt.Result{}, err
		case errors.Is(err, stt.ErrEmptyBuffer):
			return http.StatusBadRequest, stt.Result{}, err
		}
		return http.StatusInternalServerError, stt.Result{}, err
	}
	return http.StatusOK, res, nil
}

// readAudio returns the multipart "audio" field when the request is
// multipart, otherwise the raw body.
func readAudio(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return io.ReadAll(r.Body)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() != audioField {
			_ = part.Close()
			continue
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.log.Error("history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) journal(ctx context.Context, rec history.Record, log *slog.Logger) {
	if h.history == nil {
		return
	}
	if err := h.history.Append(ctx, rec); err != nil {
		log.Warn("failed to record history", slog.String("error", err.Error()))
	}
}

func (h *Handler) publish(requestID string, res stt.Result, latency time.Duration, log *slog.Logger) {
	if h.bus == nil {
		return
	}
	err := h.bus.PublishTranscript(protocol.Transcript{
		RequestID: requestID,
		Text:      res.Text,
		Language:  res.Language,
		Duration:  res.Duration,
		LatencyMS: latency.Milliseconds(),
	})
	if err != nil {
		log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
