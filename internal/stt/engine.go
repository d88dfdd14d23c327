package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

const instrumentationName = "github.com/loqalabs/loqa-whisper/stt"

// Result is the transcript returned for one request.
type Result struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type loadedModel struct {
	model Model
}

// Engine owns the loaded model and guarantees that at most one transcription
// runs against it at a time. The model is installed once by Load and never
// replaced.
type Engine struct {
	opts       Options
	sampleRate int
	log        *slog.Logger
	loaded     atomic.Pointer[loadedModel]
	mu         sync.Mutex

	tracer      trace.Tracer
	calls       metric.Int64Counter
	callLatency metric.Float64Histogram
	lockWait    metric.Float64Histogram
	audioSecs   metric.Float64Histogram
}

// NewEngine creates an engine that decodes with opts and expects audio at
// sampleRate Hz.
func NewEngine(opts Options, sampleRate int, log *slog.Logger) *Engine {
	e := &Engine{
		opts:       opts,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "stt-engine")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if e.calls, err = meter.Int64Counter("loqa.whisper.transcriptions",
		metric.WithDescription("Transcription calls by outcome")); err != nil {
		return err
	}
	if e.callLatency, err = meter.Float64Histogram("loqa.whisper.transcription.duration",
		metric.WithDescription("Time spent inside the model"), metric.WithUnit("s")); err != nil {
		return err
	}
	if e.lockWait, err = meter.Float64Histogram("loqa.whisper.lock.wait",
		metric.WithDescription("Time spent waiting for the model lock"), metric.WithUnit("s")); err != nil {
		return err
	}
	if e.audioSecs, err = meter.Float64Histogram("loqa.whisper.audio.seconds",
		metric.WithDescription("Length of submitted audio"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Load installs the model. It may be called once.
func (e *Engine) Load(m Model) error {
	if m == nil {
		return fmt.Errorf("load: nil model")
	}
	if !e.loaded.CompareAndSwap(nil, &loadedModel{model: m}) {
		return ErrAlreadyLoaded
	}
	e.log.Info("model ready")
	return nil
}

// Ready reports whether a model has been loaded.
func (e *Engine) Ready() bool { return e.loaded.Load() != nil }

// SampleRate is the rate the model consumes.
func (e *Engine) SampleRate() int { return e.sampleRate }

// Options returns the fixed decoding options.
func (e *Engine) Options() Options { return e.opts }

// Transcribe runs the model over buf. Concurrent callers block until the
// model is free. The call is not interrupted when ctx is cancelled.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer) (Result, error) {
	loaded := e.loaded.Load()
	if loaded == nil {
		return Result{}, ErrNotReady
	}
	if buf.Len() == 0 || buf.SampleRate <= 0 {
		return Result{}, &EngineError{Err: ErrEmptyBuffer}
	}

	ctx, span := e.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int("audio.samples", buf.Len()),
		attribute.Int("audio.sample_rate", buf.SampleRate),
	))
	defer span.End()

	out, err := e.run(context.WithoutCancel(ctx), loaded.model, buf)
	if err != nil {
		e.record(ctx, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &EngineError{Err: err}
	}
	e.record(ctx, "ok")
	if e.audioSecs != nil {
		e.audioSecs.Record(ctx, out.Duration)
	}

	parts := make([]string, len(out.Segments))
	for i, seg := range out.Segments {
		parts[i] = strings.TrimSpace(seg.Text)
	}
	res := Result{
		Text:     strings.Join(parts, " "),
		Language: out.Language,
		Duration: out.Duration,
	}
	span.SetAttributes(
		attribute.Int("stt.segments", len(out.Segments)),
		attribute.String("stt.language", res.Language),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, m Model, buf audio.Buffer) (Output, error) {
	waitStart := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockWait != nil {
		e.lockWait.Record(ctx, time.Since(waitStart).Seconds())
	}

	start := time.Now()
	out, err := m.Transcribe(ctx, buf.Samples, buf.SampleRate, e.opts)
	if e.callLatency != nil {
		e.callLatency.Record(ctx, time.Since(start).Seconds())
	}
	return out, err
}

func (e *Engine) record(ctx context.Context, outcome string) {
	if e.calls != nil {
		e.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Close releases the model. The engine reports ready until process exit.
// Close does not wait for a running transcription: when the model is busy it
// returns ErrModelBusy and leaves the model to be reclaimed at exit.
func (e *Engine) Close() error {
	loaded := e.loaded.Load()
	if loaded == nil {
		return nil
	}
	if !e.mu.TryLock() {
		return ErrModelBusy
	}
	defer e.mu.Unlock()
	return loaded.model.Close()
}
