package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockOptions tunes the mock backend.
type MockOptions struct {
	// Latency is added to every call to simulate inference time.
	Latency time.Duration
	// Threshold is the frame RMS above which a frame counts as speech.
	Threshold float64
	// Language is reported for every call. Defaults to the requested language.
	Language string
}

// MockModel is a deterministic Model used in tests and local development. It
// runs a frame energy detector and reports one segment per speech region.
type MockModel struct {
	opts MockOptions

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    int
	closed   bool
}

func NewMockModel(opts MockOptions) *MockModel {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultVADThreshold
	}
	return &MockModel{opts: opts}
}

func (m *MockModel) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Output, error) {
	m.enter()
	defer m.leave()

	if sampleRate <= 0 {
		return Output{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if m.opts.Latency > 0 {
		time.Sleep(m.opts.Latency)
	}

	duration := float64(len(samples)) / float64(sampleRate)
	lang := m.opts.Language
	if lang == "" {
		lang = opts.Language
	}

	regions := DetectSpeech(samples, sampleRate, opts.VAD, m.opts.Threshold)
	if !opts.VAD.Enabled && len(regions) > 0 {
		regions = [][2]float64{{0, duration}}
	}

	out := Output{Language: lang, Duration: duration}
	for _, r := range regions {
		out.Segments = append(out.Segments, Segment{
			Start: r[0],
			End:   r[1],
			Text:  fmt.Sprintf(" speech %.2f-%.2f ", r[0], r[1]),
		})
	}
	return out, nil
}

func (m *MockModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls is the number of completed and running Transcribe calls.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrent is the largest number of Transcribe calls observed running at once.
func (m *MockModel) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// Closed reports whether Close was called.
func (m *MockModel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockModel) enter() {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	m.mu.Unlock()
}

func (m *MockModel) leave() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

