package resample

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

// HighQuality resamples with a band-limited filter. A new filter state is
// built per call, so one value can serve concurrent requests.
//
// The filter pipeline shifts its output by a delay that depends on the rate
// pair. The delay is measured once per pair with an impulse and removed from
// every result, so output sample i lines up with input time i/targetRate.
type HighQuality struct {
	quality  resampling.QualitySpec
	fallback Linear
	log      *slog.Logger

	offsets sync.Map // ratePair -> int
}

type ratePair struct{ from, to int }

// NewHighQuality checks that the filter can be built and that its output is
// time-aligned with the input after delay compensation.
func NewHighQuality(log *slog.Logger) (*HighQuality, error) {
	h := &HighQuality{
		quality: resampling.QualitySpec{Preset: resampling.QualityHigh},
		log:     log.With(slog.String("component", "resampler")),
	}
	if err := h.checkAlignment(8000, 16000); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HighQuality) Name() string { return "hq" }

func (h *HighQuality) Resample(buf audio.Buffer, targetRate int) audio.Buffer {
	if passthrough(buf, targetRate) {
		return buf
	}
	out, err := h.resample(buf.Samples, buf.SampleRate, targetRate)
	if err != nil {
		h.log.Warn("high quality resample failed, using linear interpolation",
			slog.Int("from", buf.SampleRate), slog.Int("to", targetRate), slog.String("error", err.Error()))
		return h.fallback.Resample(buf, targetRate)
	}
	return audio.Buffer{Samples: out, SampleRate: targetRate}
}

func (h *HighQuality) resample(samples []float32, from, to int) ([]float32, error) {
	offset, err := h.offset(from, to)
	if err != nil {
		return nil, err
	}
	output, lead, err := h.run(samples, from, to)
	if err != nil {
		return nil, err
	}

	want := OutputLen(len(samples), from, to)
	out := make([]float32, want)
	start := lead + offset
	for i := range out {
		if j := start + i; j >= 0 && j < len(output) {
			out[i] = float32(output[j])
		}
	}
	return out, nil
}

// offset returns the measured filter delay for a rate pair, in output samples.
func (h *HighQuality) offset(from, to int) (int, error) {
	key := ratePair{from, to}
	if v, ok := h.offsets.Load(key); ok {
		return v.(int), nil
	}
	offset, err := h.measureDelay(from, to)
	if err != nil {
		return 0, err
	}
	h.offsets.Store(key, offset)
	return offset, nil
}

func (h *HighQuality) measureDelay(from, to int) (int, error) {
	n := max(64, from/10)
	impulse := make([]float32, 2*n+1)
	impulse[n] = 1

	output, lead, err := h.run(impulse, from, to)
	if err != nil {
		return 0, err
	}
	peak, best := -1, 0.0
	for i, v := range output {
		if a := math.Abs(v); a > best {
			peak, best = i, a
		}
	}
	if peak < 0 {
		return 0, errors.New("resampler produced no output")
	}

	offset := peak - (lead + OutputLen(n, from, to))
	if limit := lead / 2; offset > limit || offset < -limit {
		return 0, fmt.Errorf("filter delay of %d samples exceeds padding", offset)
	}
	return offset, nil
}

// run resamples samples surrounded by silence on both sides and flushes the
// filter. lead is the length of the leading silence in output samples.
func (h *HighQuality) run(samples []float32, from, to int) (output []float64, lead int, err error) {
	pad := max(1024, from/10)
	input := make([]float64, pad+len(samples)+pad)
	for i, s := range samples {
		input[pad+i] = float64(s)
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    h.quality,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("create resampler: %w", err)
	}
	output, err = r.Process(input)
	if err != nil {
		return nil, 0, fmt.Errorf("resample: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, 0, fmt.Errorf("flush resampler: %w", err)
	}
	return append(output, tail...), OutputLen(pad, from, to), nil
}

// checkAlignment resamples a one second ramp and compares it with the ideal
// ramp at the start and the midpoint.
func (h *HighQuality) checkAlignment(from, to int) error {
	ramp := make([]float32, from)
	for i := range ramp {
		ramp[i] = float32(i) / float32(from)
	}
	out, err := h.resample(ramp, from, to)
	if err != nil {
		return err
	}
	if len(out) != OutputLen(len(ramp), from, to) {
		return fmt.Errorf("resampler produced %d samples, want %d", len(out), OutputLen(len(ramp), from, to))
	}
	mid := len(out) / 2
	for _, i := range []int{0, mid} {
		want := float64(i) / float64(to)
		if math.Abs(float64(out[i])-want) > 0.01 {
			return fmt.Errorf("resampler output misaligned: sample %d is %.4f, want %.4f", i, out[i], want)
		}
	}
	return nil
}
