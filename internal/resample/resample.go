// Package resample converts audio buffers between sample rates.
//
// Two implementations exist: HighQuality, a band-limited resampler backed by
// github.com/tphakala/go-audio-resampling, and Linear, a linear-interpolation
// resampler that is always available. Probe selects one at startup.
package resample

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

// Resampler converts a buffer to targetRate. Implementations never fail;
// quality degrades instead.
type Resampler interface {
	Resample(buf audio.Buffer, targetRate int) audio.Buffer
	Name() string
}

// OutputLen is the number of samples produced when n samples at from Hz are
// converted to to Hz.
func OutputLen(n, from, to int) int {
	if from <= 0 {
		return n
	}
	return int(math.Round(float64(n) * float64(to) / float64(from)))
}

// Probe picks the resampler for mode (auto, hq or linear). In auto mode a
// failing high-quality probe falls back to Linear.
func Probe(mode string, log *slog.Logger) (Resampler, error) {
	switch mode {
	case "linear":
		log.Info("resampler selected", slog.String("resampler", "linear"))
		return Linear{}, nil
	case "hq", "auto", "":
		hq, err := NewHighQuality(log)
		if err == nil {
			log.Info("resampler selected", slog.String("resampler", hq.Name()))
			return hq, nil
		}
		if mode == "hq" {
			return nil, fmt.Errorf("high quality resampler unavailable: %w", err)
		}
		log.Warn("high quality resampler unavailable, using linear interpolation", slog.String("error", err.Error()))
		return Linear{}, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", mode)
	}
}

func passthrough(buf audio.Buffer, targetRate int) bool {
	return targetRate <= 0 || buf.SampleRate <= 0 || buf.SampleRate == targetRate
}
