package resample

import (
	"math"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

// Linear resamples by linear interpolation between neighbouring samples.
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Resample(buf audio.Buffer, targetRate int) audio.Buffer {
	if passthrough(buf, targetRate) {
		return buf
	}
	in := buf.Samples
	n := len(in)
	out := make([]float32, OutputLen(n, buf.SampleRate, targetRate))
	if n == 0 {
		return audio.Buffer{Samples: out, SampleRate: targetRate}
	}

	ratio := float64(targetRate) / float64(buf.SampleRate)
	for i := range out {
		p := float64(i) / ratio
		left := int(math.Floor(p))
		if left > n-1 {
			left = n - 1
		}
		right := min(left+1, n-1)
		frac := p - float64(left)
		out[i] = float32(float64(in[left])*(1-frac) + float64(in[right])*frac)
	}
	return audio.Buffer{Samples: out, SampleRate: targetRate}
}
