package audio

import "time"

// Buffer holds mono samples normalized to [-1.0, 1.0) at SampleRate Hz.
// A Buffer is never mutated after construction; stages that change the
// audio return a new Buffer.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Len returns the number of samples.
func (b Buffer) Len() int { return len(b.Samples) }

// Seconds returns the playback length of the buffer.
func (b Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Duration is Seconds as a time.Duration.
func (b Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// FromPCM16 normalizes signed 16-bit samples.
func FromPCM16(pcm []int16, sampleRate int) Buffer {
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}
}

// PCM16 converts back to signed 16-bit samples, clamping out-of-range values.
func (b Buffer) PCM16() []int16 {
	out := make([]int16, len(b.Samples))
	for i, s := range b.Samples {
		v := float64(s) * 32768.0
		switch {
		case v >= 32767:
			out[i] = 32767
		case v <= -32768:
			out[i] = -32768
		default:
			if v < 0 {
				out[i] = int16(v - 0.5)
			} else {
				out[i] = int16(v + 0.5)
			}
		}
	}
	return out
}
