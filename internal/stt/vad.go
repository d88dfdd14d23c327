package stt

import (
	"math"
	"time"
)

const vadFrame = 30 * time.Millisecond

// DefaultVADThreshold is the frame RMS above which a frame counts as speech.
const DefaultVADThreshold = 0.01

// DetectSpeech returns speech regions in seconds, found by a frame energy
// detector. With VAD enabled, regions closer than MinSilence are joined and
// every region is widened by SpeechPad on both sides.
func DetectSpeech(samples []float32, sampleRate int, vad VADOptions, threshold float64) [][2]float64 {
	if sampleRate <= 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	regions := speechRegions(samples, sampleRate, threshold)
	if !vad.Enabled {
		return regions
	}
	regions = mergeRegions(regions, vad.MinSilence.Seconds())
	return padRegions(regions, vad.SpeechPad.Seconds(), seconds(len(samples), sampleRate))
}

// chunkDecoder decodes one contiguous slice of audio. Segment offsets are
// relative to the start of the slice.
type chunkDecoder func(chunk []float32) (segments []Segment, language string, err error)

// decodeSpeech runs decode over the whole buffer, or with VAD enabled over each
// detected speech region, shifting segment offsets back onto the buffer's
// timeline. Silence yields no decode calls and no segments.
func decodeSpeech(samples []float32, sampleRate int, opts Options, decode chunkDecoder) (Output, error) {
	out := Output{Duration: seconds(len(samples), sampleRate)}
	if !opts.VAD.Enabled {
		segs, lang, err := decode(samples)
		if err != nil {
			return Output{}, err
		}
		out.Segments, out.Language = segs, lang
		return out, nil
	}

	for _, r := range DetectSpeech(samples, sampleRate, opts.VAD, DefaultVADThreshold) {
		start := sampleIndex(r[0], sampleRate, len(samples))
		end := sampleIndex(r[1], sampleRate, len(samples))
		if end <= start {
			continue
		}
		segs, lang, err := decode(samples[start:end])
		if err != nil {
			return Output{}, err
		}
		if out.Language == "" {
			out.Language = lang
		}
		offset := seconds(start, sampleRate)
		for _, seg := range segs {
			seg.Start += offset
			seg.End += offset
			out.Segments = append(out.Segments, seg)
		}
	}
	return out, nil
}

func speechRegions(samples []float32, sampleRate int, threshold float64) [][2]float64 {
	frame := int(float64(sampleRate) * vadFrame.Seconds())
	if frame < 1 {
		frame = 1
	}
	var regions [][2]float64
	open := -1
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		active := math.Sqrt(sum/float64(end-start)) >= threshold
		switch {
		case active && open < 0:
			open = start
		case !active && open >= 0:
			regions = append(regions, [2]float64{seconds(open, sampleRate), seconds(start, sampleRate)})
			open = -1
		}
	}
	if open >= 0 {
		regions = append(regions, [2]float64{seconds(open, sampleRate), seconds(len(samples), sampleRate)})
	}
	return regions
}

func mergeRegions(regions [][2]float64, minSilence float64) [][2]float64 {
	if len(regions) < 2 {
		return regions
	}
	merged := [][2]float64{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r[0]-last[1] < minSilence {
			last[1] = r[1]
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func padRegions(regions [][2]float64, pad, duration float64) [][2]float64 {
	for i := range regions {
		regions[i][0] = math.Max(0, regions[i][0]-pad)
		regions[i][1] = math.Min(duration, regions[i][1]+pad)
	}
	return regions
}

func sampleIndex(sec float64, rate, n int) int {
	return min(max(int(math.Round(sec*float64(rate))), 0), n)
}

func seconds(n, rate int) float64 { return float64(n) / float64(rate) }
