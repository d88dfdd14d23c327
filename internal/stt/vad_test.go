package stt

import (
	"errors"
	"math"
	"testing"
	"time"
)

type chunkCall struct {
	length int
}

// toneAt writes a 300 Hz tone over samples [from, to).
func toneAt(samples []float32, rate, from, to int) {
	for i := from; i < to; i++ {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*300*float64(i)/float64(rate)))
	}
}

func recordingDecoder(calls *[]chunkCall) chunkDecoder {
	return func(chunk []float32) ([]Segment, string, error) {
		*calls = append(*calls, chunkCall{length: len(chunk)})
		return []Segment{{Start: 0, End: float64(len(chunk)) / 16000, Text: " word "}}, "en", nil
	}
}

func TestDecodeSpeechRunsDecoderPerRegion(t *testing.T) {
	const rate = 16000
	samples := make([]float32, 2*rate)
	// The first two bursts sit 120ms apart and must merge.
	toneAt(samples, rate, 3840, 7680)
	toneAt(samples, rate, 9600, 14400)
	toneAt(samples, rate, 24000, 28800)

	var calls []chunkCall
	opts := Options{VAD: VADOptions{Enabled: true, MinSilence: 200 * time.Millisecond, SpeechPad: 100 * time.Millisecond}}
	out, err := decodeSpeech(samples, rate, opts, recordingDecoder(&calls))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected two decoder calls, got %d", len(calls))
	}
	if calls[0].length != 13760 || calls[1].length != 8000 {
		t.Fatalf("unexpected chunk lengths %+v", calls)
	}
	if len(out.Segments) != 2 {
		t.Fatalf("expected two segments, got %+v", out.Segments)
	}
	if math.Abs(out.Segments[0].Start-0.14) > 1e-3 || math.Abs(out.Segments[1].Start-1.40) > 1e-3 {
		t.Fatalf("segments not shifted onto buffer timeline: %+v", out.Segments)
	}
	if math.Abs(out.Segments[1].End-1.90) > 1e-3 {
		t.Fatalf("expected padded end 1.90, got %.3f", out.Segments[1].End)
	}
	if out.Duration != 2 || out.Language != "en" {
		t.Fatalf("unexpected metadata %+v", out)
	}
}

func TestDecodeSpeechSkipsSilence(t *testing.T) {
	var calls []chunkCall
	opts := Options{VAD: VADOptions{Enabled: true, MinSilence: 200 * time.Millisecond, SpeechPad: 100 * time.Millisecond}}
	out, err := decodeSpeech(make([]float32, 16000), 16000, opts, recordingDecoder(&calls))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 0 || len(out.Segments) != 0 {
		t.Fatalf("expected no decoding for silence, got %d calls %+v", len(calls), out.Segments)
	}
	if out.Duration != 1 {
		t.Fatalf("expected duration 1, got %f", out.Duration)
	}
}

func TestDecodeSpeechWithoutVADDecodesWholeBuffer(t *testing.T) {
	var calls []chunkCall
	out, err := decodeSpeech(make([]float32, 8000), 16000, Options{}, recordingDecoder(&calls))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(calls) != 1 || calls[0].length != 8000 {
		t.Fatalf("expected one call over the full buffer, got %+v", calls)
	}
	if len(out.Segments) != 1 {
		t.Fatalf("expected one segment, got %+v", out.Segments)
	}
}

func TestDecodeSpeechPropagatesErrors(t *testing.T) {
	samples := make([]float32, 16000)
	toneAt(samples, 16000, 4800, 9600)
	boom := errors.New("decoder failed")
	_, err := decodeSpeech(samples, 16000, Options{VAD: VADOptions{Enabled: true}}, func([]float32) ([]Segment, string, error) {
		return nil, "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected decoder error, got %v", err)
	}
}
