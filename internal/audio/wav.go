package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

var (
	ErrEmptyAudio     = errors.New("wav contains no audio frames")
	ErrMissingFormat  = errors.New("missing fmt chunk")
	ErrMissingData    = errors.New("missing data chunk")
	ErrUnsupportedFmt = errors.New("unsupported wav encoding")
)

// DecodeError reports that the submitted bytes are not a usable WAV stream.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(err error) error {
	return &DecodeError{Err: err}
}

// Decode parses a PCM WAV container carrying 16-bit signed samples. Samples
// are scaled by 1/32768; multi-channel input is averaged down to mono.
func Decode(raw []byte) (Buffer, error) {
	if err := checkChunkSizes(raw); err != nil {
		return Buffer{}, decodeErr(err)
	}

	dec := wav.NewDecoder(bytes.NewReader(raw))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Buffer{}, decodeErr(err)
	}
	if dec.NumChans == 0 {
		return Buffer{}, decodeErr(ErrMissingFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return Buffer{}, decodeErr(fmt.Errorf("%w: format tag %d (only PCM is supported)", ErrUnsupportedFmt, dec.WavAudioFormat))
	}
	if dec.BitDepth != 16 {
		return Buffer{}, decodeErr(fmt.Errorf("%w: %d-bit samples (only 16-bit is supported)", ErrUnsupportedFmt, dec.BitDepth))
	}
	if dec.SampleRate == 0 {
		return Buffer{}, decodeErr(fmt.Errorf("%w: sample rate is 0", ErrUnsupportedFmt))
	}

	if err := dec.FwdToPCM(); err != nil || dec.PCMChunk == nil {
		return Buffer{}, decodeErr(ErrMissingData)
	}
	// The chunk reader is not bounded by the chunk size.
	data, err := io.ReadAll(io.LimitReader(dec.PCMChunk, int64(dec.PCMChunk.Size)))
	if err != nil {
		return Buffer{}, decodeErr(fmt.Errorf("read pcm data: %w", err))
	}

	channels := int(dec.NumChans)
	frameBytes := 2 * channels
	frames := len(data) / frameBytes
	if frames == 0 {
		return Buffer{}, decodeErr(ErrEmptyAudio)
	}

	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			off := i*frameBytes + c*2
			sum += int(int16(binary.LittleEndian.Uint16(data[off:])))
		}
		if channels == 1 {
			samples[i] = float32(sum) / 32768.0
		} else {
			samples[i] = float32(sum) / float32(channels) / 32768.0
		}
	}
	return Buffer{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

// checkChunkSizes rejects containers whose header chunks claim more bytes than
// were submitted. The data chunk is allowed to be short.
func checkChunkSizes(raw []byte) error {
	if len(raw) < 12 {
		return fmt.Errorf("wav header too short: %d bytes", len(raw))
	}
	if string(raw[0:4]) != "RIFF" {
		return errors.New("file does not start with RIFF id")
	}
	if string(raw[8:12]) != "WAVE" {
		return errors.New("not a WAVE file")
	}
	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		if id == "data" {
			return nil
		}
		remaining := len(raw) - off - 8
		if size > remaining {
			return fmt.Errorf("chunk %q claims %d bytes but only %d remain", id, size, remaining)
		}
		off += 8 + size + size%2
	}
	return nil
}

// EncodeWAV writes b as a mono 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, b Buffer) error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", b.SampleRate)
	}
	pcm := b.PCM16()
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: b.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, b.SampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAVBytes is EncodeWAV into memory.
func EncodeWAVBytes(b Buffer) ([]byte, error) {
	ws := &writeSeeker{}
	if err := EncodeWAV(ws, b); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}
