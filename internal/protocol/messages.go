package protocol

import "time"

// Transcript is a final transcription broadcast on the bus.
type Transcript struct {
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Duration  float64   `json:"duration"`
	LatencyMS int64     `json:"latency_ms"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

const SubjectTranscriptFinal = "stt.text.final"
