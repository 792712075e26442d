package speech

import "time"

// TranscriptChunk is one recognition result. Final chunks are stable text,
// interim chunks are provisional and only shown as live status.
type TranscriptChunk struct {
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	Confidence float64   `json:"confidence,omitempty"`
	StartTime  int64     `json:"startTime,omitempty"` // milliseconds from stream start
	EndTime    int64     `json:"endTime,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Audio is synthesized speech ready for playback.
type Audio struct {
	Data   []byte `json:"-"`
	Format string `json:"format"`
}
