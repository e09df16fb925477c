package entities

import (
	"errors"
	"time"
)

// ContainerFormat identifies the audio container of an uploaded chunk,
// detected from magic bytes at ingestion time.
type ContainerFormat string

const (
	FormatWebM          ContainerFormat = "webm"
	FormatMP4           ContainerFormat = "mp4"
	FormatFragmentedMP4 ContainerFormat = "fmp4"
	FormatOgg           ContainerFormat = "ogg"
	FormatWAV           ContainerFormat = "wav"
	FormatUnknown       ContainerFormat = "unknown"
)

// AudioChunk is one sequentially numbered slice of audio uploaded during a
// recording session. It is immutable once accepted; sequence uniqueness per
// session is enforced at ingestion.
type AudioChunk struct {
	SessionID  string          `json:"session_id"`
	Sequence   uint32          `json:"sequence"`
	Data       []byte          `json:"-"`
	Format     ContainerFormat `json:"format"`
	Size       int             `json:"size"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewAudioChunk builds an accepted chunk from raw upload bytes.
func NewAudioChunk(sessionID string, sequence uint32, data []byte, format ContainerFormat) *AudioChunk {
	return &AudioChunk{
		SessionID:  sessionID,
		Sequence:   sequence,
		Data:       data,
		Format:     format,
		Size:       len(data),
		ReceivedAt: time.Now(),
	}
}

// Validate checks the structural invariants of a chunk.
func (c *AudioChunk) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	if len(c.Data) == 0 {
		return errors.New("chunk data is empty")
	}
	return nil
}
