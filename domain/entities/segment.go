package entities

import (
	"time"

	"github.com/google/uuid"
)

// TranscriptSegment is the text produced from one successfully transcribed
// chunk. Read-only after creation; it feeds the broadcast hub and the
// segment store.
type TranscriptSegment struct {
	ID         string    `json:"segment_id" bson:"_id"`
	SessionID  string    `json:"session_id" bson:"session_id"`
	Sequence   uint32    `json:"chunk_sequence" bson:"chunk_sequence"`
	Text       string    `json:"text" bson:"text"`
	StartTime  float64   `json:"start_time" bson:"start_time"`
	EndTime    float64   `json:"end_time" bson:"end_time"`
	Confidence float64   `json:"confidence" bson:"confidence"`
	Language   string    `json:"language" bson:"language"`
	Provider   string    `json:"provider" bson:"provider"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// NewTranscriptSegment creates a segment for a transcribed chunk.
func NewTranscriptSegment(sessionID string, sequence uint32, text string) *TranscriptSegment {
	return &TranscriptSegment{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sequence:  sequence,
		Text:      text,
		CreatedAt: time.Now(),
	}
}
