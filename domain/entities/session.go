package entities

import (
	"errors"
	"time"
)

// SessionStatus represents the phase of a recording session.
type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusCompleted SessionStatus = "completed"
)

// RecordingSession is one live recording whose audio chunks flow through the
// transcription pipeline. Only a session in the recording state accepts
// chunks.
type RecordingSession struct {
	ID             string        `json:"id" bson:"_id"`
	OwnerID        string        `json:"owner_id" bson:"owner_id"`
	Status         SessionStatus `json:"status" bson:"status"`
	Language       string        `json:"language" bson:"language"`
	Provider       string        `json:"provider,omitempty" bson:"provider,omitempty"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	LastChunkAt    time.Time     `json:"last_chunk_at" bson:"last_chunk_at"`
	ChunksReceived int           `json:"chunks_received" bson:"chunks_received"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// NewRecordingSession creates a session ready to receive audio.
func NewRecordingSession(id, ownerID, language string) *RecordingSession {
	return &RecordingSession{
		ID:        id,
		OwnerID:   ownerID,
		Status:    SessionStatusWaiting,
		Language:  language,
		CreatedAt: time.Now(),
	}
}

// CanAcceptChunks reports whether the session is in a state that accepts
// uploaded audio.
func (s *RecordingSession) CanAcceptChunks() bool {
	return s.Status == SessionStatusRecording
}

// StartRecording flips a waiting session into the recording state.
func (s *RecordingSession) StartRecording() error {
	if s.Status == SessionStatusCompleted {
		return errors.New("session already completed")
	}
	s.Status = SessionStatusRecording
	return nil
}

// Complete marks the session finished. Further chunk uploads are rejected.
func (s *RecordingSession) Complete() {
	now := time.Now()
	s.Status = SessionStatusCompleted
	s.CompletedAt = &now
}

// TouchChunk records the arrival of one accepted chunk.
func (s *RecordingSession) TouchChunk() {
	s.ChunksReceived++
	s.LastChunkAt = time.Now()
}

// Validate validates the session data.
func (s *RecordingSession) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	switch s.Status {
	case SessionStatusWaiting, SessionStatusRecording, SessionStatusCompleted:
	default:
		return errors.New("invalid session status")
	}
	return nil
}
