package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	session := NewRecordingSession("sess-123", "owner-1", "en-US")

	if session.ID != "sess-123" {
		t.Errorf("Expected ID sess-123, got %s", session.ID)
	}

	if session.Status != SessionStatusWaiting {
		t.Errorf("Expected status %s, got %s", SessionStatusWaiting, session.Status)
	}

	if session.CanAcceptChunks() {
		t.Error("Waiting session should not accept chunks")
	}

	if session.ChunksReceived != 0 {
		t.Errorf("Expected 0 chunks received, got %d", session.ChunksReceived)
	}
}

func TestSessionLifecycle(t *testing.T) {
	session := NewRecordingSession("sess-123", "owner-1", "en-US")

	if err := session.StartRecording(); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	if !session.CanAcceptChunks() {
		t.Error("Recording session should accept chunks")
	}

	session.TouchChunk()
	session.TouchChunk()
	if session.ChunksReceived != 2 {
		t.Errorf("Expected 2 chunks received, got %d", session.ChunksReceived)
	}
	if session.LastChunkAt.IsZero() {
		t.Error("Expected LastChunkAt to be set")
	}

	session.Complete()
	if session.Status != SessionStatusCompleted {
		t.Errorf("Expected status %s, got %s", SessionStatusCompleted, session.Status)
	}
	if session.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
	if session.CanAcceptChunks() {
		t.Error("Completed session should not accept chunks")
	}

	if err := session.StartRecording(); err == nil {
		t.Error("Expected error restarting a completed session")
	}
}

func TestSessionValidate(t *testing.T) {
	session := NewRecordingSession("", "owner-1", "en-US")
	if err := session.Validate(); err == nil {
		t.Error("Expected validation error for empty ID")
	}

	session = NewRecordingSession("sess-123", "owner-1", "en-US")
	session.Status = SessionStatus("bogus")
	if err := session.Validate(); err == nil {
		t.Error("Expected validation error for bogus status")
	}
}

func TestJobPromotion(t *testing.T) {
	chunk := NewAudioChunk("sess-123", 7, []byte{0x1a, 0x45, 0xdf, 0xa3}, FormatWebM)
	job := NewTranscriptionJob(chunk, "en-US")

	if job.Priority != PriorityNormal {
		t.Errorf("Expected normal priority, got %v", job.Priority)
	}
	if job.Status != JobStatusCreated {
		t.Errorf("Expected created status, got %s", job.Status)
	}
	if job.Sequence != 7 {
		t.Errorf("Expected sequence 7, got %d", job.Sequence)
	}

	job.Promote()
	if job.Priority != PriorityHighRetry {
		t.Errorf("Expected high-retry priority after promotion, got %v", job.Priority)
	}

	if job.Age() != 0 {
		t.Error("Expected zero age before enqueue")
	}
	job.EnqueuedAt = time.Now().Add(-time.Second)
	if job.Age() < time.Second {
		t.Errorf("Expected age of at least 1s, got %v", job.Age())
	}
}
