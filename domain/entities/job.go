package entities

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusCreated           JobStatus = "created"
	JobStatusQueued            JobStatus = "queued"
	JobStatusDequeued          JobStatus = "dequeued"
	JobStatusSuccess           JobStatus = "success"
	JobStatusPermanentlyFailed JobStatus = "permanently_failed"
)

// JobPriority orders jobs in the transcription queue. Retried jobs are
// promoted so they drain ahead of fresh work.
type JobPriority int

const (
	PriorityNormal JobPriority = iota
	PriorityHighRetry
)

// TranscriptionJob carries one chunk through the transcription pipeline.
type TranscriptionJob struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Sequence   uint32      `json:"sequence"`
	Payload    []byte      `json:"-"`
	Format     ContainerFormat `json:"format"`
	Language   string      `json:"language"`
	Status     JobStatus   `json:"status"`
	Priority   JobPriority `json:"priority"`
	RetryCount int         `json:"retry_count"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// NewTranscriptionJob creates a job for an accepted chunk.
func NewTranscriptionJob(chunk *AudioChunk, language string) *TranscriptionJob {
	return &TranscriptionJob{
		ID:        uuid.NewString(),
		SessionID: chunk.SessionID,
		Sequence:  chunk.Sequence,
		Payload:   chunk.Data,
		Format:    chunk.Format,
		Language:  language,
		Status:    JobStatusCreated,
		Priority:  PriorityNormal,
	}
}

// Age reports how long the job has been waiting since enqueue.
func (j *TranscriptionJob) Age() time.Duration {
	if j.EnqueuedAt.IsZero() {
		return 0
	}
	return time.Since(j.EnqueuedAt)
}

// Promote marks the job for high priority requeue after a failed attempt.
func (j *TranscriptionJob) Promote() {
	j.Priority = PriorityHighRetry
	j.Status = JobStatusQueued
}
