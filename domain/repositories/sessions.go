package repositories

import (
	"context"
	"time"

	"github.com/scribelive/server/domain/entities"
)

// SessionRepository defines data access methods for recording sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *entities.RecordingSession) error
	GetByID(ctx context.Context, id string) (*entities.RecordingSession, error)
	Update(ctx context.Context, session *entities.RecordingSession) error
	// ListStaleRecording returns recording sessions whose last chunk
	// arrived before the cutoff.
	ListStaleRecording(ctx context.Context, cutoff time.Time) ([]*entities.RecordingSession, error)
}

// SegmentRepository defines data access methods for transcript segments.
type SegmentRepository interface {
	Insert(ctx context.Context, segment *entities.TranscriptSegment) error
	ListBySession(ctx context.Context, sessionID string) ([]*entities.TranscriptSegment, error)
}
