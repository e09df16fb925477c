package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// ErrSessionCompleted is returned for lifecycle operations on a session
// that already finished.
var ErrSessionCompleted = errors.New("session already completed")

// Notifier is the slice of the broadcast hub the session lifecycle needs.
type Notifier interface {
	BroadcastPhase(sessionID, phase string)
	BroadcastTranscriptComplete(sessionID string, segmentCount int)
}

// Drainer reports how many transcription jobs are still unfinished for a
// session.
type Drainer interface {
	PendingForSession(sessionID string) int
}

// Phase names on the broadcast channel. The recording status maps to
// "active" on the wire.
const (
	PhaseWaiting   = "waiting"
	PhaseActive    = "active"
	PhaseCompleted = "completed"
)

const (
	drainPollInterval = 250 * time.Millisecond
	drainTimeout      = 2 * time.Minute
)

// SessionService owns the recording session lifecycle: create, start,
// complete with transcript draining, and segment listing.
type SessionService struct {
	sessions repositories.SessionRepository
	segments repositories.SegmentRepository
	pending  Drainer
	notifier Notifier
	logger   *zap.Logger
}

// NewSessionService creates the session lifecycle service.
func NewSessionService(
	sessions repositories.SessionRepository,
	segments repositories.SegmentRepository,
	pending Drainer,
	notifier Notifier,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		segments: segments,
		pending:  pending,
		notifier: notifier,
		logger:   logger,
	}
}

// Create registers a new session in the waiting state.
func (s *SessionService) Create(ctx context.Context, ownerID, language, provider string) (*entities.RecordingSession, error) {
	session := entities.NewRecordingSession(uuid.NewString(), ownerID, language)
	session.Provider = provider
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("language", language))
	return session, nil
}

// Get loads one session.
func (s *SessionService) Get(ctx context.Context, id string) (*entities.RecordingSession, error) {
	return s.sessions.GetByID(ctx, id)
}

// Start flips a waiting session into the recording state and announces the
// active phase. Starting an already recording session is a no-op.
func (s *SessionService) Start(ctx context.Context, id string) (*entities.RecordingSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == entities.SessionStatusRecording {
		return session, nil
	}
	if err := session.StartRecording(); err != nil {
		return nil, ErrSessionCompleted
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	s.notifier.BroadcastPhase(id, PhaseActive)
	s.logger.Info("Session recording", zap.String("session_id", id))
	return session, nil
}

// Complete marks the session finished, announces the completed phase, and
// in the background waits for the session's queued jobs to drain before
// broadcasting transcript_complete. Completing twice is a no-op.
func (s *SessionService) Complete(ctx context.Context, id string) (*entities.RecordingSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == entities.SessionStatusCompleted {
		return session, nil
	}

	session.Complete()
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	s.notifier.BroadcastPhase(id, PhaseCompleted)
	s.logger.Info("Session completed",
		zap.String("session_id", id),
		zap.Int("chunks_received", session.ChunksReceived))

	go s.waitForTranscript(id)
	return session, nil
}

// Segments lists the persisted transcript segments for a session.
func (s *SessionService) Segments(ctx context.Context, id string) ([]*entities.TranscriptSegment, error) {
	if _, err := s.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.segments.ListBySession(ctx, id)
}

// waitForTranscript polls the queue until the session's jobs finish, then
// broadcasts transcript_complete with the final segment count.
func (s *SessionService) waitForTranscript(id string) {
	deadline := time.Now().Add(drainTimeout)
	for s.pending.PendingForSession(id) > 0 {
		if time.Now().After(deadline) {
			s.logger.Warn("Transcript drain timed out",
				zap.String("session_id", id),
				zap.Int("pending", s.pending.PendingForSession(id)))
			break
		}
		time.Sleep(drainPollInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	segments, err := s.segments.ListBySession(ctx, id)
	if err != nil {
		s.logger.Error("Failed to count segments for completed session",
			zap.String("session_id", id),
			zap.Error(err))
	}
	s.notifier.BroadcastTranscriptComplete(id, len(segments))
}
