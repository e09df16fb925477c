package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
	"github.com/scribelive/server/internal/format"
	"github.com/scribelive/server/internal/metrics"
	"github.com/scribelive/server/internal/queue"
)

// Validation outcomes surfaced to the transport layer. None of these is
// retried.
var (
	ErrChunkTooLarge       = errors.New("chunk exceeds maximum size")
	ErrEmptyChunk          = errors.New("chunk is empty")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotRecording = errors.New("session is not recording")
	ErrDuplicateSequence   = errors.New("duplicate chunk sequence")
)

// MaxChunkSize bounds one uploaded chunk. The boundary is inclusive: a
// chunk of exactly this size is accepted.
const MaxChunkSize = 5 * 1024 * 1024

// Enqueuer is the slice of the queue manager the ingest path needs.
type Enqueuer interface {
	Enqueue(job *entities.TranscriptionJob) error
}

type chunkKey struct {
	sessionID string
	sequence  uint32
}

// IngestService validates, stores, repairs and enqueues uploaded audio
// chunks. It is the single entry point for both the websocket upload path
// and the one-shot HTTP path.
type IngestService struct {
	sessions repositories.SessionRepository
	blobs    repositories.BlobStore
	repairer *format.Repairer
	queue    Enqueuer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// In-flight chunk operations, cancellable as a group on shutdown.
	mu       sync.Mutex
	inflight map[chunkKey]context.CancelFunc
	closed   bool
}

// NewIngestService creates the chunk ingestion service.
func NewIngestService(
	sessions repositories.SessionRepository,
	blobs repositories.BlobStore,
	repairer *format.Repairer,
	enqueuer Enqueuer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		sessions: sessions,
		blobs:    blobs,
		repairer: repairer,
		queue:    enqueuer,
		metrics:  m,
		logger:   logger,
		inflight: make(map[chunkKey]context.CancelFunc),
	}
}

// Ingest runs the full accept path for one chunk: validate, persist the
// raw bytes, repair the header if needed, and enqueue a transcription job.
// Duplicate sequences return ErrDuplicateSequence without reprocessing.
func (s *IngestService) Ingest(ctx context.Context, sessionID string, sequence uint32, data []byte) error {
	if len(data) == 0 {
		s.metrics.ChunksRejected.WithLabelValues("empty").Inc()
		return ErrEmptyChunk
	}
	if len(data) > MaxChunkSize {
		s.metrics.ChunksRejected.WithLabelValues("oversize").Inc()
		return ErrChunkTooLarge
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !session.CanAcceptChunks() {
		s.metrics.ChunksRejected.WithLabelValues("session_state").Inc()
		return ErrSessionNotRecording
	}

	// The registry claims (session, sequence) before the stored-chunk
	// lookup so two concurrent uploads of the same chunk cannot both pass.
	opCtx, done, err := s.track(ctx, sessionID, sequence)
	if err != nil {
		if errors.Is(err, ErrDuplicateSequence) {
			s.metrics.ChunksRejected.WithLabelValues("duplicate").Inc()
		}
		return err
	}
	defer done()

	duplicate, err := s.blobs.Has(opCtx, sessionID, sequence)
	if err != nil {
		return fmt.Errorf("checking for duplicate chunk: %w", err)
	}
	if duplicate {
		s.metrics.ChunksRejected.WithLabelValues("duplicate").Inc()
		return ErrDuplicateSequence
	}

	if err := s.blobs.Put(opCtx, sessionID, sequence, data); err != nil {
		return fmt.Errorf("storing chunk: %w", err)
	}

	detected := format.Detect(data)
	payload := data
	if format.HasCompleteHeader(data) {
		// A self-contained chunk is the repair template for the ones
		// that follow it.
		if _, err := s.repairer.ExtractTemplate(sessionID, data); err != nil && detected == entities.FormatWebM {
			s.logger.Debug("No header template extracted",
				zap.String("session_id", sessionID),
				zap.Uint32("sequence", sequence),
				zap.Error(err))
		}
	} else {
		var repaired bool
		payload, repaired = s.repairer.Repair(sessionID, data)
		if repaired {
			s.metrics.ChunksRepaired.Inc()
			detected = format.Detect(payload)
		}
	}

	chunk := entities.NewAudioChunk(sessionID, sequence, payload, detected)
	if err := chunk.Validate(); err != nil {
		s.metrics.ChunksRejected.WithLabelValues("invalid").Inc()
		return err
	}

	job := entities.NewTranscriptionJob(chunk, session.Language)
	if err := s.queue.Enqueue(job); err != nil {
		return err
	}

	session.TouchChunk()
	if err := s.sessions.Update(opCtx, session); err != nil {
		// The job is already queued; a stale chunk counter is tolerable.
		s.logger.Warn("Failed to update session chunk counter",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	s.metrics.ChunksReceived.Inc()
	s.logger.Debug("Chunk accepted",
		zap.String("session_id", sessionID),
		zap.Uint32("sequence", sequence),
		zap.Int("size", len(data)),
		zap.String("format", string(detected)))
	return nil
}

// Received lists the sequence numbers stored so far for a session.
func (s *IngestService) Received(ctx context.Context, sessionID string) ([]uint32, error) {
	return s.blobs.Sequences(ctx, sessionID)
}

// track registers an in-flight chunk operation so shutdown can cancel it.
// One operation per (session, sequence): a second claim while the first is
// still running is a duplicate.
func (s *IngestService) track(ctx context.Context, sessionID string, sequence uint32) (context.Context, func(), error) {
	key := chunkKey{sessionID: sessionID, sequence: sequence}
	opCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, errors.New("ingest service shut down")
	}
	if _, inFlight := s.inflight[key]; inFlight {
		s.mu.Unlock()
		cancel()
		return nil, nil, ErrDuplicateSequence
	}
	s.inflight[key] = cancel
	s.mu.Unlock()

	done := func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}
	return opCtx, done, nil
}

// InflightCount reports chunk operations currently in progress.
func (s *IngestService) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close stops intake and cancels every in-flight chunk operation.
func (s *IngestService) Close() {
	s.mu.Lock()
	s.closed = true
	for key, cancel := range s.inflight {
		cancel()
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

var _ Enqueuer = (*queue.Manager)(nil)
