package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/internal/format"
	"github.com/scribelive/server/internal/metrics"
	"github.com/scribelive/server/internal/queue"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *metrics.Metrics
)

func testMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = metrics.New()
	})
	return sharedMetrics
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]*entities.RecordingSession
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[string]*entities.RecordingSession)}
}

func (r *memorySessions) Create(ctx context.Context, session *entities.RecordingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return nil
}

func (r *memorySessions) GetByID(ctx context.Context, id string) (*entities.RecordingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return session, nil
}

func (r *memorySessions) Update(ctx context.Context, session *entities.RecordingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return nil
}

func (r *memorySessions) ListStaleRecording(ctx context.Context, cutoff time.Time) ([]*entities.RecordingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*entities.RecordingSession
	for _, session := range r.sessions {
		if session.Status == entities.SessionStatusRecording && session.LastChunkAt.Before(cutoff) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}

type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{blobs: make(map[string][]byte)}
}

func blobKey(sessionID string, sequence uint32) string {
	return fmt.Sprintf("%s:%d", sessionID, sequence)
}

func (b *memoryBlobs) Put(ctx context.Context, sessionID string, sequence uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[blobKey(sessionID, sequence)] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBlobs) Get(ctx context.Context, sessionID string, sequence uint32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[blobKey(sessionID, sequence)]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (b *memoryBlobs) Has(ctx context.Context, sessionID string, sequence uint32) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[blobKey(sessionID, sequence)]
	return ok, nil
}

func (b *memoryBlobs) Sequences(ctx context.Context, sessionID string) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sequences []uint32
	for i := uint32(0); int(i) < len(b.blobs); i++ {
		if _, ok := b.blobs[blobKey(sessionID, i)]; ok {
			sequences = append(sequences, i)
		}
	}
	return sequences, nil
}

type captureQueue struct {
	mu   sync.Mutex
	jobs []*entities.TranscriptionJob
	fail error
}

func (q *captureQueue) Enqueue(job *entities.TranscriptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newTestIngest(t *testing.T) (*IngestService, *memorySessions, *captureQueue) {
	t.Helper()
	sessions := newMemorySessions()
	q := &captureQueue{}
	repairer := format.NewRepairer(format.DefaultRepairerConfig(), zap.NewNop())
	service := NewIngestService(sessions, newMemoryBlobs(), repairer, q, testMetrics(), zap.NewNop())
	t.Cleanup(service.Close)
	return service, sessions, q
}

func recordingSession(t *testing.T, sessions *memorySessions, id string) {
	t.Helper()
	session := entities.NewRecordingSession(id, "owner-1", "en-US")
	if err := session.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Create(context.Background(), session); err != nil {
		t.Fatal(err)
	}
}

func webmChunk(payload int) []byte {
	data := []byte{0x1a, 0x45, 0xdf, 0xa3}
	data = append(data, bytes.Repeat([]byte{0x42}, 60)...)
	data = append(data, 0x1f, 0x43, 0xb6, 0x75)
	data = append(data, bytes.Repeat([]byte{0x01}, payload)...)
	return data
}

func TestIngestAcceptsAndEnqueues(t *testing.T) {
	service, sessions, q := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	if err := service.Ingest(context.Background(), "sess-1", 0, webmChunk(64)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if q.count() != 1 {
		t.Fatalf("Expected 1 queued job, got %d", q.count())
	}
	q.mu.Lock()
	job := q.jobs[0]
	q.mu.Unlock()
	if job.SessionID != "sess-1" || job.Sequence != 0 {
		t.Errorf("Unexpected job: %+v", job)
	}
	if job.Format != entities.FormatWebM {
		t.Errorf("Expected webm format, got %s", job.Format)
	}
	if job.Language != "en-US" {
		t.Errorf("Expected session language on job, got %s", job.Language)
	}

	session, _ := sessions.GetByID(context.Background(), "sess-1")
	if session.ChunksReceived != 1 {
		t.Errorf("Expected chunk counter 1, got %d", session.ChunksReceived)
	}
}

func TestIngestSizeBoundaryInclusive(t *testing.T) {
	service, sessions, q := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	atLimit := make([]byte, MaxChunkSize)
	copy(atLimit, []byte{0x1a, 0x45, 0xdf, 0xa3})
	if err := service.Ingest(context.Background(), "sess-1", 0, atLimit); err != nil {
		t.Errorf("Chunk of exactly MaxChunkSize must be accepted: %v", err)
	}

	overLimit := make([]byte, MaxChunkSize+1)
	copy(overLimit, []byte{0x1a, 0x45, 0xdf, 0xa3})
	err := service.Ingest(context.Background(), "sess-1", 1, overLimit)
	if !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("Expected ErrChunkTooLarge for MaxChunkSize+1, got %v", err)
	}

	if q.count() != 1 {
		t.Errorf("Expected only the in-bounds chunk queued, got %d", q.count())
	}
}

func TestIngestDuplicateSequence(t *testing.T) {
	service, sessions, q := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	chunk := webmChunk(32)
	if err := service.Ingest(context.Background(), "sess-1", 5, chunk); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}

	err := service.Ingest(context.Background(), "sess-1", 5, chunk)
	if !errors.Is(err, ErrDuplicateSequence) {
		t.Errorf("Expected ErrDuplicateSequence, got %v", err)
	}
	if q.count() != 1 {
		t.Errorf("Duplicate must not enqueue a second job, got %d", q.count())
	}
}

// slowHasBlobs widens the window between the stored-chunk lookup and the
// write so concurrent duplicates collide.
type slowHasBlobs struct {
	*memoryBlobs
	hasDelay time.Duration
}

func (b *slowHasBlobs) Has(ctx context.Context, sessionID string, sequence uint32) (bool, error) {
	time.Sleep(b.hasDelay)
	return b.memoryBlobs.Has(ctx, sessionID, sequence)
}

func TestIngestConcurrentDuplicateSequence(t *testing.T) {
	sessions := newMemorySessions()
	q := &captureQueue{}
	repairer := format.NewRepairer(format.DefaultRepairerConfig(), zap.NewNop())
	blobs := &slowHasBlobs{memoryBlobs: newMemoryBlobs(), hasDelay: 50 * time.Millisecond}
	service := NewIngestService(sessions, blobs, repairer, q, testMetrics(), zap.NewNop())
	t.Cleanup(service.Close)
	recordingSession(t, sessions, "sess-1")

	chunk := webmChunk(32)
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- service.Ingest(context.Background(), "sess-1", 9, chunk)
		}()
	}

	var accepted, duplicate int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDuplicateSequence):
			duplicate++
		default:
			t.Fatalf("Unexpected ingest error: %v", err)
		}
	}

	if accepted != 1 || duplicate != 1 {
		t.Errorf("Expected one accept and one duplicate, got accepted=%d duplicate=%d",
			accepted, duplicate)
	}
	if q.count() != 1 {
		t.Errorf("Chunk must be enqueued exactly once, got %d", q.count())
	}
}

func TestIngestRejectsNonRecordingSession(t *testing.T) {
	service, sessions, _ := newTestIngest(t)

	waiting := entities.NewRecordingSession("sess-waiting", "owner-1", "en-US")
	sessions.Create(context.Background(), waiting)

	completed := entities.NewRecordingSession("sess-done", "owner-1", "en-US")
	completed.Complete()
	sessions.Create(context.Background(), completed)

	for _, id := range []string{"sess-waiting", "sess-done"} {
		err := service.Ingest(context.Background(), id, 0, webmChunk(16))
		if !errors.Is(err, ErrSessionNotRecording) {
			t.Errorf("Session %s: expected ErrSessionNotRecording, got %v", id, err)
		}
	}

	err := service.Ingest(context.Background(), "no-such-session", 0, webmChunk(16))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestIngestSurfacesQueueFull(t *testing.T) {
	service, sessions, q := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")
	q.fail = queue.ErrQueueFull

	err := service.Ingest(context.Background(), "sess-1", 0, webmChunk(16))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull passed through, got %v", err)
	}
}

func TestIngestRepairsHeaderlessChunk(t *testing.T) {
	service, sessions, q := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	// Chunk 0 carries the full header and seeds the repair template.
	if err := service.Ingest(context.Background(), "sess-1", 0, webmChunk(64)); err != nil {
		t.Fatalf("Ingest chunk 0 failed: %v", err)
	}

	// A later chunk without an EBML header gets the template spliced on.
	headerless := append([]byte{0x1f, 0x43, 0xb6, 0x75}, bytes.Repeat([]byte{0x02}, 32)...)
	if err := service.Ingest(context.Background(), "sess-1", 1, headerless); err != nil {
		t.Fatalf("Ingest chunk 1 failed: %v", err)
	}

	q.mu.Lock()
	repaired := q.jobs[1].Payload
	q.mu.Unlock()
	if !bytes.HasPrefix(repaired, []byte{0x1a, 0x45, 0xdf, 0xa3}) {
		t.Errorf("Repaired chunk should start with EBML header, got %x", repaired[:8])
	}
	if len(repaired) <= len(headerless) {
		t.Error("Repaired chunk should be larger than the raw payload")
	}
}

func TestIngestEmptyChunkRejected(t *testing.T) {
	service, sessions, _ := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	err := service.Ingest(context.Background(), "sess-1", 0, nil)
	if !errors.Is(err, ErrEmptyChunk) {
		t.Errorf("Expected ErrEmptyChunk, got %v", err)
	}
}

func TestCloseCancelsIntake(t *testing.T) {
	service, sessions, _ := newTestIngest(t)
	recordingSession(t, sessions, "sess-1")

	service.Close()
	if err := service.Ingest(context.Background(), "sess-1", 0, webmChunk(16)); err == nil {
		t.Error("Ingest after Close should fail")
	}
}
