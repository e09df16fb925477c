// Package queue implements the transcription work queue: a two-level
// priority queue drained by a bounded worker pool, with provider-call
// concurrency capped by a semaphore, retry with priority promotion, and a
// backlog monitor.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
	"github.com/scribelive/server/internal/metrics"
	"github.com/scribelive/server/internal/ratelimit"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. The
// caller surfaces it to the client; work is never silently dropped.
var ErrQueueFull = errors.New("transcription queue full")

// pollInterval keeps idle workers responsive to shutdown.
const pollInterval = 200 * time.Millisecond

// Broadcaster is the slice of the fan-out hub the queue needs.
type Broadcaster interface {
	BroadcastSegment(sessionID string, segment *entities.TranscriptSegment)
	BroadcastError(sessionID, errType, message string, sequence uint32)
	BroadcastBacklog(queueSize int, estimatedWaitMinutes float64)
	BroadcastBacklogCleared(queueSize int)
}

// ProviderResolver selects the speech-to-text backend for a session.
type ProviderResolver interface {
	Resolve(ctx context.Context, sessionID string) (repositories.SpeechToText, error)
}

// Config tunes the queue manager.
type Config struct {
	Capacity           int           `yaml:"capacity"`
	Workers            int           `yaml:"workers"`
	MaxConcurrentCalls int64         `yaml:"max_concurrent_calls"`
	MaxRetries         int           `yaml:"max_retries"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	BacklogThreshold   int           `yaml:"backlog_threshold"`
	AlertCooldown      time.Duration `yaml:"alert_cooldown"`
	AvgJobSeconds      float64       `yaml:"avg_job_seconds"`
}

// DefaultConfig returns production queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:           100,
		Workers:            8,
		MaxConcurrentCalls: 3,
		MaxRetries:         3,
		StaleAfter:         10 * time.Minute,
		MonitorInterval:    15 * time.Second,
		BacklogThreshold:   25,
		AlertCooldown:      2 * time.Minute,
		AvgJobSeconds:      4,
	}
}

// Manager owns the transcription queue and its worker pool.
type Manager struct {
	config   Config
	limiter  ratelimit.Limiter
	resolver ProviderResolver
	segments repositories.SegmentRepository
	hub      Broadcaster
	metrics  *metrics.Metrics
	logger   *zap.Logger

	high   chan *entities.TranscriptionJob
	normal chan *entities.TranscriptionJob
	depth  atomic.Int64

	// sem caps true concurrent provider calls independently of the
	// worker count: many workers may hold jobs while few talk upstream.
	sem *semaphore.Weighted

	pendingMu sync.Mutex
	pending   map[string]int // session id -> unfinished jobs

	closed  atomic.Bool
	stop    chan struct{}
	workers sync.WaitGroup
}

// NewManager creates the queue manager. Call Start to launch workers.
func NewManager(
	config Config,
	limiter ratelimit.Limiter,
	resolver ProviderResolver,
	segments repositories.SegmentRepository,
	hub Broadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 1
	}
	if config.Capacity <= 0 {
		config.Capacity = 1
	}

	return &Manager{
		config:   config,
		limiter:  limiter,
		resolver: resolver,
		segments: segments,
		hub:      hub,
		metrics:  m,
		logger:   logger,
		high:     make(chan *entities.TranscriptionJob, config.Capacity),
		normal:   make(chan *entities.TranscriptionJob, config.Capacity),
		sem:      semaphore.NewWeighted(config.MaxConcurrentCalls),
		pending:  make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool and the backlog monitor.
func (m *Manager) Start() {
	for i := 0; i < m.config.Workers; i++ {
		m.workers.Add(1)
		go m.workerLoop(i)
	}
	m.workers.Add(1)
	go m.monitorLoop()

	m.logger.Info("Queue manager started",
		zap.Int("workers", m.config.Workers),
		zap.Int("capacity", m.config.Capacity),
		zap.Int64("max_concurrent_calls", m.config.MaxConcurrentCalls))
}

// Enqueue admits a job or rejects it immediately when the queue is at
// capacity. It never blocks.
func (m *Manager) Enqueue(job *entities.TranscriptionJob) error {
	if m.closed.Load() {
		return errors.New("queue manager shut down")
	}
	if !m.reserve() {
		return ErrQueueFull
	}

	job.Status = entities.JobStatusQueued
	job.EnqueuedAt = time.Now()

	m.send(job)
	m.trackPending(job.SessionID, +1)
	return nil
}

// reserve atomically claims one queue slot. Concurrent callers contend on
// the depth counter, so admissions can never overshoot capacity even when
// they all observe the same depth.
func (m *Manager) reserve() bool {
	for {
		depth := m.depth.Load()
		if int(depth) >= m.config.Capacity {
			return false
		}
		if m.depth.CompareAndSwap(depth, depth+1) {
			m.metrics.QueueDepth.Set(float64(depth + 1))
			return true
		}
	}
}

// Depth reports the number of queued-but-unprocessed jobs.
func (m *Manager) Depth() int {
	return int(m.depth.Load())
}

// PendingForSession reports unfinished jobs for one session, queued or
// in flight. Zero means the session's transcript is fully drained.
func (m *Manager) PendingForSession(sessionID string) int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return m.pending[sessionID]
}

// Shutdown stops intake, waits up to the context deadline for in-flight
// work, then abandons the remainder.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	close(m.stop)

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Queue manager drained")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Queue manager shutdown timed out with jobs in flight",
			zap.Int("remaining", m.Depth()))
		return ctx.Err()
	}
}

// push re-admits a dequeued job, reclaiming the slot its dequeue released.
// Requeues bypass the capacity check: a retried job was already admitted.
func (m *Manager) push(job *entities.TranscriptionJob) {
	m.depth.Add(1)
	m.metrics.QueueDepth.Set(float64(m.depth.Load()))
	m.send(job)
}

func (m *Manager) send(job *entities.TranscriptionJob) {
	// Reserved slots keep each channel under its capacity, so these
	// sends cannot block.
	if job.Priority == entities.PriorityHighRetry {
		m.high <- job
	} else {
		m.normal <- job
	}
}

// workerLoop polls high priority first, then normal, with a short timeout
// so shutdown is observed promptly.
func (m *Manager) workerLoop(id int) {
	defer m.workers.Done()

	for {
		select {
		case <-m.stop:
			return
		case job := <-m.high:
			m.dequeue(job)
		default:
		}

		select {
		case <-m.stop:
			return
		case job := <-m.high:
			m.dequeue(job)
		case job := <-m.normal:
			m.dequeue(job)
		case <-time.After(pollInterval):
		}
	}
}

func (m *Manager) dequeue(job *entities.TranscriptionJob) {
	m.depth.Add(-1)
	m.metrics.QueueDepth.Set(float64(m.depth.Load()))
	job.Status = entities.JobStatusDequeued

	if m.config.StaleAfter > 0 && job.Age() > m.config.StaleAfter {
		m.metrics.JobsStale.Inc()
		m.trackPending(job.SessionID, -1)
		m.logger.Warn("Dropping stale job",
			zap.String("job_id", job.ID),
			zap.String("session_id", job.SessionID),
			zap.Uint32("sequence", job.Sequence),
			zap.Duration("age", job.Age()))
		return
	}

	m.process(job)
}

// process runs one transcription attempt and routes the outcome. All
// failures are contained here; nothing a job does can take down a worker.
func (m *Manager) process(job *entities.TranscriptionJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := m.limiter.Wait(ctx); err != nil {
		m.requeueRateLimited(job)
		return
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.requeueRateLimited(job)
		return
	}

	segment, err := m.transcribe(ctx, job)
	m.sem.Release(1)

	switch {
	case errors.Is(err, repositories.ErrRateLimited):
		// Not a failure: feed the limiter and requeue without touching
		// the retry budget.
		m.metrics.RateLimitEvents.Inc()
		m.limiter.OnRateLimited()
		m.requeueRateLimited(job)

	case err != nil:
		m.handleFailure(job, err)

	default:
		m.limiter.OnSuccess()
		m.handleSuccess(ctx, job, segment)
	}
}

func (m *Manager) transcribe(ctx context.Context, job *entities.TranscriptionJob) (*entities.TranscriptSegment, error) {
	provider, err := m.resolver.Resolve(ctx, job.SessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	segment, err := provider.Transcribe(ctx, job.Payload, repositories.TranscribeOptions{
		SessionID: job.SessionID,
		Sequence:  job.Sequence,
		Language:  job.Language,
		Format:    job.Format,
	})
	m.metrics.ProviderLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())
	return segment, err
}

func (m *Manager) requeueRateLimited(job *entities.TranscriptionJob) {
	job.Promote()
	m.push(job)
}

func (m *Manager) handleFailure(job *entities.TranscriptionJob, err error) {
	job.RetryCount++

	if job.RetryCount < m.config.MaxRetries {
		m.metrics.JobsRetried.Inc()
		m.logger.Warn("Transcription attempt failed, requeueing",
			zap.String("job_id", job.ID),
			zap.String("session_id", job.SessionID),
			zap.Uint32("sequence", job.Sequence),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(err))
		job.Promote()
		m.push(job)
		return
	}

	job.Status = entities.JobStatusPermanentlyFailed
	m.metrics.JobsFailed.Inc()
	m.trackPending(job.SessionID, -1)
	m.logger.Error("Job permanently failed",
		zap.String("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Uint32("sequence", job.Sequence),
		zap.Int("retries", job.RetryCount),
		zap.Error(err))

	m.hub.BroadcastError(job.SessionID, "transcription_error", err.Error(), job.Sequence)
}

func (m *Manager) handleSuccess(ctx context.Context, job *entities.TranscriptionJob, segment *entities.TranscriptSegment) {
	job.Status = entities.JobStatusSuccess
	m.metrics.JobsSucceeded.Inc()
	m.trackPending(job.SessionID, -1)

	if segment == nil {
		// No usable speech in the chunk. A normal outcome.
		m.logger.Debug("Chunk produced no usable text",
			zap.String("session_id", job.SessionID),
			zap.Uint32("sequence", job.Sequence))
		return
	}

	if err := m.segments.Insert(ctx, segment); err != nil {
		m.logger.Error("Failed to persist segment",
			zap.String("session_id", segment.SessionID),
			zap.Uint32("sequence", segment.Sequence),
			zap.Error(err))
		m.hub.BroadcastError(job.SessionID, "processing_error", "failed to persist transcript segment", job.Sequence)
		return
	}

	m.hub.BroadcastSegment(segment.SessionID, segment)
}

func (m *Manager) trackPending(sessionID string, delta int) {
	m.pendingMu.Lock()
	m.pending[sessionID] += delta
	if m.pending[sessionID] <= 0 {
		delete(m.pending, sessionID)
	}
	m.pendingMu.Unlock()
}

// monitorLoop samples queue depth and raises a backlog alert when it
// exceeds the threshold, with a cooldown so a sustained backlog does not
// spam subscribers. When depth falls back under the threshold after an
// alert, a single cleared event is emitted.
func (m *Manager) monitorLoop() {
	defer m.workers.Done()

	interval := m.config.MonitorInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastAlert time.Time
	alerted := false

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			depth := m.Depth()

			if depth > m.config.BacklogThreshold {
				if time.Since(lastAlert) >= m.config.AlertCooldown {
					waitMinutes := float64(depth) * m.config.AvgJobSeconds / 60
					m.metrics.BacklogAlerts.Inc()
					m.logger.Warn("Transcription backlog",
						zap.Int("depth", depth),
						zap.Float64("estimated_wait_minutes", waitMinutes))
					m.hub.BroadcastBacklog(depth, waitMinutes)
					lastAlert = time.Now()
					alerted = true
				}
			} else if alerted {
				m.logger.Info("Transcription backlog cleared", zap.Int("depth", depth))
				m.hub.BroadcastBacklogCleared(depth)
				alerted = false
			}
		}
	}
}
