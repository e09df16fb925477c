package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/repositories"
)

// SessionJanitor completes recording sessions abandoned mid-upload so their
// header templates and listeners do not linger forever.
type SessionJanitor struct {
	sessions repositories.SessionRepository
	service  *SessionService
	maxIdle  time.Duration
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
}

// NewSessionJanitor creates the janitor. Sessions idle longer than maxIdle
// are completed on each sweep.
func NewSessionJanitor(
	sessions repositories.SessionRepository,
	service *SessionService,
	maxIdle time.Duration,
	interval time.Duration,
	logger *zap.Logger,
) *SessionJanitor {
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SessionJanitor{
		sessions: sessions,
		service:  service,
		maxIdle:  maxIdle,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep.
func (j *SessionJanitor) Start() {
	go j.sweepLoop()
	j.logger.Info("Session janitor started",
		zap.Duration("max_idle", j.maxIdle),
		zap.Duration("interval", j.interval))
}

// Stop halts the background sweep.
func (j *SessionJanitor) Stop() {
	close(j.stopChan)
}

func (j *SessionJanitor) sweepLoop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SessionJanitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stale, err := j.sessions.ListStaleRecording(ctx, time.Now().Add(-j.maxIdle))
	if err != nil {
		j.logger.Error("Failed to list stale sessions", zap.Error(err))
		return
	}

	for _, session := range stale {
		if _, err := j.service.Complete(ctx, session.ID); err != nil {
			j.logger.Error("Failed to complete stale session",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		j.logger.Info("Completed abandoned session",
			zap.String("session_id", session.ID),
			zap.Duration("idle", time.Since(session.LastChunkAt)))
	}
}
