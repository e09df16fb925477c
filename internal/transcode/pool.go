// Package transcode converts uploaded container audio to PCM WAV through a
// bounded pool of external ffmpeg processes, with a format-fallback retry
// ladder for chunks whose detected format turns out to be wrong.
package transcode

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
)

// ErrPoolExhausted is returned when every process slot is busy. Callers see
// the rejection immediately instead of queuing behind the pool.
var ErrPoolExhausted = errors.New("transcoder pool exhausted")

// Config tunes the pool.
type Config struct {
	Command      string        // ffmpeg binary, default "ffmpeg"
	MaxProcesses int           // concurrent process cap
	StageTimeout time.Duration // per-stage run limit
	MaxIdleAge   time.Duration // slot expiry when unused
	MaxSlotAge   time.Duration // slot expiry regardless of use
	SampleRate   int           // output sample rate, default 16000
}

// DefaultConfig returns production pool settings.
func DefaultConfig() Config {
	return Config{
		Command:      "ffmpeg",
		MaxProcesses: 4,
		StageTimeout: 30 * time.Second,
		MaxIdleAge:   2 * time.Minute,
		MaxSlotAge:   15 * time.Minute,
		SampleRate:   16000,
	}
}

// slot tracks the lifetime of one pooled process allocation. Slots are never
// shared across concurrent callers.
type slot struct {
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
	evicted   bool
}

// Pool runs bounded, time-limited ffmpeg conversions.
type Pool struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	slots []*slot
	free  chan *slot

	stages *prometheus.CounterVec

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewPool creates the pool and starts its background sweeper.
func NewPool(config Config, logger *zap.Logger) *Pool {
	if config.Command == "" {
		config.Command = "ffmpeg"
	}
	if config.MaxProcesses <= 0 {
		config.MaxProcesses = 1
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	p := &Pool{
		config:    config,
		logger:    logger,
		free:      make(chan *slot, config.MaxProcesses),
		sweepStop: make(chan struct{}),
	}
	for i := 0; i < config.MaxProcesses; i++ {
		p.free <- nil // lazy slot, materialized on first use
	}

	go p.sweepLoop()

	return p
}

// Instrument attaches a per-stage outcome counter. Safe to skip in tests.
func (p *Pool) Instrument(stages *prometheus.CounterVec) {
	p.stages = stages
}

func (p *Pool) countStage(outcome string) {
	if p.stages != nil {
		p.stages.WithLabelValues(outcome).Inc()
	}
}

// Close stops the sweeper. In-flight conversions finish on their own.
func (p *Pool) Close() {
	p.sweepOnce.Do(func() { close(p.sweepStop) })
}

// stageError records one failed rung on the fallback ladder.
type stageError struct {
	format string
	err    error
}

// Convert transcodes container bytes to 16 kHz mono s16le WAV. It walks the
// fallback ladder for the detected format, killing each timed-out or failing
// process, and aggregates every stage error into the final diagnostic.
func (p *Pool) Convert(ctx context.Context, data []byte, detected entities.ContainerFormat) ([]byte, error) {
	var s *slot
	select {
	case s = <-p.free:
	default:
		p.countStage("rejected")
		return nil, ErrPoolExhausted
	}

	p.mu.Lock()
	if s == nil || s.evicted {
		s = &slot{createdAt: time.Now()}
		p.slots = append(p.slots, s)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		s.lastUsed = time.Now()
		s.useCount++
		p.mu.Unlock()
		p.free <- s
	}()

	var failures []stageError
	for _, fmtName := range p.ladder(detected) {
		out, err := p.runStage(ctx, data, fmtName)
		if err == nil {
			p.countStage("ok")
			return out, nil
		}
		failures = append(failures, stageError{format: fmtName, err: err})
		if ctx.Err() != nil {
			break
		}
	}

	p.countStage("exhausted")
	return nil, p.aggregateError(data, detected, failures)
}

// ladder returns the ordered input-format hints to attempt. An empty string
// means let ffmpeg probe the container itself.
func (p *Pool) ladder(detected entities.ContainerFormat) []string {
	switch detected {
	case entities.FormatFragmentedMP4:
		return []string{"mp4", "mov,mp4,m4a,3gp,3g2,mj2", "", "matroska,webm", "ogg"}
	case entities.FormatMP4:
		return []string{"mov,mp4,m4a,3gp,3g2,mj2", "", "matroska,webm", "ogg"}
	case entities.FormatWebM:
		return []string{"matroska,webm", "", "ogg", "mov,mp4,m4a,3gp,3g2,mj2"}
	case entities.FormatOgg:
		return []string{"ogg", "", "matroska,webm"}
	case entities.FormatWAV:
		return []string{"wav", ""}
	default:
		return []string{"", "matroska,webm", "mov,mp4,m4a,3gp,3g2,mj2", "ogg", "wav"}
	}
}

// runStage executes one bounded ffmpeg attempt with the given format hint.
func (p *Pool) runStage(ctx context.Context, data []byte, formatHint string) ([]byte, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.config.StageTimeout)
	defer cancel()

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error"}
	if formatHint != "" {
		args = append(args, "-f", formatHint)
	}
	args = append(args,
		"-i", "pipe:0",
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(p.config.SampleRate),
		"-f", "wav",
		"pipe:1",
	)

	cmd := exec.CommandContext(stageCtx, p.config.Command, args...)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stageCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("stage timed out after %v", p.config.StageTimeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("ffmpeg failed: %s", detail)
	}

	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}

	return out, nil
}

// aggregateError builds the terminal diagnostic after every stage failed:
// header hex dump, detected format, and the per-stage error list.
func (p *Pool) aggregateError(data []byte, detected entities.ContainerFormat, failures []stageError) error {
	head := data
	if len(head) > 16 {
		head = head[:16]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "all transcode stages failed (detected=%s header=%s):", detected, hex.EncodeToString(head))
	for _, f := range failures {
		name := f.format
		if name == "" {
			name = "auto"
		}
		fmt.Fprintf(&b, " [%s: %v]", name, f.err)
	}

	return errors.New(b.String())
}

// sweepLoop evicts process slots that sat idle or aged out, returning their
// capacity to the lazy pool.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.slots[:0]
	evicted := 0
	for _, s := range p.slots {
		idle := s.lastUsed.IsZero() || time.Since(s.lastUsed) > p.config.MaxIdleAge
		aged := time.Since(s.createdAt) > p.config.MaxSlotAge
		if idle || aged {
			s.evicted = true
			evicted++
			continue
		}
		kept = append(kept, s)
	}
	p.slots = kept

	if evicted > 0 {
		p.logger.Debug("Swept idle transcoder slots", zap.Int("evicted", evicted))
	}
}

// Stats reports current pool occupancy for monitoring.
func (p *Pool) Stats() (capacity, available int) {
	return p.config.MaxProcesses, len(p.free)
}
