package format

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
)

const (
	// minHeaderSize is the smallest plausible WebM header: EBML header
	// plus Segment and Tracks elements.
	minHeaderSize = 32

	// maxLookahead bounds the search for a cluster marker inside a
	// header-less chunk.
	maxLookahead = 64 * 1024

	// minPayloadSize is the smallest payload a repaired chunk may carry.
	minPayloadSize = 8
)

// RepairerConfig tunes the template cache.
type RepairerConfig struct {
	TemplateTTL  time.Duration
	MaxTemplates int
}

// DefaultRepairerConfig returns the cache settings used in production.
func DefaultRepairerConfig() RepairerConfig {
	return RepairerConfig{
		TemplateTTL:  2 * time.Hour,
		MaxTemplates: 256,
	}
}

type headerTemplate struct {
	data      []byte
	format    entities.ContainerFormat
	createdAt time.Time
}

// Repairer caches one header template per session and splices it onto later
// chunks that were cut mid-stream and lack their own header.
type Repairer struct {
	config RepairerConfig
	logger *zap.Logger

	mu        sync.Mutex
	templates map[string]*headerTemplate
}

// NewRepairer creates a repairer with an empty template cache.
func NewRepairer(config RepairerConfig, logger *zap.Logger) *Repairer {
	return &Repairer{
		config:    config,
		logger:    logger,
		templates: make(map[string]*headerTemplate),
	}
}

// ExtractTemplate pulls the header bytes out of a structurally complete
// chunk and caches them for the session. Fails with a descriptive error if
// the chunk has no complete header to extract.
func (r *Repairer) ExtractTemplate(sessionID string, data []byte) ([]byte, error) {
	detected := Detect(data)

	var header []byte
	switch detected {
	case entities.FormatWebM:
		idx := bytes.Index(data, clusterMagic)
		if idx < 0 {
			return nil, fmt.Errorf("webm chunk has no cluster element, header incomplete")
		}
		if idx < minHeaderSize {
			return nil, fmt.Errorf("webm header too short: cluster at offset %d", idx)
		}
		header = data[:idx]
	case entities.FormatOgg, entities.FormatWAV, entities.FormatMP4, entities.FormatFragmentedMP4:
		// Non-EBML containers either carry self-describing pages or are
		// handed whole to the transcoder; no template is needed.
		return nil, fmt.Errorf("format %s does not use header templates", detected)
	default:
		return nil, fmt.Errorf("unrecognized container, no header to extract")
	}

	tmpl := &headerTemplate{
		data:      append([]byte(nil), header...),
		format:    detected,
		createdAt: time.Now(),
	}

	r.mu.Lock()
	r.evictLocked()
	r.templates[sessionID] = tmpl
	r.mu.Unlock()

	r.logger.Debug("Cached header template",
		zap.String("session_id", sessionID),
		zap.Int("header_size", len(header)))

	return tmpl.data, nil
}

// Repair returns chunk bytes guaranteed to open with a container header.
// A chunk that already has one passes through untouched. A header-less chunk
// gets the session's cached template spliced on. When repair is impossible
// or the result fails validation the original bytes come back with
// repaired=false; downstream tolerates degraded input, so this never errors.
func (r *Repairer) Repair(sessionID string, data []byte) ([]byte, bool) {
	if HasCompleteHeader(data) {
		return data, false
	}

	tmpl := r.lookup(sessionID)
	if tmpl == nil {
		r.logger.Debug("No header template for session",
			zap.String("session_id", sessionID))
		return data, false
	}

	payload := data
	if idx := indexWithin(data, clusterMagic, maxLookahead); idx > 0 {
		payload = data[idx:]
	}

	repaired := make([]byte, 0, len(tmpl.data)+len(payload))
	repaired = append(repaired, tmpl.data...)
	repaired = append(repaired, payload...)

	if !validRepair(tmpl.data, repaired) {
		r.logger.Warn("Repaired chunk failed validation, passing original through",
			zap.String("session_id", sessionID),
			zap.Int("chunk_size", len(data)))
		return data, false
	}

	return repaired, true
}

// TemplateCount reports how many sessions currently have a cached template.
func (r *Repairer) TemplateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.templates)
}

// Forget drops the cached template for a session, typically on completion.
func (r *Repairer) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.templates, sessionID)
	r.mu.Unlock()
}

func (r *Repairer) lookup(sessionID string) *headerTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmpl, ok := r.templates[sessionID]
	if !ok {
		return nil
	}
	if time.Since(tmpl.createdAt) > r.config.TemplateTTL {
		delete(r.templates, sessionID)
		return nil
	}
	return tmpl
}

// evictLocked makes room for one more template: expired entries first, then
// the oldest. Caller holds r.mu.
func (r *Repairer) evictLocked() {
	if len(r.templates) < r.config.MaxTemplates {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for key, tmpl := range r.templates {
		if time.Since(tmpl.createdAt) > r.config.TemplateTTL {
			delete(r.templates, key)
			continue
		}
		if oldestKey == "" || tmpl.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = tmpl.createdAt
		}
	}

	if len(r.templates) >= r.config.MaxTemplates && oldestKey != "" {
		delete(r.templates, oldestKey)
	}
}

// validRepair re-checks the invariants of a spliced chunk: the header must
// be a proper prefix smaller than the whole, the payload at least
// minPayloadSize bytes, and the EBML magic present at the front.
func validRepair(header, repaired []byte) bool {
	if len(header) >= len(repaired) {
		return false
	}
	if len(repaired)-len(header) < minPayloadSize {
		return false
	}
	return bytes.HasPrefix(repaired, ebmlMagic)
}

// indexWithin finds needle in the first limit bytes of data.
func indexWithin(data, needle []byte, limit int) int {
	window := data
	if len(window) > limit {
		window = window[:limit]
	}
	return bytes.Index(window, needle)
}
