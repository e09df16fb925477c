package repositories

import (
	"context"
	"errors"

	"github.com/scribelive/server/domain/entities"
)

// ErrRateLimited is returned by a provider when the upstream service pushed
// back with a rate-limit response. It is not a transcription failure: callers
// feed it to the rate limiter and requeue the job without spending retry
// budget.
var ErrRateLimited = errors.New("provider rate limited")

// TranscribeOptions carries per-request parameters to a provider.
type TranscribeOptions struct {
	SessionID string
	Sequence  uint32
	Language  string
	Format    entities.ContainerFormat
	Model     string
}

// SpeechToText abstracts a speech recognition backend. Transcribe returns a
// nil segment with a nil error when the audio produced no usable text after
// quality filtering; that is a normal outcome, not a failure.
type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*entities.TranscriptSegment, error)
	Name() string
	MaxRequestsPerMinute() int
}
