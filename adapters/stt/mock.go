package stt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// MockProvider is a stand-in backend for local development without
// credentials. It fabricates a short segment per chunk.
type MockProvider struct {
	logger *zap.Logger
}

// NewMockProvider creates the development mock.
func NewMockProvider(logger *zap.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Name implements repositories.SpeechToText.
func (m *MockProvider) Name() string { return "mock" }

// MaxRequestsPerMinute implements repositories.SpeechToText.
func (m *MockProvider) MaxRequestsPerMinute() int { return 600 }

// Transcribe implements repositories.SpeechToText.
func (m *MockProvider) Transcribe(ctx context.Context, audio []byte, opts repositories.TranscribeOptions) (*entities.TranscriptSegment, error) {
	m.logger.Debug("Mock transcription",
		zap.String("session_id", opts.SessionID),
		zap.Uint32("sequence", opts.Sequence),
		zap.Int("bytes", len(audio)))

	if len(audio) == 0 {
		return nil, nil
	}

	segment := entities.NewTranscriptSegment(opts.SessionID, opts.Sequence,
		fmt.Sprintf("mock transcript for chunk %d (%d bytes)", opts.Sequence, len(audio)))
	segment.Language = opts.Language
	segment.Provider = m.Name()
	segment.Confidence = 0.99
	return segment, nil
}
