package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	gax "github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// recognizer is the slice of the speech client this provider uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
}

// GoogleProvider transcribes through Google Cloud Speech-to-Text. Chunks
// are short enough for synchronous recognition, so each one is converted to
// LINEAR16 WAV and sent in a single Recognize call.
type GoogleProvider struct {
	transcoder Transcoder
	sampleRate int
	logger     *zap.Logger

	// The gRPC client is dialed once and shared across calls. A failed
	// dial is retried on the next call rather than cached.
	dial     func(ctx context.Context) (recognizer, error)
	clientMu sync.Mutex
	client   recognizer
}

// NewGoogleProvider creates a Google Cloud speech provider. Credentials are
// resolved from the environment by the client library.
func NewGoogleProvider(transcoder Transcoder, sampleRate int, logger *zap.Logger) *GoogleProvider {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &GoogleProvider{
		transcoder: transcoder,
		sampleRate: sampleRate,
		logger:     logger,
		dial: func(ctx context.Context) (recognizer, error) {
			return speech.NewClient(ctx)
		},
	}
}

func (g *GoogleProvider) speechClient(ctx context.Context) (recognizer, error) {
	g.clientMu.Lock()
	defer g.clientMu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := g.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	g.client = client
	return client, nil
}

// Name implements repositories.SpeechToText.
func (g *GoogleProvider) Name() string { return "google" }

// MaxRequestsPerMinute implements repositories.SpeechToText.
func (g *GoogleProvider) MaxRequestsPerMinute() int { return 300 }

// Transcribe implements repositories.SpeechToText.
func (g *GoogleProvider) Transcribe(ctx context.Context, audio []byte, opts repositories.TranscribeOptions) (*entities.TranscriptSegment, error) {
	// Google wants PCM; every container goes through the transcoder.
	pcm, err := g.transcoder.Convert(ctx, audio, opts.Format)
	if err != nil {
		return nil, fmt.Errorf("converting chunk for google: %w", err)
	}

	client, err := g.speechClient(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(g.sampleRate),
			LanguageCode:    googleLanguage(opts.Language),
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, repositories.ErrRateLimited
		}
		return nil, fmt.Errorf("google transcription: %w", err)
	}

	var parts []string
	var confidence float64
	var counted int
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		if strings.TrimSpace(best.Transcript) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(best.Transcript))
		confidence += float64(best.Confidence)
		counted++
	}

	text := CollapseRepeats(strings.TrimSpace(strings.Join(parts, " ")))
	if text == "" {
		return nil, nil
	}

	segment := entities.NewTranscriptSegment(opts.SessionID, opts.Sequence, text)
	segment.Language = opts.Language
	segment.Provider = g.Name()
	if counted > 0 {
		segment.Confidence = confidence / float64(counted)
	}
	return segment, nil
}

// googleLanguage passes canonical BCP-47 tags straight through, defaulting
// bare ISO codes to a region.
func googleLanguage(tag string) string {
	if tag == "" {
		return "en-US"
	}
	if strings.Contains(tag, "-") {
		return tag
	}
	switch strings.ToLower(tag) {
	case "en":
		return "en-US"
	case "id":
		return "id-ID"
	case "uk":
		return "uk-UA"
	default:
		return tag
	}
}
