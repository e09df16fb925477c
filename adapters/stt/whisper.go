package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// Transcoder converts container audio to PCM WAV for providers that cannot
// ingest the uploaded container directly.
type Transcoder interface {
	Convert(ctx context.Context, data []byte, format entities.ContainerFormat) ([]byte, error)
}

// WhisperProvider transcribes through a Whisper-compatible HTTP API. The
// same implementation backs three configured variants: the hosted OpenAI
// API, a locally hosted inference server reached through a custom base URL,
// and a domain-tuned model.
type WhisperProvider struct {
	client      *openai.Client
	name        string
	model       string
	rpm         int
	temperature float32
	prompt      string
	requiresPCM bool
	transcoder  Transcoder
	thresholds  QualityThresholds
	logger      *zap.Logger
}

// WhisperConfig configures one Whisper-compatible variant.
type WhisperConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	RPM         int
	Temperature float32
	Prompt      string
	RequiresPCM bool
}

// NewWhisperProvider creates the hosted-API variant.
func NewWhisperProvider(apiKey string, thresholds QualityThresholds, logger *zap.Logger) *WhisperProvider {
	return newWhisperVariant(WhisperConfig{
		Name:   "whisper",
		APIKey: apiKey,
		Model:  openai.Whisper1,
		RPM:    50,
	}, nil, thresholds, logger)
}

// NewLocalProvider creates the variant backed by a self-hosted inference
// server speaking the Whisper API. Local servers typically only accept WAV,
// so conversion is forced through the transcoder pool.
func NewLocalProvider(baseURL string, transcoder Transcoder, thresholds QualityThresholds, logger *zap.Logger) *WhisperProvider {
	return newWhisperVariant(WhisperConfig{
		Name:        "local",
		APIKey:      "unused",
		BaseURL:     baseURL,
		Model:       "whisper-large-v3",
		RPM:         120,
		RequiresPCM: true,
	}, transcoder, thresholds, logger)
}

// NewMedicalProvider creates the domain-tuned variant: a fine-tuned model
// run at temperature zero with a vocabulary-priming prompt.
func NewMedicalProvider(apiKey, model string, thresholds QualityThresholds, logger *zap.Logger) *WhisperProvider {
	if model == "" {
		model = "whisper-1"
	}
	return newWhisperVariant(WhisperConfig{
		Name:        "medical",
		APIKey:      apiKey,
		Model:       model,
		RPM:         50,
		Temperature: 0,
		Prompt:      "Clinical dictation. Medication names, dosages, and anatomical terms are expected.",
	}, nil, thresholds, logger)
}

func newWhisperVariant(config WhisperConfig, transcoder Transcoder, thresholds QualityThresholds, logger *zap.Logger) *WhisperProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &WhisperProvider{
		client:      openai.NewClientWithConfig(clientConfig),
		name:        config.Name,
		model:       config.Model,
		rpm:         config.RPM,
		temperature: config.Temperature,
		prompt:      config.Prompt,
		requiresPCM: config.RequiresPCM,
		transcoder:  transcoder,
		thresholds:  thresholds,
		logger:      logger,
	}
}

// Name implements repositories.SpeechToText.
func (w *WhisperProvider) Name() string { return w.name }

// MaxRequestsPerMinute implements repositories.SpeechToText.
func (w *WhisperProvider) MaxRequestsPerMinute() int { return w.rpm }

// Transcribe implements repositories.SpeechToText. A nil segment with a nil
// error means the audio carried no usable speech after quality filtering.
func (w *WhisperProvider) Transcribe(ctx context.Context, audio []byte, opts repositories.TranscribeOptions) (*entities.TranscriptSegment, error) {
	filename := "chunk." + containerExtension(opts.Format)

	if w.requiresPCM && opts.Format != entities.FormatWAV {
		if w.transcoder == nil {
			return nil, fmt.Errorf("provider %s requires PCM but has no transcoder", w.name)
		}
		converted, err := w.transcoder.Convert(ctx, audio, opts.Format)
		if err != nil {
			return nil, fmt.Errorf("converting chunk for %s: %w", w.name, err)
		}
		audio = converted
		filename = "chunk.wav"
	}

	model := w.model
	if opts.Model != "" {
		model = opts.Model
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:       model,
		FilePath:    filename,
		Reader:      bytes.NewReader(audio),
		Language:    whisperLanguage(opts.Language),
		Prompt:      w.prompt,
		Temperature: w.temperature,
		Format:      openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, repositories.ErrRateLimited
		}
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	return w.buildSegment(resp, opts), nil
}

// buildSegment applies the quality gate per reported segment and assembles
// the accepted text.
func (w *WhisperProvider) buildSegment(resp openai.AudioResponse, opts repositories.TranscribeOptions) *entities.TranscriptSegment {
	var parts []string
	var confidences []float64
	var start, end float64

	if len(resp.Segments) == 0 {
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return nil
		}
		parts = append(parts, text)
		end = resp.Duration
	}

	for _, s := range resp.Segments {
		stats := SegmentStats{
			NoSpeechProb:     s.NoSpeechProb,
			AvgLogprob:       s.AvgLogprob,
			CompressionRatio: s.CompressionRatio,
		}
		if !w.thresholds.Accept(stats) {
			w.logger.Debug("Segment rejected by quality gate",
				zap.String("session_id", opts.SessionID),
				zap.Uint32("sequence", opts.Sequence),
				zap.Float64("no_speech_prob", s.NoSpeechProb),
				zap.Float64("avg_logprob", s.AvgLogprob),
				zap.Float64("compression_ratio", s.CompressionRatio))
			continue
		}
		if len(parts) == 0 || s.Start < start {
			start = s.Start
		}
		if s.End > end {
			end = s.End
		}
		parts = append(parts, strings.TrimSpace(s.Text))
		confidences = append(confidences, math.Exp(s.AvgLogprob))
	}

	text := CollapseRepeats(strings.TrimSpace(strings.Join(parts, " ")))
	if text == "" {
		return nil
	}

	segment := entities.NewTranscriptSegment(opts.SessionID, opts.Sequence, text)
	segment.StartTime = start
	segment.EndTime = end
	segment.Language = opts.Language
	segment.Provider = w.name
	if len(confidences) > 0 {
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		segment.Confidence = sum / float64(len(confidences))
	}

	return segment
}

// whisperLanguage maps a canonical tag like "en-US" to Whisper's ISO 639-1
// code space.
func whisperLanguage(tag string) string {
	if tag == "" {
		return ""
	}
	if idx := strings.IndexByte(tag, '-'); idx > 0 {
		return strings.ToLower(tag[:idx])
	}
	return strings.ToLower(tag)
}

func containerExtension(format entities.ContainerFormat) string {
	switch format {
	case entities.FormatWebM:
		return "webm"
	case entities.FormatMP4, entities.FormatFragmentedMP4:
		return "mp4"
	case entities.FormatOgg:
		return "ogg"
	case entities.FormatWAV:
		return "wav"
	default:
		return "bin"
	}
}
