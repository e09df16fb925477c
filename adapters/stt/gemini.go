package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

const geminiDefaultModel = "gemini-2.0-flash"

// GeminiProvider transcribes through the Gemini multimodal API by sending
// the audio as an inline part with a transcription prompt.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	transcoder Transcoder
	logger     *zap.Logger
}

// NewGeminiProvider creates a Gemini speech-to-text provider.
func NewGeminiProvider(ctx context.Context, apiKey string, transcoder Transcoder, logger *zap.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client:     client,
		model:      geminiDefaultModel,
		transcoder: transcoder,
		logger:     logger,
	}, nil
}

// Name implements repositories.SpeechToText.
func (g *GeminiProvider) Name() string { return "gemini" }

// MaxRequestsPerMinute implements repositories.SpeechToText.
func (g *GeminiProvider) MaxRequestsPerMinute() int { return 15 }

// Transcribe implements repositories.SpeechToText.
func (g *GeminiProvider) Transcribe(ctx context.Context, audio []byte, opts repositories.TranscribeOptions) (*entities.TranscriptSegment, error) {
	mime := mimeType(opts.Format)
	if mime == "" {
		// Unknown containers go through the transcoder so Gemini always
		// receives something it declares support for.
		converted, err := g.transcoder.Convert(ctx, audio, opts.Format)
		if err != nil {
			return nil, fmt.Errorf("converting chunk for gemini: %w", err)
		}
		audio = converted
		mime = "audio/wav"
	}

	prompt := fmt.Sprintf(
		"Transcribe this audio verbatim in %s. Output only the spoken words, no commentary. If there is no speech, output nothing.",
		geminiLanguage(opts.Language))

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, mime),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}

	response, err := g.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		if isGeminiRateLimit(err) {
			return nil, repositories.ErrRateLimited
		}
		return nil, fmt.Errorf("gemini transcription: %w", err)
	}

	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return nil, nil
	}

	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		}
	}

	text := CollapseRepeats(strings.TrimSpace(b.String()))
	if text == "" {
		return nil, nil
	}

	segment := entities.NewTranscriptSegment(opts.SessionID, opts.Sequence, text)
	segment.Language = opts.Language
	segment.Provider = g.Name()
	return segment, nil
}

func isGeminiRateLimit(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429
	}
	return strings.Contains(err.Error(), "RESOURCE_EXHAUSTED")
}

// geminiLanguage maps a canonical tag to a human-readable hint for the
// prompt; Gemini has no structured language parameter for audio.
func geminiLanguage(tag string) string {
	switch whisperLanguage(tag) {
	case "en", "":
		return "English"
	case "id":
		return "Indonesian"
	case "es":
		return "Spanish"
	case "fr":
		return "French"
	case "de":
		return "German"
	case "ja":
		return "Japanese"
	case "uk":
		return "Ukrainian"
	default:
		return "the original spoken language"
	}
}

func mimeType(format entities.ContainerFormat) string {
	switch format {
	case entities.FormatWebM:
		return "audio/webm"
	case entities.FormatMP4, entities.FormatFragmentedMP4:
		return "audio/mp4"
	case entities.FormatOgg:
		return "audio/ogg"
	case entities.FormatWAV:
		return "audio/wav"
	default:
		return ""
	}
}
