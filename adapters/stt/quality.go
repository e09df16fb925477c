package stt

import (
	"strings"
)

// SegmentStats carries the per-segment quality signals reported by
// Whisper-style backends.
type SegmentStats struct {
	NoSpeechProb     float64
	AvgLogprob       float64
	CompressionRatio float64
}

// QualityThresholds gate transcription results before they leave a
// provider. A segment is rejected when its no-speech probability or
// compression ratio strictly exceeds the threshold, or its average log
// probability strictly undershoots it; a value exactly at a threshold
// passes.
type QualityThresholds struct {
	MaxNoSpeechProb     float64 `yaml:"max_no_speech_prob"`
	MinAvgLogprob       float64 `yaml:"min_avg_logprob"`
	MaxCompressionRatio float64 `yaml:"max_compression_ratio"`
}

// DefaultQualityThresholds returns the production gate settings.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxNoSpeechProb:     0.6,
		MinAvgLogprob:       -1.0,
		MaxCompressionRatio: 2.4,
	}
}

// Accept reports whether a segment's stats clear the gate.
func (q QualityThresholds) Accept(s SegmentStats) bool {
	if s.NoSpeechProb > q.MaxNoSpeechProb {
		return false
	}
	if s.AvgLogprob < q.MinAvgLogprob {
		return false
	}
	if s.CompressionRatio > q.MaxCompressionRatio {
		return false
	}
	return true
}

// CollapseRepeats removes immediately repeated sentences and phrases, the
// signature of a model stuck in a loop. Repeats separated by other text are
// left alone.
func CollapseRepeats(text string) string {
	text = collapseRepeatedSentences(text)
	return collapseRepeatedPhrases(text)
}

func collapseRepeatedSentences(text string) string {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		return text
	}

	out := sentences[:1]
	for _, s := range sentences[1:] {
		if normalize(s) == normalize(out[len(out)-1]) {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, " ")
}

// collapseRepeatedPhrases folds runs of an identical word n-gram (n from 2
// to 5) down to a single occurrence.
func collapseRepeatedPhrases(text string) string {
	words := strings.Fields(text)
	if len(words) < 4 {
		return text
	}

	for n := 5; n >= 2; n-- {
		words = collapseNGramRuns(words, n)
	}
	return strings.Join(words, " ")
}

func collapseNGramRuns(words []string, n int) []string {
	out := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		if i+2*n <= len(words) && sameGram(words[i:i+n], words[i+n:i+2*n]) {
			// Emit one copy of the gram, then skip every immediate repeat.
			out = append(out, words[i:i+n]...)
			i += n
			for i+n <= len(words) && sameGram(words[i-n:i], words[i:i+n]) {
				i += n
			}
			continue
		}
		out = append(out, words[i])
		i++
	}
	return out
}

func sameGram(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if normalize(a[i]) != normalize(b[i]) {
			return false
		}
	}
	return true
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(s), ".,!?")))
}
