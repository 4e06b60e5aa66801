package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/prompts"
	"github.com/jonathan/asset-pipeline/internal/schemas"
)

// Engine names
const (
	EngineGemini  = "gemini"
	EngineWhisper = "whisper"
)

// Media is a downloaded recording.
type Media struct {
	MIMEType string
	FileName string
	Data     []byte
}

// Segment is one timed span of a transcript, offsets in milliseconds.
type Segment struct {
	Text    string `json:"text"`
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
}

// Transcriber turns a recording into ordered segments.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, media Media) ([]Segment, error)
}

// GeminiTranscriber sends the recording inline to a Gemini model.
type GeminiTranscriber struct {
	client llm.Client
	tier   llm.ModelTier
}

// NewGeminiTranscriber creates a transcriber using the advanced model tier.
func NewGeminiTranscriber(client llm.Client) *GeminiTranscriber {
	return &GeminiTranscriber{client: client, tier: llm.TierAdvanced}
}

func (t *GeminiTranscriber) Name() string { return EngineGemini }

func (t *GeminiTranscriber) Transcribe(ctx context.Context, media Media) ([]Segment, error) {
	name := media.FileName
	if name == "" {
		name = "recording"
	}
	prompt, err := prompts.Render(prompts.ExtractionFile, "transcribe-media", map[string]string{"FileName": name})
	if err != nil {
		return nil, err
	}

	raw, err := t.client.GenerateJSONWithMedia(ctx, prompt, llm.Media{MIMEType: media.MIMEType, Data: media.Data}, t.tier)
	if err != nil {
		return nil, fmt.Errorf("gemini transcription failed: %w", err)
	}
	if err := schemas.Validate(schemas.Transcript, raw); err != nil {
		return nil, err
	}

	var out struct {
		Segments []Segment `json:"segments"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return normalizeSegments(out.Segments), nil
}

// normalizeSegments drops blank segments and repairs offsets that run backwards
func normalizeSegments(in []Segment) []Segment {
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.StartMs < 0 {
			s.StartMs = 0
		}
		if s.EndMs < s.StartMs {
			s.EndMs = s.StartMs
		}
		out = append(out, s)
	}
	return out
}
