// Package enrich derives marketing metadata from extracted content.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/prompts"
	"github.com/jonathan/asset-pipeline/internal/schemas"
	"golang.org/x/sync/errgroup"
)

// Limits
const (
	DefaultMaxInputChars = 30_000
	MaxPainTags          = 3
	maxAudienceTags      = 6
	maxHighlights        = 5
)

// Input is the content to analyze. Text is preferred; ImageDescription is
// used when Text is empty.
type Input struct {
	Family           extract.Family
	Text             string
	ImageDescription string
}

// Metadata is the derived record merged onto an asset. Nil fields were not
// produced for this content.
type Metadata struct {
	ContentType  *string
	BrandVoice   *string
	AudienceTags []string
	PainTags     []string
	Highlights   []db.Highlight
}

// Config tunes an Invoker.
type Config struct {
	MaxInputChars int
}

// Invoker calls the analysis collaborator.
type Invoker struct {
	client        llm.Client
	maxInputChars int
	logger        *slog.Logger
}

// NewInvoker creates an invoker.
func NewInvoker(client llm.Client, cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	return &Invoker{client: client, maxInputChars: cfg.MaxInputChars, logger: logger}
}

type brandContextResult struct {
	ContentType string  `json:"content_type"`
	BrandVoice  *string `json:"brand_voice"`
}

type audienceResult struct {
	AudienceTags []string `json:"audience_tags"`
}

type snippetsResult struct {
	PainTags   []string       `json:"pain_tags"`
	Highlights []db.Highlight `json:"highlights"`
}

// Enrich runs the brand context, audience and snippet calls concurrently.
// Any failure fails the whole step with *AnalysisServiceError.
func (inv *Invoker) Enrich(ctx context.Context, in Input) (*Metadata, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = strings.TrimSpace(in.ImageDescription)
	}
	if text == "" {
		return nil, &AnalysisServiceError{Message: "no content to analyze"}
	}
	if r := []rune(text); len(r) > inv.maxInputChars {
		text = string(r[:inv.maxInputChars])
	}

	guidance, err := prompts.Get(prompts.EnrichmentFile, "family-"+string(in.Family))
	if err != nil {
		inv.logger.Warn("no enrichment guidance for family", "family", in.Family, "error", err)
		guidance = ""
	}

	var (
		brand    brandContextResult
		audience audienceResult
		snippets snippetsResult
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inv.call(gctx, llm.BrandContextSchema(), llm.TierLite, guidance, text, &brand)
	})
	g.Go(func() error {
		return inv.call(gctx, llm.AudienceSchema(), llm.TierLite, guidance, text, &audience)
	})
	g.Go(func() error {
		return inv.call(gctx, llm.SnippetsSchema(), llm.TierStandard, guidance, text, &snippets)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	inv.logger.Debug("enrichment finished", "family", in.Family, "input_chars", len(text), "duration", time.Since(start))

	return &Metadata{
		ContentType:  normalizeLabel(brand.ContentType),
		BrandVoice:   optionalText(brand.BrandVoice),
		AudienceTags: dedupe(audience.AudienceTags, maxAudienceTags),
		PainTags:     dedupe(snippets.PainTags, MaxPainTags),
		Highlights:   cleanHighlights(snippets.Highlights),
	}, nil
}

// call sends one extraction prompt and decodes the validated answer into out
func (inv *Invoker) call(ctx context.Context, schema llm.ExtractionSchema, tier llm.ModelTier, guidance, text string, out any) error {
	raw, err := inv.client.GenerateJSON(ctx, llm.BuildExtractionPrompt(schema, guidance, text), tier)
	if err != nil {
		return &AnalysisServiceError{Call: schema.Name, Message: "request failed", Cause: err}
	}
	if err := schemas.Validate(schema.Name, raw); err != nil {
		return &AnalysisServiceError{Call: schema.Name, Message: "malformed response", Cause: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &AnalysisServiceError{Call: schema.Name, Message: "malformed response", Cause: err}
	}
	return nil
}

func normalizeLabel(s string) *string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "-", " ")), "_")
	return &s
}

func optionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// dedupe trims tags, drops case-insensitive duplicates and keeps the first
// limit. Returns nil when nothing is left.
func dedupe(tags []string, limit int) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(tag), " ")
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}

func cleanHighlights(in []db.Highlight) []db.Highlight {
	var out []db.Highlight
	for _, h := range in {
		h.Text = strings.TrimSpace(h.Text)
		if h.Text == "" {
			continue
		}
		h.Type = strings.ToLower(strings.TrimSpace(h.Type))
		if h.Confidence != nil {
			c := math.Round(*h.Confidence*100) / 100
			h.Confidence = &c
		}
		out = append(out, h)
		if len(out) == maxHighlights {
			break
		}
	}
	return out
}
