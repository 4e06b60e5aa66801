package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/extract"
	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routingLLM answers each of the three calls by recognising its prompt
type routingLLM struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	prompts   map[string]string
	tiers     map[string]llm.ModelTier
}

func newRoutingLLM(brand, audience, snippets string) *routingLLM {
	return &routingLLM{
		responses: map[string]string{"brand_context": brand, "audience": audience, "snippets": snippets},
		errs:      map[string]error{},
		prompts:   map[string]string{},
		tiers:     map[string]llm.ModelTier{},
	}
}

func callName(prompt string) string {
	switch {
	case strings.Contains(prompt, "Classify a marketing asset"):
		return "brand_context"
	case strings.Contains(prompt, "Identify the job roles"):
		return "audience"
	default:
		return "snippets"
	}
}

func (f *routingLLM) GenerateContent(context.Context, string, llm.ModelTier) (string, error) {
	return "", errors.New("not used")
}

func (f *routingLLM) GenerateJSON(_ context.Context, prompt string, tier llm.ModelTier) (string, error) {
	name := callName(prompt)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[name] = prompt
	f.tiers[name] = tier
	return f.responses[name], f.errs[name]
}

func (f *routingLLM) GenerateJSONWithMedia(context.Context, string, llm.Media, llm.ModelTier) (string, error) {
	return "", errors.New("not used")
}

func (f *routingLLM) GetModel(llm.ModelTier) string { return "fake" }
func (f *routingLLM) Close() error                  { return nil }

const (
	brandJSON    = `{"content_type": "Case-Study", "brand_voice": "  Confident and practical. "}`
	audienceJSON = `{"audience_tags": ["CTO", "cto", " VP  Engineering "]}`
	snippetsJSON = `{
		"pain_tags": ["slow onboarding", "Slow Onboarding", "tool sprawl", "manual reporting", "security reviews"],
		"highlights": [
			{"text": "Onboarding dropped from 6 weeks to 3.", "type": "Metric", "confidence": 0.913},
			{"text": "  ", "type": "quote"},
			{"text": "We finally trust our dashboards.", "type": "quote"}
		]
	}`
)

func TestEnrich(t *testing.T) {
	client := newRoutingLLM(brandJSON, audienceJSON, snippetsJSON)
	inv := NewInvoker(client, Config{}, nil)

	md, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyDocument, Text: "Acme cut onboarding time in half."})
	require.NoError(t, err)

	require.NotNil(t, md.ContentType)
	assert.Equal(t, "case_study", *md.ContentType)
	require.NotNil(t, md.BrandVoice)
	assert.Equal(t, "Confident and practical.", *md.BrandVoice)
	assert.Equal(t, []string{"CTO", "VP Engineering"}, md.AudienceTags)
	assert.Equal(t, []string{"slow onboarding", "tool sprawl", "manual reporting"}, md.PainTags)

	require.Len(t, md.Highlights, 2)
	assert.Equal(t, "metric", md.Highlights[0].Type)
	require.NotNil(t, md.Highlights[0].Confidence)
	assert.InDelta(t, 0.91, *md.Highlights[0].Confidence, 1e-9)
	assert.Equal(t, db.Highlight{Text: "We finally trust our dashboards.", Type: "quote"}, md.Highlights[1])

	assert.Contains(t, client.prompts["snippets"], "Acme cut onboarding time in half.")
	assert.Contains(t, client.prompts["brand_context"], "extracted from a written document")
	assert.Equal(t, llm.TierLite, client.tiers["brand_context"])
	assert.Equal(t, llm.TierStandard, client.tiers["snippets"])
}

func TestEnrich_MissingFieldsStayNil(t *testing.T) {
	client := newRoutingLLM(
		`{"content_type": "webinar", "brand_voice": null}`,
		`{"audience_tags": []}`,
		`{"pain_tags": null, "highlights": []}`,
	)
	inv := NewInvoker(client, Config{}, nil)

	md, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyMedia, Text: "transcript"})
	require.NoError(t, err)
	assert.Equal(t, "webinar", *md.ContentType)
	assert.Nil(t, md.BrandVoice)
	assert.Nil(t, md.AudienceTags)
	assert.Nil(t, md.PainTags)
	assert.Nil(t, md.Highlights)
	assert.Contains(t, client.prompts["audience"], "machine transcript")
}

func TestEnrich_UsesImageDescription(t *testing.T) {
	client := newRoutingLLM(brandJSON, audienceJSON, snippetsJSON)
	inv := NewInvoker(client, Config{}, nil)

	_, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyImage, ImageDescription: "A funnel diagram."})
	require.NoError(t, err)
	assert.Contains(t, client.prompts["audience"], "A funnel diagram.")
}

func TestEnrich_CapsInput(t *testing.T) {
	client := newRoutingLLM(brandJSON, audienceJSON, snippetsJSON)
	inv := NewInvoker(client, Config{MaxInputChars: 10}, nil)

	_, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyDocument, Text: "0123456789ABCDEF"})
	require.NoError(t, err)
	assert.Contains(t, client.prompts["brand_context"], "0123456789\n")
	assert.NotContains(t, client.prompts["brand_context"], "ABCDEF")
}

func TestEnrich_Errors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		inv := NewInvoker(newRoutingLLM(brandJSON, audienceJSON, snippetsJSON), Config{}, nil)
		_, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyDocument, Text: "  \n "})

		var analysisErr *AnalysisServiceError
		require.True(t, errors.As(err, &analysisErr))
		assert.Equal(t, "no content to analyze", analysisErr.Message)
	})

	t.Run("collaborator failure", func(t *testing.T) {
		client := newRoutingLLM(brandJSON, audienceJSON, snippetsJSON)
		client.errs["audience"] = errors.New("503 service unavailable")
		inv := NewInvoker(client, Config{}, nil)

		_, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyDocument, Text: "text"})

		var analysisErr *AnalysisServiceError
		require.True(t, errors.As(err, &analysisErr))
		assert.Equal(t, "audience", analysisErr.Call)
		assert.Equal(t, "request failed", analysisErr.Message)
	})

	t.Run("malformed response", func(t *testing.T) {
		client := newRoutingLLM(`{"brand_voice": "no content type"}`, audienceJSON, snippetsJSON)
		inv := NewInvoker(client, Config{}, nil)

		_, err := inv.Enrich(context.Background(), Input{Family: extract.FamilyDocument, Text: "text"})

		var analysisErr *AnalysisServiceError
		require.True(t, errors.As(err, &analysisErr))
		assert.Equal(t, "brand_context", analysisErr.Call)
		assert.Equal(t, "malformed response", analysisErr.Message)

		var validationErr *schemas.ValidationError
		assert.True(t, errors.As(err, &validationErr))
	})
}

func TestDedupe(t *testing.T) {
	assert.Nil(t, dedupe(nil, 3))
	assert.Nil(t, dedupe([]string{" ", ""}, 3))
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "A", " b "}, 3))
	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"a", "b", "c", "d"}, 3))
}
