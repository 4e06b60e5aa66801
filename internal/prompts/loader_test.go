package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	prompt, err := Get(EnrichmentFile, "family-media")
	require.NoError(t, err)
	assert.Contains(t, prompt, "transcript")

	_, err = Get("nonexistent.json", "some-key")
	assert.ErrorContains(t, err, "prompt file nonexistent.json not found")

	_, err = Get(EnrichmentFile, "nonexistent-key")
	assert.ErrorContains(t, err, "not found")
}

func TestGet_ReturnsTemplateSource(t *testing.T) {
	prompt, err := Get(ExtractionFile, "describe-image")
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.FileName}}")
}

func TestRender(t *testing.T) {
	prompt, err := Render(ExtractionFile, "transcribe-media", map[string]string{"FileName": "keynote.mp4"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "keynote.mp4")
	assert.NotContains(t, prompt, "{{.FileName}}")
	assert.Contains(t, prompt, "start_ms")
}

func TestRender_MissingValue(t *testing.T) {
	_, err := Render(ExtractionFile, "describe-image", map[string]string{})
	assert.ErrorContains(t, err, "failed to render prompt describe-image")

	_, err = Render(ExtractionFile, "summarise", nil)
	assert.ErrorContains(t, err, "not found")
}

func TestKeys(t *testing.T) {
	keys, err := Keys(EnrichmentFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"family-document", "family-image", "family-media"}, keys)

	keys, err = Keys(ExtractionFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"describe-image", "transcribe-media"}, keys)
}

func TestAllPromptsParse(t *testing.T) {
	for _, name := range []string{ExtractionFile, EnrichmentFile} {
		keys, err := Keys(name)
		require.NoError(t, err)
		for _, key := range keys {
			_, err := Get(name, key)
			assert.NoError(t, err, "%s/%s", name, key)
		}
	}
}
