package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/prompts"
	"github.com/jonathan/asset-pipeline/internal/schemas"
)

// imageDescription is the vision model's answer
type imageDescription struct {
	Description string  `json:"description"`
	VisibleText *string `json:"visible_text"`
}

// describeImage makes one vision call and returns the description and a text
// rendering suitable for storage
func (d *Dispatcher) describeImage(ctx context.Context, s ImageStrategy, fileName string, body []byte) (description, text string, err error) {
	prompt, err := prompts.Render(prompts.ExtractionFile, "describe-image", map[string]string{"FileName": displayName(fileName)})
	if err != nil {
		return "", "", &ExtractionError{Family: FamilyImage, Message: "prompt unavailable", Cause: err}
	}

	raw, err := d.llm.GenerateJSONWithMedia(ctx, prompt, llm.Media{MIMEType: s.MIMEType, Data: body}, llm.TierStandard)
	if err != nil {
		return "", "", &ExtractionError{Family: FamilyImage, Format: s.MIMEType, Message: "image analysis failed", Cause: err}
	}
	if err := schemas.Validate(schemas.ImageDescription, raw); err != nil {
		return "", "", &ExtractionError{Family: FamilyImage, Format: s.MIMEType, Message: "image analysis returned an unexpected shape", Cause: err}
	}

	var out imageDescription
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", "", &ExtractionError{Family: FamilyImage, Format: s.MIMEType, Message: "image analysis returned invalid JSON", Cause: err}
	}

	description = strings.TrimSpace(out.Description)
	text = description
	if out.VisibleText != nil {
		if visible := strings.TrimSpace(*out.VisibleText); visible != "" {
			text = fmt.Sprintf("%s\n\nVisible text:\n%s", description, visible)
		}
	}
	return description, text, nil
}

func displayName(fileName string) string {
	if fileName == "" {
		return "untitled"
	}
	return fileName
}
