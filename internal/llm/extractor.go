package llm

import (
	"fmt"
	"strings"
)

// ExtractionSchema defines the structure for LLM-based content extraction.
type ExtractionSchema struct {
	Name        string        // Schema name, also the JSON schema file stem
	Description string        // Task preamble
	Fields      []SchemaField // Expected output fields
}

// SchemaField defines a single field in the extraction output.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint shown to the model
	Description string
	Required    bool
}

// BuildExtractionPrompt constructs the LLM prompt from schema and input text.
// guidance, when non-empty, is inserted between the task and the output shape.
func BuildExtractionPrompt(schema ExtractionSchema, guidance, inputText string) string {
	var sb strings.Builder

	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")
	if guidance != "" {
		sb.WriteString(guidance)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "string"
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s", field.Name, typeHint, requiredHint))
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString("IMPORTANT:\n")
	sb.WriteString("- Base every value on the content below; use null when the content gives no evidence.\n")
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n\n")

	sb.WriteString("Content:\n\"\"\"\n")
	sb.WriteString(inputText)
	sb.WriteString("\n\"\"\"\n")

	return sb.String()
}

// --- Predefined Schemas ---

// BrandContextSchema classifies the asset and summarizes its brand voice.
func BrandContextSchema() ExtractionSchema {
	return ExtractionSchema{
		Name: "brand_context",
		Description: `You are a B2B marketing analyst. Classify a marketing asset and describe the voice it is written in.
Pick the single best content type from: case_study, whitepaper, ebook, datasheet, one_pager, blog_post,
webinar, podcast, video, presentation, infographic, social_post, email, other.`,
		Fields: []SchemaField{
			{Name: "content_type", Type: "\"string\"", Description: "One value from the list above", Required: true},
			{Name: "brand_voice", Type: "\"string\" | null", Description: "One sentence describing tone and style"},
		},
	}
}

// AudienceSchema extracts the buyer roles an asset speaks to.
func AudienceSchema() ExtractionSchema {
	return ExtractionSchema{
		Name: "audience",
		Description: `You are a B2B marketing analyst. Identify the job roles and buyer personas this asset is written for.
Use short role names such as "CTO", "VP Marketing", "IT Director". At most 6 roles.`,
		Fields: []SchemaField{
			{Name: "audience_tags", Type: "[\"string\"]", Description: "Target roles, most relevant first", Required: true},
		},
	}
}

// SnippetsSchema extracts customer pain points and quotable highlights.
func SnippetsSchema() ExtractionSchema {
	return ExtractionSchema{
		Name: "snippets",
		Description: `You are a B2B marketing analyst. Find the customer problems this asset addresses and the strongest
quotable statements in it. Copy highlight text verbatim from the content.`,
		Fields: []SchemaField{
			{Name: "pain_tags", Type: "[\"string\"]", Description: "Up to 3 short pain points, most important first", Required: true},
			{Name: "highlights", Type: "[{\"text\": \"string\", \"type\": \"quote|metric|benefit|claim\", \"confidence\": 0.0}]", Description: "Up to 5 verbatim snippets", Required: true},
		},
	}
}
