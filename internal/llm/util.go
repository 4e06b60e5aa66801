package llm

import "strings"

// CleanJSONBlock strips markdown fences and any prose around the first JSON
// object or array in an LLM response.
func CleanJSONBlock(text string) string {
	text = stripFence(strings.TrimSpace(text))
	if text == "" {
		return text
	}

	idx := strings.IndexAny(text, "{[")
	if idx < 0 {
		return text
	}

	rest := text[idx:]
	var out string
	if rest[0] == '{' {
		out = extractJSONObject(rest)
	} else {
		out = extractJSONArray(rest)
	}
	if out == "" {
		return text
	}
	return out
}

// stripFence removes a surrounding ``` or ```json block
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Skip a language identifier on the first line
	if idx := strings.Index(text, "\n"); idx >= 0 {
		firstLine := text[:idx]
		if len(firstLine) < 20 && !strings.ContainsAny(firstLine, " {[") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// extractJSONObject returns the balanced object at the start of s, or ""
func extractJSONObject(s string) string {
	return extractBalanced(s, '{')
}

// extractJSONArray returns the balanced array at the start of s, or ""
func extractJSONArray(s string) string {
	return extractBalanced(s, '[')
}

func extractBalanced(s string, open byte) string {
	if s == "" || s[0] != open {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
