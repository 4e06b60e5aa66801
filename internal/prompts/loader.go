// Package prompts holds the LLM prompt templates used for image description,
// transcription and enrichment. Templates are JSON files of key to
// text/template source, embedded at compile time and parsed once.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"text/template"
)

// Prompt files
const (
	ExtractionFile = "extraction.json"
	EnrichmentFile = "enrichment.json"
)

//go:embed *.json
var promptFiles embed.FS

// file is one parsed prompt file.
type file struct {
	raw       map[string]string
	templates map[string]*template.Template
}

var (
	loadOnce sync.Once
	files    map[string]*file
	loadErr  error
)

func load() (map[string]*file, error) {
	loadOnce.Do(func() {
		files, loadErr = parseAll()
	})
	return files, loadErr
}

func parseAll() (map[string]*file, error) {
	entries, err := promptFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt files: %w", err)
	}
	out := make(map[string]*file, len(entries))
	for _, e := range entries {
		data, err := promptFiles.ReadFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt file %s: %w", e.Name(), err)
		}
		var raw map[string]string
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse prompt file %s: %w", e.Name(), err)
		}

		f := &file{raw: raw, templates: make(map[string]*template.Template, len(raw))}
		for key, src := range raw {
			tmpl, err := template.New(key).Option("missingkey=error").Parse(src)
			if err != nil {
				return nil, fmt.Errorf("invalid prompt %s in %s: %w", key, e.Name(), err)
			}
			f.templates[key] = tmpl
		}
		out[e.Name()] = f
	}
	return out, nil
}

func lookup(filename string) (*file, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}
	f, ok := all[filename]
	if !ok {
		return nil, fmt.Errorf("prompt file %s not found", filename)
	}
	return f, nil
}

// Get returns the unrendered prompt text.
func Get(filename, key string) (string, error) {
	f, err := lookup(filename)
	if err != nil {
		return "", err
	}
	prompt, ok := f.raw[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return prompt, nil
}

// Render executes a prompt template with data. A placeholder without a value
// is an error.
func Render(filename, key string, data map[string]string) (string, error) {
	f, err := lookup(filename)
	if err != nil {
		return "", err
	}
	tmpl, ok := f.templates[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", key, err)
	}
	return buf.String(), nil
}

// Keys returns the prompt keys in a file, sorted.
func Keys(filename string) ([]string, error) {
	f, err := lookup(filename)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f.raw))
	for key := range f.raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
