// Package extract turns stored assets into text. Documents and images are
// handled synchronously; audio and video are handed to the transcription manager.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/command"
	"github.com/jonathan/asset-pipeline/internal/fetch"
	"github.com/jonathan/asset-pipeline/internal/llm"
	"github.com/jonathan/asset-pipeline/internal/storage"
)

// Defaults
const (
	DefaultMaxTextChars     = 200_000
	DefaultMaxDocumentBytes = 50 << 20
	DefaultMaxImageBytes    = 20 << 20
	DefaultPdftotext        = "pdftotext"
	truncatedTextMarker     = "\n[text truncated]"
)

// Request identifies the object to extract.
type Request struct {
	AssetID      uuid.UUID
	StorageKey   string
	DeclaredType string
	FileName     string
	SizeBytes    int64
}

// PendingTranscription marks media whose text will arrive asynchronously.
type PendingTranscription struct {
	JobID uuid.UUID
}

// Content is the result of extraction. Exactly one of Text or Pending is set.
type Content struct {
	Family           Family
	Text             string
	ImageDescription string
	Truncated        bool
	Pending          *PendingTranscription
}

// MediaHandoff starts asynchronous transcription for audio and video.
type MediaHandoff interface {
	Begin(ctx context.Context, assetID uuid.UUID, storageKey, mimeType, fileName string, sizeBytes int64) (uuid.UUID, error)
}

// Config tunes a Dispatcher. Zero values use the defaults above.
type Config struct {
	MaxTextChars     int
	MaxDocumentBytes int64
	MaxImageBytes    int64
	Pdftotext        string
}

// Dispatcher routes an asset to its extraction strategy.
type Dispatcher struct {
	resolver  storage.Resolver
	llm       llm.Client
	media     MediaHandoff
	runner    command.Runner
	fetchOpts fetch.Options
	logger    *slog.Logger

	maxTextChars     int
	maxDocumentBytes int64
	maxImageBytes    int64
	pdftotext        string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(resolver storage.Resolver, client llm.Client, media MediaHandoff, runner command.Runner, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		resolver:         resolver,
		llm:              client,
		media:            media,
		runner:           runner,
		fetchOpts:        *fetch.DefaultOptions(),
		logger:           logger,
		maxTextChars:     cfg.MaxTextChars,
		maxDocumentBytes: cfg.MaxDocumentBytes,
		maxImageBytes:    cfg.MaxImageBytes,
		pdftotext:        cfg.Pdftotext,
	}
	if d.maxTextChars <= 0 {
		d.maxTextChars = DefaultMaxTextChars
	}
	if d.maxDocumentBytes <= 0 {
		d.maxDocumentBytes = DefaultMaxDocumentBytes
	}
	if d.maxImageBytes <= 0 {
		d.maxImageBytes = DefaultMaxImageBytes
	}
	if d.pdftotext == "" {
		d.pdftotext = DefaultPdftotext
	}
	return d
}

// Extract classifies the request and runs the matching strategy.
func (d *Dispatcher) Extract(ctx context.Context, req Request) (*Content, error) {
	strategy, err := Classify(req.DeclaredType, req.FileName)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("dispatching extraction", "asset_id", req.AssetID, "family", strategy.Family(), "declared_type", req.DeclaredType)

	switch s := strategy.(type) {
	case DocumentStrategy:
		body, err := d.retrieve(ctx, req.StorageKey, d.maxDocumentBytes)
		if err != nil {
			return nil, err
		}
		text, err := d.extractDocument(ctx, s.Format, body)
		if err != nil {
			return nil, err
		}
		text, truncated := capText(text, d.maxTextChars)
		return &Content{Family: FamilyDocument, Text: text, Truncated: truncated}, nil

	case ImageStrategy:
		body, err := d.retrieve(ctx, req.StorageKey, d.maxImageBytes)
		if err != nil {
			return nil, err
		}
		description, text, err := d.describeImage(ctx, s, req.FileName, body)
		if err != nil {
			return nil, err
		}
		description = fetch.StripInvalid(description)
		text, truncated := capText(fetch.StripInvalid(text), d.maxTextChars)
		return &Content{Family: FamilyImage, Text: text, ImageDescription: description, Truncated: truncated}, nil

	case MediaStrategy:
		jobID, err := d.media.Begin(ctx, req.AssetID, req.StorageKey, s.MIMEType, req.FileName, req.SizeBytes)
		if err != nil {
			return nil, err
		}
		return &Content{Family: FamilyMedia, Pending: &PendingTranscription{JobID: jobID}}, nil

	default:
		return nil, fmt.Errorf("unhandled extraction strategy %T", strategy)
	}
}

// retrieve downloads a stored object. Objects over maxBytes wrap fetch.ErrTooLarge.
func (d *Dispatcher) retrieve(ctx context.Context, storageKey string, maxBytes int64) ([]byte, error) {
	url, err := d.resolver.DownloadURL(ctx, storageKey)
	if err != nil {
		return nil, &RetrievalError{StorageKey: storageKey, Message: "could not resolve storage key", Cause: err}
	}

	opts := d.fetchOpts
	opts.MaxBytes = maxBytes
	obj, err := fetch.Get(ctx, url, &opts)
	if err != nil {
		msg := "download failed"
		if errors.Is(err, fetch.ErrTooLarge) {
			msg = fmt.Sprintf("object exceeds the size limit of %d bytes", maxBytes)
		} else if obj != nil && obj.StatusCode == 404 {
			msg = "object not found"
		}
		return nil, &RetrievalError{StorageKey: storageKey, Message: msg, Cause: err}
	}
	if len(obj.Body) == 0 {
		return nil, &RetrievalError{StorageKey: storageKey, Message: "object is empty"}
	}
	return obj.Body, nil
}

// capText limits text to max runes, marking truncation
func capText(text string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text, false
	}
	runes := []rune(text)
	return string(runes[:max]) + truncatedTextMarker, true
}
