package extract

import (
	"mime"
	"path/filepath"
	"strings"
)

// Family groups file types that share an extraction path.
type Family string

const (
	FamilyDocument Family = "document"
	FamilyImage    Family = "image"
	FamilyMedia    Family = "media"
)

// DocumentFormat selects the text extractor for a document.
type DocumentFormat string

const (
	FormatPDF      DocumentFormat = "pdf"
	FormatDOCX     DocumentFormat = "docx"
	FormatXLSX     DocumentFormat = "xlsx"
	FormatExcel    DocumentFormat = "excel" // legacy vnd.ms-excel label; xlsx or csv content
	FormatCSV      DocumentFormat = "csv"
	FormatText     DocumentFormat = "text"
	FormatMarkdown DocumentFormat = "markdown"
	FormatHTML     DocumentFormat = "html"
)

// Strategy is the extraction path chosen for one file. The set of
// implementations is closed: DocumentStrategy, ImageStrategy, MediaStrategy.
type Strategy interface {
	Family() Family
	strategy()
}

// DocumentStrategy extracts text synchronously from a written document.
type DocumentStrategy struct {
	Format DocumentFormat
}

// ImageStrategy describes an image with a vision model.
type ImageStrategy struct {
	MIMEType string
}

// MediaStrategy hands audio or video to the transcription manager.
type MediaStrategy struct {
	MIMEType string
	Video    bool
}

func (DocumentStrategy) Family() Family { return FamilyDocument }
func (ImageStrategy) Family() Family    { return FamilyImage }
func (MediaStrategy) Family() Family    { return FamilyMedia }

func (DocumentStrategy) strategy() {}
func (ImageStrategy) strategy()    {}
func (MediaStrategy) strategy()    {}

var documentTypes = map[string]DocumentFormat{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       FormatXLSX,
	"application/vnd.ms-excel": FormatExcel,
	"text/csv":                 FormatCSV,
	"text/plain":               FormatText,
	"text/markdown":            FormatMarkdown,
	"text/x-markdown":          FormatMarkdown,
	"text/html":                FormatHTML,
	"application/xhtml+xml":    FormatHTML,
}

// extensionTypes maps file extensions to MIME types for uploads declared as
// application/octet-stream or without a type
var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mpeg": "video/mpeg",
}

// unsupportedImages are image types the vision model does not accept
var unsupportedImages = map[string]bool{
	"image/svg+xml": true,
	"image/tiff":    true,
	"image/bmp":     true,
}

// Classify picks the extraction strategy for a declared type, falling back to
// the file extension when the type is missing or generic.
func Classify(declaredType, fileName string) (Strategy, error) {
	mt := normalizeType(declaredType)
	if mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream" {
		if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok {
			mt = byExt
		}
	}

	if format, ok := documentTypes[mt]; ok {
		return DocumentStrategy{Format: format}, nil
	}

	switch {
	case strings.HasPrefix(mt, "image/") && !unsupportedImages[mt]:
		return ImageStrategy{MIMEType: mt}, nil
	case strings.HasPrefix(mt, "audio/"):
		return MediaStrategy{MIMEType: mt}, nil
	case strings.HasPrefix(mt, "video/"):
		return MediaStrategy{MIMEType: mt, Video: true}, nil
	}

	return nil, &UnsupportedTypeError{DeclaredType: declaredType, FileName: fileName}
}

// normalizeType lowercases a MIME type and drops parameters such as charset
func normalizeType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		return mt
	}
	return strings.ToLower(declared)
}
