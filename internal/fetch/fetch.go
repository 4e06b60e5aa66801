// Package fetch downloads stored objects over HTTP and turns HTML into plain text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 2 * time.Minute

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "AssetPipeline/1.0"

// DefaultMaxBytes caps downloads when Options.MaxBytes is zero.
const DefaultMaxBytes int64 = 200 << 20

// ErrTooLarge is wrapped by Error when the body exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("object exceeds size limit")

// Object holds a downloaded object.
type Object struct {
	URL         string
	Body        []byte
	ContentType string
	StatusCode  int
}

// Error represents an error during object fetching.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	// Signed URLs carry tokens in the query string
	u := redact(e.URL)
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", u, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", u, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures the fetch behavior.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	MaxBytes  int64
	Client    *http.Client
}

// DefaultOptions returns sensible defaults for fetching.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		MaxBytes:  DefaultMaxBytes,
	}
}

// Get retrieves the object at urlStr, reading at most opts.MaxBytes.
func Get(ctx context.Context, urlStr string, opts *Options) (*Object, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	client, req, err := newRequest(ctx, http.MethodGet, urlStr, opts)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{URL: urlStr, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	obj := &Object{
		URL:         urlStr,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	if resp.StatusCode != http.StatusOK {
		return obj, &Error{URL: urlStr, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	if resp.ContentLength > maxBytes {
		return obj, &Error{
			URL:     urlStr,
			Message: fmt.Sprintf("content length %d exceeds %d bytes", resp.ContentLength, maxBytes),
			Cause:   ErrTooLarge,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return obj, &Error{URL: urlStr, Message: "failed to read response body", Cause: err}
	}
	if int64(len(body)) > maxBytes {
		return obj, &Error{
			URL:     urlStr,
			Message: fmt.Sprintf("body exceeds %d bytes", maxBytes),
			Cause:   ErrTooLarge,
		}
	}

	obj.Body = body
	return obj, nil
}

// Size asks for the object's length with a HEAD request. It returns -1 when
// the server does not report a Content-Length.
func Size(ctx context.Context, urlStr string, opts *Options) (int64, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	client, req, err := newRequest(ctx, http.MethodHead, urlStr, opts)
	if err != nil {
		return 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, &Error{URL: urlStr, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, &Error{URL: urlStr, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}
	return resp.ContentLength, nil
}

func newRequest(ctx context.Context, method, urlStr string, opts *Options) (*http.Client, *http.Request, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, nil, &Error{URL: urlStr, Message: "invalid URL", Cause: err}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, nil, &Error{URL: urlStr, Message: "failed to create request", Cause: err}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	return client, req, nil
}

// ExtractMainText parses HTML and returns the main body text.
// It removes noise elements using noiseSelectors, then finds content using contentSelectors.
// If no content selectors match, it falls back to the body element.
func ExtractMainText(html string, contentSelectors []string, noiseSelectors ...string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("nav, footer, header, script, style, noscript, .ad, .advertisement, .ads, .sidebar, .cookie-banner, .popup").Remove()

	if len(noiseSelectors) > 0 {
		if noiseSelector := strings.Join(noiseSelectors, ", "); noiseSelector != "" {
			doc.Find(noiseSelector).Remove()
		}
	}

	var mainContent *goquery.Selection
	for _, selector := range contentSelectors {
		if selection := doc.Find(selector); selection.Length() > 0 {
			mainContent = selection.First()
			break
		}
	}
	if mainContent == nil {
		mainContent = doc.Find("body")
	}

	return CleanWhitespace(mainContent.Text()), nil
}

// DefaultTextSelectors returns standard selectors for marketing pages and exported documents.
func DefaultTextSelectors() []string {
	return []string{
		"main",
		"article",
		".content",
		"#content",
		".main-content",
		"#main-content",
	}
}

// CleanWhitespace trims each line and drops empty ones. NUL bytes and
// invalid UTF-8 are removed.
func CleanWhitespace(text string) string {
	lines := strings.Split(StripInvalid(text), "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

// StripInvalid removes NUL bytes and invalid UTF-8 sequences; Postgres text
// columns accept neither.
func StripInvalid(text string) string {
	if strings.IndexByte(text, 0) >= 0 {
		text = strings.ReplaceAll(text, "\x00", "")
	}
	return strings.ToValidUTF8(text, "")
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = ""
	return u.String() + "?<redacted>"
}
