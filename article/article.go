// Package article fetches a web article and reduces it to the text a reader
// would study, so it can be summarized or mined for vocabulary.
package article

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Defaults for fetching.
const (
	DefaultTimeout   = 20 * time.Second
	DefaultMaxSize   = 5 * 1024 * 1024
	DefaultMaxRunes  = 20000
	DefaultUserAgent = "lexitask/1.0 (+article-reader)"
	maxRedirects     = 5
)

// Article is the readable content of a page.
type Article struct {
	URL   string
	Title string
	// Lang is the page's declared language, reduced to its primary subtag.
	Lang string
	// Text is the main content as markdown.
	Text string
	// Truncated reports that Text was cut to the rune limit.
	Truncated bool
}

// Extractor fetches and converts articles.
type Extractor struct {
	client    *http.Client
	converter *Converter
	userAgent string
	maxSize   int64
	maxRunes  int
	logger    *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) {
		e.client = c
	}
}

// WithMaxSize limits the response body in bytes.
func WithMaxSize(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// WithMaxRunes limits the extracted text. Zero or less disables the limit.
func WithMaxRunes(n int) Option {
	return func(e *Extractor) {
		e.maxRunes = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(e *Extractor) {
		e.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor creates an extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		converter: NewConverter(),
		userAgent: DefaultUserAgent,
		maxSize:   DefaultMaxSize,
		maxRunes:  DefaultMaxRunes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				return validateURL(req.URL)
			},
		}
	}
	return e
}

// Extract fetches rawURL and returns its article content.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*Article, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if err := validateURL(u); err != nil {
		return nil, err
	}

	body, err := e.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}

	a, err := e.FromHTML(body)
	if err != nil {
		return nil, err
	}
	a.URL = u.String()

	e.logger.Debug("Extracted article",
		"url", a.URL,
		"title", a.Title,
		"lang", a.Lang,
		"runes", utf8.RuneCountInString(a.Text),
		"truncated", a.Truncated)
	return a, nil
}

// FromHTML converts an already fetched page.
func (e *Extractor) FromHTML(content []byte) (*Article, error) {
	a, err := e.converter.Convert(content)
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	if strings.TrimSpace(a.Text) == "" {
		return nil, fmt.Errorf("no readable text found")
	}
	a.Text, a.Truncated = truncateRunes(a.Text, e.maxRunes)
	return a, nil
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
			return nil, fmt.Errorf("unsupported content type %s", mediaType)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > e.maxSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", e.maxSize)
	}
	return body, nil
}

func validateURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// truncateRunes cuts s to at most n runes, preferring the last paragraph break.
func truncateRunes(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	cut := string(runes[:n])
	if i := strings.LastIndex(cut, "\n\n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut), true
}
