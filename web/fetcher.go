// Package web fetches URLs found in messages and reduces them to cleaned
// text suitable for summarization.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultMaxBody   = 2 << 20 // 2 MB of raw response
	defaultMaxText   = 8000    // characters of cleaned text handed to the summarizer
	defaultUserAgent = "guildseer/1.0 (+https://github.com/guildseer/guildseer)"
)

// Fetcher retrieves pages with an outbound politeness throttle so a burst of
// link-heavy messages does not hammer external sites.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxBody   int64
	maxText   int
	userAgent string
}

// NewFetcher creates a fetcher allowing rps outbound requests per second.
func NewFetcher(rps float64) *Fetcher {
	if rps <= 0 {
		rps = 2
	}
	return &Fetcher{
		client:    &http.Client{Timeout: defaultTimeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		maxBody:   defaultMaxBody,
		maxText:   defaultMaxText,
		userAgent: defaultUserAgent,
	}
}

// Fetch retrieves rawURL and returns its cleaned text. The context deadline
// bounds the whole operation including the throttle wait.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("unsupported url %q", rawURL)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", rawURL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}

	var text string
	if strings.Contains(contentType, "text/html") {
		text = ExtractText(string(body))
	} else {
		text = collapseWhitespace(string(body))
	}

	if len(text) > f.maxText {
		text = text[:f.maxText]
	}
	return text, nil
}

// skipTags are elements whose text content is never page prose.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"iframe":   true,
	"svg":      true,
	"template": true,
}

// ExtractText strips markup from an HTML document and returns its visible
// text with normalized whitespace.
func ExtractText(page string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(page))

	var b strings.Builder
	skipDepth := 0
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return collapseWhitespace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skipTags[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipTags[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
