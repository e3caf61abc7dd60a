package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/internal/lru"
)

const (
	summaryTemperature = 0.2
	summaryCacheSize   = 512
	summaryCacheTTL    = 24 * time.Hour

	summarySystemPrompt = "You summarize web pages for a message archive. " +
		"Given page text, state what the page is about and its key facts in at most three sentences. " +
		"Respond with the summary only."
)

// WebFetcher fetches a URL and returns cleaned page text.
type WebFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// ChatService is the text-model surface the extractor needs.
type ChatService interface {
	Chat(ctx context.Context, messages []llm.Message, opts ...llm.Option) (string, *llm.CallStats, error)
}

// Extraction is what the extractor finds in one message's text.
type Extraction struct {
	URLs            []string
	UserMentions    []string
	ChannelMentions []string
	// LinkSummaries maps each URL to its summary; failed URLs map to "".
	LinkSummaries map[string]string
}

// Extractor finds URLs and mention tokens in message text and summarizes
// linked pages through the web fetcher and the text model.
type Extractor struct {
	fetcher   WebFetcher
	chat      ChatService
	maxTokens int

	// Successful summaries are cached so re-ingested batches do not refetch
	// the same pages.
	cache *lru.Cache[string, string]
}

// NewExtractor creates an extractor. maxTokens caps each summary response.
func NewExtractor(fetcher WebFetcher, chat ChatService, maxTokens int) *Extractor {
	if maxTokens <= 0 {
		maxTokens = 600
	}
	return &Extractor{
		fetcher:   fetcher,
		chat:      chat,
		maxTokens: maxTokens,
		cache:     lru.New[string, string](summaryCacheSize, summaryCacheTTL),
	}
}

// Extract scans text for URLs and mentions and summarizes each distinct URL.
// URLs keep first-occurrence order. A failed fetch or summary yields an
// empty summary for that URL; extraction never fails the message.
func (e *Extractor) Extract(ctx context.Context, text string) Extraction {
	ex := Extraction{
		URLs:            dedupe(urlRegexp.FindAllString(text, -1)),
		UserMentions:    dedupe(captures(userMentionRegexp, text)),
		ChannelMentions: dedupe(captures(chanMentionRegexp, text)),
		LinkSummaries:   map[string]string{},
	}

	for _, url := range ex.URLs {
		ex.LinkSummaries[url] = e.summarize(ctx, url)
	}
	return ex
}

func (e *Extractor) summarize(ctx context.Context, url string) string {
	if summary, ok := e.cache.Get(url); ok {
		return summary
	}

	page, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		slog.Warn("link fetch failed", "url", url, "error", err)
		return ""
	}
	if page == "" {
		return ""
	}

	summary, _, err := e.chat.Chat(ctx,
		[]llm.Message{
			llm.SystemPrompt(summarySystemPrompt),
			llm.UserMessage(page),
		},
		llm.WithMaxTokens(e.maxTokens),
		llm.WithTemperature(summaryTemperature),
	)
	if err != nil {
		slog.Warn("link summary failed", "url", url, "error", err)
		return ""
	}

	if summary != "" {
		e.cache.Set(url, summary, 0)
	}
	return summary
}

// dedupe removes duplicates preserving first occurrence.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// captures returns the first capture group of every match.
func captures(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
