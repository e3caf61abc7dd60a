package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/guildseer/guildseer/metrics"
	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/store"
	"github.com/guildseer/guildseer/vectorstore"
)

// RecordIDPrefix namespaces message-derived record ids inside a collection.
const RecordIDPrefix = "msg_"

// ErrPolicyStop reports that a stop-policy server hit a message failure and
// its group was aborted. The caller is expected to stop feeding batches.
var ErrPolicyStop = errors.New("server failure policy is stop")

// BatchResult is the single completion event of one Process call.
type BatchResult struct {
	Stored  int
	Skipped int
	Failed  int
	// Err is non-nil when a server group was aborted, by its stop policy or
	// by context cancellation.
	Err error
}

// VectorUpserter is the vector store surface the pipeline writes through.
type VectorUpserter interface {
	Upsert(ctx context.Context, serverID string, records []vectorstore.Record) error
}

// PolicyResolver reports the per-server failure policy.
type PolicyResolver interface {
	OnFailureFor(serverID string) store.OnFailurePolicy
}

// Pipeline enriches raw messages and stores them as searchable records.
type Pipeline struct {
	vectors   VectorUpserter
	extractor *Extractor
	vision    *VisionDescriber
	policies  PolicyResolver
	metrics   *metrics.Metrics
}

// New creates a pipeline. extractor, vision, policies and m may each be nil;
// the corresponding stage is then skipped (policy defaults to skip).
func New(vectors VectorUpserter, extractor *Extractor, vision *VisionDescriber, policies PolicyResolver, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		vectors:   vectors,
		extractor: extractor,
		vision:    vision,
		policies:  policies,
		metrics:   m,
	}
}

// Process runs one batch: group by server, sort each group oldest first,
// enrich and upsert message by message. Exactly one BatchResult is delivered
// on done (when non-nil), giving the caller batch-level backpressure.
//
// Within a server, records commit in timestamp order. Across servers no
// order is promised. A stop-policy failure aborts only its own server group.
func (p *Pipeline) Process(ctx context.Context, messages []platform.Message, done chan<- BatchResult) {
	start := time.Now()
	var result BatchResult
	var aborts []error

	for serverID, group := range groupByServer(messages) {
		stored, skipped, failed, err := p.processServer(ctx, serverID, group)
		result.Stored += stored
		result.Skipped += skipped
		result.Failed += failed
		if err != nil {
			aborts = append(aborts, err)
		}
		p.metrics.RecordBatch(serverID, stored, skipped, failed)
	}
	result.Err = errors.Join(aborts...)

	p.metrics.RecordBatchDuration(time.Since(start))
	slog.Info("pipeline batch done",
		"messages", len(messages),
		"stored", result.Stored,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if done != nil {
		done <- result
	}
}

func (p *Pipeline) processServer(ctx context.Context, serverID string, msgs []platform.Message) (stored, skipped, failed int, err error) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	policy := store.OnFailureSkip
	if p.policies != nil {
		policy = p.policies.OnFailureFor(serverID)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return stored, skipped, failed, ctx.Err()
		}

		outcome, perr := p.processMessage(ctx, serverID, msg)
		switch outcome {
		case outcomeStored:
			stored++
		case outcomeSkipped:
			skipped++
		case outcomeFailed:
			failed++
			slog.Warn("message processing failed",
				"server_id", serverID, "message_id", msg.ID, "error", perr)
			if policy == store.OnFailureStop {
				return stored, skipped, failed,
					fmt.Errorf("server %s aborted at message %s: %w", serverID, msg.ID, ErrPolicyStop)
			}
		}
	}
	return stored, skipped, failed, nil
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (p *Pipeline) processMessage(ctx context.Context, serverID string, msg platform.Message) (outcome, error) {
	c := Classify(msg)
	if c.IsEmpty {
		return outcomeSkipped, nil
	}

	meta, err := NormalizeMetadata(msg, c)
	if err != nil {
		slog.Warn("record dropped", "server_id", serverID, "message_id", msg.ID, "error", err)
		return outcomeSkipped, nil
	}

	var ex Extraction
	if (c.HasURLs || c.HasMentions) && p.extractor != nil {
		ex = p.extractor.Extract(ctx, msg.Content)
		for _, summary := range ex.LinkSummaries {
			if summary != "" {
				meta["has_link_summaries"] = "true"
				p.metrics.RecordLinkSummary()
			}
		}
	}

	var descriptions []string
	if c.HasImages && p.vision != nil {
		descriptions = p.vision.Describe(ctx, msg.Attachments)
		for range descriptions {
			p.metrics.RecordImageDescription()
		}
	}

	doc := buildDocument(msg, c, ex, descriptions)
	if doc == "" {
		return outcomeSkipped, nil
	}

	record := vectorstore.Record{
		ID:        RecordIDPrefix + msg.ID,
		Document:  doc,
		Metadata:  meta,
		Timestamp: msg.Timestamp,
	}
	if err := p.vectors.Upsert(ctx, serverID, []vectorstore.Record{record}); err != nil {
		return outcomeFailed, err
	}
	return outcomeStored, nil
}

// buildDocument joins message text, link summaries and image descriptions
// with blank lines. URL-only messages carry no text part, so their document
// is exactly the joined summaries. When enrichment produced nothing the raw
// content is the fallback; a still-empty document means nothing indexable.
func buildDocument(msg platform.Message, c Classification, ex Extraction, descriptions []string) string {
	var parts []string
	if c.HasText {
		parts = append(parts, strings.TrimSpace(msg.Content))
	}
	for _, url := range ex.URLs {
		if summary := ex.LinkSummaries[url]; summary != "" {
			parts = append(parts, summary)
		}
	}
	for _, desc := range descriptions {
		if desc != "" {
			parts = append(parts, desc)
		}
	}

	doc := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if doc == "" {
		doc = strings.TrimSpace(msg.Content)
	}
	return doc
}

// groupByServer buckets messages by server id. Direct messages never belong
// in the index and are dropped here if they slip through.
func groupByServer(messages []platform.Message) map[string][]platform.Message {
	groups := make(map[string][]platform.Message)
	for _, msg := range messages {
		if msg.IsDM() {
			slog.Warn("direct message reached the pipeline, dropped", "message_id", msg.ID)
			continue
		}
		groups[msg.ServerID] = append(groups[msg.ServerID], msg)
	}
	return groups
}
