// Package ingest walks server history through the platform client and feeds
// it to the processing pipeline in bounded, resumable chunks.
package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/guildseer/guildseer/metrics"
	"github.com/guildseer/guildseer/pipeline"
	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/ratelimit"
)

const (
	defaultPerChannel  = 1000
	defaultConcurrency = 5
	defaultChunkSize   = 1000
	defaultPageSize    = 100
)

// HistorySource is the slice of the platform client the engine reads from.
type HistorySource interface {
	ListChannels(ctx context.Context, serverID string) ([]platform.Channel, error)
	FetchMessages(ctx context.Context, channel platform.Channel, limit int, after time.Time) ([]platform.Message, error)
	SubscribeEvents(handler platform.EventHandler) (func(), error)
}

// Processor is the pipeline surface the engine hands batches to.
type Processor interface {
	Process(ctx context.Context, msgs []platform.Message, done chan<- pipeline.BatchResult)
}

// Config tunes the engine. Zero values take the defaults above.
type Config struct {
	// PerChannel caps how many messages one sync fetches per channel.
	PerChannel int
	// Concurrency bounds parallel channel fetches within a server.
	Concurrency int
	// ChunkSize is the batch size handed to the pipeline.
	ChunkSize int
	// PageSize is the per-request fetch size, capped by the platform.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.PerChannel <= 0 {
		c.PerChannel = defaultPerChannel
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	return c
}

// RunStats summarizes one server sync.
type RunStats struct {
	RunID    string
	ServerID string
	Channels int
	Fetched  int
	Stored   int
	Skipped  int
	Failed   int
	Elapsed  time.Duration
}

// Engine fetches server history and streams it through the pipeline. All
// platform reads go through the rate governor.
type Engine struct {
	source   HistorySource
	governor *ratelimit.Governor
	proc     Processor
	resumer  *Resumer
	metrics  *metrics.Metrics
	cfg      Config
}

func NewEngine(source HistorySource, governor *ratelimit.Governor, proc Processor, resumer *Resumer, m *metrics.Metrics, cfg Config) *Engine {
	return &Engine{
		source:   source,
		governor: governor,
		proc:     proc,
		resumer:  resumer,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// SyncServer runs the cold-start algorithm for one server: derive the
// resumption status, fetch full history or only the tail, and feed the
// pipeline chunk by chunk, blocking on each chunk's completion event.
func (e *Engine) SyncServer(ctx context.Context, serverID string) (RunStats, error) {
	stats := RunStats{RunID: uuid.NewString(), ServerID: serverID}
	start := time.Now()

	channels, err := e.listChannels(ctx, serverID)
	if err != nil {
		return stats, err
	}
	stats.Channels = len(channels)

	status := e.resumer.Status(ctx, serverID)
	slog.Info("server sync starting",
		"run_id", stats.RunID, "server_id", serverID,
		"channels", len(channels), "status", status.Kind.String())

	var msgs []platform.Message
	switch status.Kind {
	case StatusUpToDate:
		return stats, nil
	case StatusResumable:
		msgs = e.FetchAfter(ctx, channels, status.Since)
	default:
		msgs = e.FetchFullHistory(ctx, channels)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	stats.Fetched = len(msgs)
	e.metrics.RecordFetched(serverID, len(msgs))

	for offset := 0; offset < len(msgs); offset += e.cfg.ChunkSize {
		end := offset + e.cfg.ChunkSize
		if end > len(msgs) {
			end = len(msgs)
		}

		done := make(chan pipeline.BatchResult, 1)
		e.proc.Process(ctx, msgs[offset:end], done)
		result := <-done

		stats.Stored += result.Stored
		stats.Skipped += result.Skipped
		stats.Failed += result.Failed
		if result.Err != nil {
			stats.Elapsed = time.Since(start)
			return stats, result.Err
		}
	}

	e.resumer.MarkSynced(serverID)
	stats.Elapsed = time.Since(start)
	slog.Info("server sync complete",
		"run_id", stats.RunID, "server_id", serverID,
		"fetched", stats.Fetched, "stored", stats.Stored,
		"skipped", stats.Skipped, "failed", stats.Failed,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

// FetchFullHistory fetches up to PerChannel messages from every channel,
// fanned out Concurrency wide, and returns one batch ordered by
// (server, timestamp). Failing channels are logged and skipped.
func (e *Engine) FetchFullHistory(ctx context.Context, channels []platform.Channel) []platform.Message {
	return e.fetchChannels(ctx, channels, time.Time{})
}

// FetchAfter behaves like FetchFullHistory but only returns messages
// strictly newer than after.
func (e *Engine) FetchAfter(ctx context.Context, channels []platform.Channel, after time.Time) []platform.Message {
	return e.fetchChannels(ctx, channels, after)
}

// StreamLive subscribes handler to the gateway. The returned function
// removes the subscription.
func (e *Engine) StreamLive(handler platform.EventHandler) (func(), error) {
	return e.source.SubscribeEvents(handler)
}

func (e *Engine) listChannels(ctx context.Context, serverID string) ([]platform.Channel, error) {
	var channels []platform.Channel
	err := e.governor.Execute(ctx, func() error {
		var ferr error
		channels, ferr = e.source.ListChannels(ctx, serverID)
		return ferr
	})
	return channels, err
}

func (e *Engine) fetchChannels(ctx context.Context, channels []platform.Channel, after time.Time) []platform.Message {
	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []platform.Message

	for _, ch := range channels {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ch platform.Channel) {
			defer wg.Done()
			defer sem.Release(1)

			msgs, err := e.fetchChannel(ctx, ch, after)
			if err != nil {
				// Missing permissions and deleted channels are routine;
				// partial pages before the failure are still kept.
				slog.Warn("channel fetch failed, skipping remainder",
					"channel_id", ch.ID, "channel", ch.Name, "error", err)
			}
			if len(msgs) == 0 {
				return
			}
			mu.Lock()
			all = append(all, msgs...)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ServerID != all[j].ServerID {
			return all[i].ServerID < all[j].ServerID
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

// fetchChannel paginates one channel oldest-first, advancing the cursor to
// the last returned timestamp, up to the PerChannel cap.
func (e *Engine) fetchChannel(ctx context.Context, ch platform.Channel, after time.Time) ([]platform.Message, error) {
	var out []platform.Message
	cursor := after

	for len(out) < e.cfg.PerChannel {
		limit := e.cfg.PageSize
		if remaining := e.cfg.PerChannel - len(out); remaining < limit {
			limit = remaining
		}

		var page []platform.Message
		err := e.governor.Execute(ctx, func() error {
			var ferr error
			page, ferr = e.source.FetchMessages(ctx, ch, limit, cursor)
			return ferr
		})
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}

		out = append(out, page...)
		cursor = page[len(page)-1].Timestamp
		if len(page) < limit {
			break
		}
	}
	return out, nil
}
