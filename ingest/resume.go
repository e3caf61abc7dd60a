package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildseer/guildseer/vectorstore"
)

// StatusKind classifies how much of a server's history is already indexed.
type StatusKind int

const (
	// StatusNone means no collection exists yet.
	StatusNone StatusKind = iota
	// StatusNeedsFull means the collection exists but cannot be trusted as a
	// checkpoint (empty, or its state could not be read).
	StatusNeedsFull
	// StatusResumable means indexing can continue from Status.Since.
	StatusResumable
	// StatusUpToDate means this process already synced the server.
	StatusUpToDate
)

func (k StatusKind) String() string {
	switch k {
	case StatusNone:
		return "none"
	case StatusNeedsFull:
		return "needs_full"
	case StatusResumable:
		return "resumable"
	case StatusUpToDate:
		return "up_to_date"
	default:
		return "unknown"
	}
}

// Status is a server's resumption checkpoint, derived from its collection.
type Status struct {
	Kind StatusKind
	// Since is the newest stored timestamp, set when Kind is StatusResumable.
	Since time.Time
	Count int64
}

// CollectionStater is the vector store surface the resumer reads.
type CollectionStater interface {
	Stat(ctx context.Context, serverID string) (vectorstore.Stat, error)
}

// Resumer derives per-server resumption status from the vector store. The
// collection is the only durable checkpoint; a small in-process cache marks
// servers this process has already synced so live-stream churn does not
// trigger repeated stat reads.
type Resumer struct {
	stats CollectionStater

	mu     sync.Mutex
	synced map[string]bool
}

func NewResumer(stats CollectionStater) *Resumer {
	return &Resumer{
		stats:  stats,
		synced: make(map[string]bool),
	}
}

// Status reports how to start indexing serverID. It never fails: any error
// reading the collection degrades to StatusNeedsFull, the safe default.
func (r *Resumer) Status(ctx context.Context, serverID string) Status {
	r.mu.Lock()
	done := r.synced[serverID]
	r.mu.Unlock()
	if done {
		return Status{Kind: StatusUpToDate}
	}

	stat, err := r.stats.Stat(ctx, serverID)
	if err != nil {
		slog.Warn("resumption status unavailable, falling back to full fetch",
			"server_id", serverID, "error", err)
		return Status{Kind: StatusNeedsFull}
	}

	switch {
	case !stat.Exists:
		return Status{Kind: StatusNone}
	case stat.Count == 0 || stat.MaxTimestamp.IsZero():
		return Status{Kind: StatusNeedsFull}
	default:
		return Status{Kind: StatusResumable, Since: stat.MaxTimestamp, Count: stat.Count}
	}
}

// MarkSynced records that serverID finished a sync in this process.
func (r *Resumer) MarkSynced(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced[serverID] = true
}

// Invalidate clears the in-process mark, after a purge or a config change.
func (r *Resumer) Invalidate(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.synced, serverID)
}
