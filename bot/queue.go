// Package bot serves the direct-message surface: a bounded conversation
// queue, the tool-calling worker that answers questions from indexed
// history, and the command router.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guildseer/guildseer/metrics"
	"github.com/guildseer/guildseer/platform"
)

// DefaultQueueCapacity bounds how many requests may wait at once.
const DefaultQueueCapacity = 50

// RequestStatus is the lifecycle state of a conversation request.
type RequestStatus int

const (
	StatusQueued RequestStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

// Request is one user question moving through the queue. The queue owns it
// until a worker pops it; after that the worker owns it until terminal.
type Request struct {
	ID         string
	UserID     string
	ServerID   string
	ChannelID  string // DM channel the answer goes to
	Question   string
	SessionTag string
	EnqueuedAt time.Time
	Status     RequestStatus

	// StatusMsg is the progress message the router sent at enqueue time, so
	// the worker can edit it. Zero when sending it failed.
	StatusMsg platform.MessageHandle
}

// ErrQueueFull rejects a submit when the queue is at capacity.
var ErrQueueFull = errors.New("conversation queue is full")

// ErrQueueClosed aborts Pop when the queue shuts down.
var ErrQueueClosed = errors.New("conversation queue is closed")

// AlreadyActiveError rejects a second submit by a user who already has a
// request waiting or in flight. Position is 1-based; an in-flight request
// reports position 1.
type AlreadyActiveError struct {
	Position int
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("user already has an active request at position %d", e.Position)
}

// Queue is a FIFO of conversation requests with bounded capacity and at
// most one waiting-or-in-flight request per user.
type Queue struct {
	capacity int
	metrics  *metrics.Metrics

	mu       sync.Mutex
	items    []*Request
	active   map[string]*Request // user id -> waiting or in-flight request
	inflight int
	closed   bool

	wake     chan struct{}
	closedCh chan struct{}
}

func NewQueue(capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		metrics:  m,
		active:   make(map[string]*Request),
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Submit appends req, enforcing capacity and the one-per-user rule.
func (q *Queue) Submit(req *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, exists := q.active[req.UserID]; exists {
		pos := q.positionLocked(req.UserID)
		q.mu.Unlock()
		q.metrics.RecordQueueRejected("already_active")
		return &AlreadyActiveError{Position: pos}
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		q.metrics.RecordQueueRejected("full")
		return ErrQueueFull
	}

	req.Status = StatusQueued
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, req)
	q.active[req.UserID] = req
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.signal()
	return nil
}

// Pop removes and returns the head, blocking while the queue is empty. It
// returns ErrQueueClosed after Close, or ctx.Err() on cancellation. The
// user's slot stays taken until Complete.
func (q *Queue) Pop(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			req := q.items[0]
			q.items = q.items[1:]
			req.Status = StatusProcessing
			q.inflight++
			depth, inflight := len(q.items), q.inflight
			remaining := depth > 0
			q.mu.Unlock()

			q.metrics.SetQueueDepth(depth)
			q.metrics.SetQueueInflight(inflight)
			if remaining {
				q.signal()
			}
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.wake:
		case <-q.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete records req's terminal state and frees the user's slot.
func (q *Queue) Complete(req *Request, ok bool) {
	q.mu.Lock()
	delete(q.active, req.UserID)
	if req.Status == StatusProcessing {
		q.inflight--
	} else {
		// Completing a request that was never popped (shutdown drain).
		q.items = removeRequest(q.items, req)
	}
	if ok {
		req.Status = StatusCompleted
	} else {
		req.Status = StatusFailed
	}
	depth, inflight := len(q.items), q.inflight
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.metrics.SetQueueInflight(inflight)
}

// Position returns the 1-based FIFO position of the user's request. An
// in-flight request reports 1. ok is false when the user has no request.
func (q *Queue) Position(userID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.active[userID]; !exists {
		return 0, false
	}
	return q.positionLocked(userID), true
}

// Depth returns the number of waiting requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Inflight returns the number of popped, not yet completed requests.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Close stops the queue: waiting Pops return ErrQueueClosed and new submits
// are rejected. Waiting requests are left to the caller to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closedCh)
}

// Drain empties the waiting FIFO, returning the abandoned requests so the
// caller can notify their users.
func (q *Queue) Drain() []*Request {
	q.mu.Lock()
	items := q.items
	q.items = nil
	for _, req := range items {
		delete(q.active, req.UserID)
		req.Status = StatusFailed
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	return items
}

func (q *Queue) positionLocked(userID string) int {
	for i, req := range q.items {
		if req.UserID == userID {
			return i + 1
		}
	}
	// Not waiting but active: the request is in flight.
	return 1
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func removeRequest(items []*Request, target *Request) []*Request {
	for i, req := range items {
		if req == target {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}
