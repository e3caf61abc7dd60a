// Package models manages the text and vision model pair: joint startup
// warm-up, residency keep-alive, and health probes.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guildseer/guildseer/ai/llm"
)

const (
	// idleRetention is how long the runtime is expected to keep an unused
	// model resident. The keep-alive ping fires well inside it.
	idleRetention     = 30 * time.Minute
	keepAliveInterval = 20 * time.Minute
)

// Manager holds the warmed text and vision services. State is immutable
// after Start; only the keep-alive goroutine runs afterwards.
type Manager struct {
	text   llm.Service
	vision llm.Service

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a manager over the two model services.
func NewManager(text, vision llm.Service) *Manager {
	return &Manager{
		text:   text,
		vision: vision,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start warms both models jointly and begins the keep-alive loop. A failure
// of either model fails startup; there is no degraded mode.
func (m *Manager) Start(ctx context.Context) error {
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.text.EnsureAvailable(gctx) })
	g.Go(func() error { return m.vision.EnsureAvailable(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("model warm-up: %w", err)
	}

	slog.Info("models warmed",
		"text_model", m.text.ModelName(),
		"vision_model", m.vision.ModelName(),
		"duration_ms", time.Since(started).Milliseconds(),
		"idle_retention", idleRetention,
	)

	m.running.Store(true)
	go m.keepAliveLoop()
	return nil
}

// Stop ends the keep-alive loop and waits for it to exit. Safe to call
// whether or not Start succeeded.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.running.Load() {
		<-m.done
	}
}

// Text returns the text model service.
func (m *Manager) Text() llm.Service {
	return m.text
}

// Vision returns the vision model service.
func (m *Manager) Vision() llm.Service {
	return m.vision
}

func (m *Manager) TextModelName() string {
	return m.text.ModelName()
}

func (m *Manager) VisionModelName() string {
	return m.vision.ModelName()
}

// HealthCheckBoth probes both models concurrently and returns per-model
// health with elapsed times.
func (m *Manager) HealthCheckBoth(ctx context.Context) []llm.Health {
	results := make([]llm.Health, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = m.text.HealthCheck(ctx)
	}()
	go func() {
		defer wg.Done()
		results[1] = m.vision.HealthCheck(ctx)
	}()
	wg.Wait()
	return results
}

// keepAliveLoop re-pings both models inside the idle retention window so the
// runtime never pages them out between quiet periods.
func (m *Manager) keepAliveLoop() {
	defer close(m.done)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			for _, svc := range []llm.Service{m.text, m.vision} {
				if err := svc.EnsureAvailable(ctx); err != nil {
					slog.Warn("model keep-alive ping failed", "model", svc.ModelName(), "error", err)
				}
			}
			cancel()
		}
	}
}
