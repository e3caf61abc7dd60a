// Package server wires the platform client, stores, models, indexing
// pipeline and DM bot into one supervised process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guildseer/guildseer/ai/embedding"
	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/ai/models"
	"github.com/guildseer/guildseer/bot"
	"github.com/guildseer/guildseer/ingest"
	"github.com/guildseer/guildseer/internal/profile"
	"github.com/guildseer/guildseer/metrics"
	"github.com/guildseer/guildseer/pipeline"
	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/platform/discord"
	"github.com/guildseer/guildseer/ratelimit"
	"github.com/guildseer/guildseer/store"
	"github.com/guildseer/guildseer/vectorstore"
	"github.com/guildseer/guildseer/web"
)

// DrainTimeout bounds graceful shutdown.
const DrainTimeout = 30 * time.Second

// Startup failures map to distinct process exit codes.
var (
	ErrModelWarmup   = errors.New("model warm-up failed")
	ErrPlatformLogin = errors.New("platform login failed")
	ErrStorageInit   = errors.New("storage init failed")
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	profile  *profile.Profile
	store    *store.Store
	client   platform.Client
	registry *embedding.Registry
	vectors  *vectorstore.Store
	models   *models.Manager
	governor *ratelimit.Governor
	metrics  *metrics.Metrics

	pipe    *pipeline.Pipeline
	engine  *ingest.Engine
	resumer *ingest.Resumer

	queue  *bot.Queue
	worker *bot.Worker
	router *bot.Router

	ops *opsServer

	liveCh       chan platform.Message
	liveStop     chan struct{}
	liveStopOnce sync.Once

	// runCtx outlives Start's ctx; it is cancelled at the very end of
	// Shutdown so in-flight batches can flush first.
	runCtx     context.Context
	cancelRun  context.CancelFunc
	cancelSync context.CancelFunc
	cancelWork context.CancelFunc

	liveWG sync.WaitGroup
	syncWG sync.WaitGroup
	workWG sync.WaitGroup

	alive       atomic.Bool
	unsubscribe func()
}

// New assembles a server from the profile: a Discord client, two model
// services and the embedder registry, all on the OpenAI-compatible endpoint.
func New(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	client, err := discord.New(p.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformLogin, err)
	}
	text, err := llm.NewService(&llm.Config{
		Model:   p.TextModel,
		APIKey:  p.LLMAPIKey,
		BaseURL: p.LLMBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: text model: %v", ErrModelWarmup, err)
	}
	vision, err := llm.NewService(&llm.Config{
		Model:   p.VisionModel,
		APIKey:  p.LLMAPIKey,
		BaseURL: p.LLMBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vision model: %v", ErrModelWarmup, err)
	}
	registry := embedding.NewRegistryFromConfig(p.LLMBaseURL, p.LLMAPIKey)
	return newServer(p, st, client, text, vision, registry)
}

// newServer finishes assembly from explicit boundaries so tests can inject
// fakes for the platform and the models.
func newServer(p *profile.Profile, st *store.Store, client platform.Client, text, vision llm.Service, registry *embedding.Registry) (*Server, error) {
	m := metrics.New()
	s := &Server{
		profile:  p,
		store:    st,
		client:   client,
		registry: registry,
		metrics:  m,
		liveCh:   make(chan platform.Message, liveBuffer),
		liveStop: make(chan struct{}),
	}
	s.models = models.NewManager(text, vision)
	s.governor = ratelimit.NewGovernor(p.RateRPS, p.RateBurst)
	s.vectors = vectorstore.New(p.DatabasesDir(), registry, st, p.EmbeddingModel)
	s.resumer = ingest.NewResumer(s.vectors)

	extractor := pipeline.NewExtractor(web.NewFetcher(0), text, p.SummaryMaxTokens)
	describer := pipeline.NewVisionDescriber(vision)
	s.pipe = pipeline.New(s.vectors, extractor, describer, st, m)

	s.engine = ingest.NewEngine(client, s.governor, s.pipe, s.resumer, m, ingest.Config{
		Concurrency: p.ConcurrentChannels,
		ChunkSize:   p.MessagesPerFetch,
	})

	s.queue = bot.NewQueue(p.QueueCapacity, m)
	searchFor := func(serverID string) bot.Searcher {
		return bot.NewSearchTool(s.vectors, serverID)
	}
	s.worker = bot.NewWorker(s.queue, client, text, searchFor, st, m, bot.WorkerConfig{
		RequestTimeout:    p.RequestTimeout(),
		MaxToolIterations: p.MaxToolIterations,
		AnswerMaxChars:    p.AnswerMaxChars,
		ModelName:         text.ModelName(),
	})

	if p.MetricsAddr != "" {
		s.ops = newOpsServer(p.MetricsAddr, m, s)
	}
	return s, nil
}

// Start brings the process up in dependency order: configs, models, gateway,
// then the worker, the live feed and the initial history sync. It returns
// once everything is running; the history sync continues in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.LoadServerConfigs(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	if err := s.models.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrModelWarmup, err)
	}
	if err := s.client.Open(ctx); err != nil {
		s.models.Stop()
		return fmt.Errorf("%w: %v", ErrPlatformLogin, err)
	}
	s.registry.Preload(ctx, s.profile.EmbeddingModel)

	s.router = bot.NewRouter(s.queue, s.client, s.client, s.store, s.store, s, bot.RouterConfig{
		CommandPrefix: s.profile.CommandPrefix,
		BotUserID:     s.client.BotUserID(),
	})

	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	var workCtx, syncCtx context.Context
	workCtx, s.cancelWork = context.WithCancel(s.runCtx)
	syncCtx, s.cancelSync = context.WithCancel(s.runCtx)

	s.workWG.Add(1)
	go func() {
		defer s.workWG.Done()
		s.worker.Run(workCtx)
	}()

	unsubscribe, err := s.engine.StreamLive(s.handleEvent)
	if err != nil {
		s.cancelWork()
		s.queue.Close()
		s.workWG.Wait()
		s.models.Stop()
		s.cancelRun()
		return fmt.Errorf("%w: event subscription: %v", ErrPlatformLogin, err)
	}
	s.unsubscribe = unsubscribe

	s.liveWG.Add(1)
	go func() {
		defer s.liveWG.Done()
		s.liveLoop()
	}()

	s.syncWG.Add(1)
	go func() {
		defer s.syncWG.Done()
		s.syncAll(syncCtx)
	}()

	if s.ops != nil {
		s.ops.Start()
	}
	s.alive.Store(true)
	slog.Info("server started",
		"version", s.profile.Version,
		"configured_servers", len(s.store.ConfiguredServerIDs()),
		"metrics_addr", s.profile.MetricsAddr,
	)
	return nil
}

// syncAll walks every configured server once, sequentially. Per-server
// failures are logged and do not block the remaining servers.
func (s *Server) syncAll(ctx context.Context) {
	for _, serverID := range s.store.ConfiguredServerIDs() {
		if ctx.Err() != nil {
			return
		}
		stats, err := s.engine.SyncServer(ctx, serverID)
		if err != nil {
			slog.Error("history sync failed",
				"server_id", serverID, "run_id", stats.RunID, "error", err)
		}
	}
}

// Shutdown drains in the reverse of startup order: stop the live feed and
// the history sync, fail the queue, then release the models, the ops
// endpoint and the stores. ctx bounds each drain step.
func (s *Server) Shutdown(ctx context.Context) {
	slog.Info("shutting down")
	s.alive.Store(false)

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancelSync != nil {
		s.cancelSync()
	}
	s.liveStopOnce.Do(func() { close(s.liveStop) })
	waitBounded(ctx, &s.liveWG, "live pipeline")
	waitBounded(ctx, &s.syncWG, "history sync")

	s.queue.Close()
	if s.cancelWork != nil {
		s.cancelWork()
	}
	waitBounded(ctx, &s.workWG, "conversation worker")
	for _, req := range s.queue.Drain() {
		slog.Warn("request abandoned at shutdown",
			"request_id", req.ID, "user_id", req.UserID)
	}

	s.models.Stop()
	if s.ops != nil {
		s.ops.Shutdown(ctx)
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("platform close failed", "error", err)
	}
	if err := s.vectors.Close(); err != nil {
		slog.Warn("vector store close failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	slog.Info("shutdown complete")
}

func waitBounded(ctx context.Context, wg *sync.WaitGroup, component string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown drain timed out", "component", component)
	}
}
