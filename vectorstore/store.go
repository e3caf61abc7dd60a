// Package vectorstore persists processed message records in per-server
// sqlite collections rooted at databases/<serverID>/vectors/, with
// embeddings stored as float32 blobs and similarity ranked in Go.
package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/guildseer/guildseer/ai/embedding"
)

// ModelResolver reports the embedding model configured for a server; an
// empty result means the global default applies.
type ModelResolver interface {
	EmbeddingModelFor(ctx context.Context, serverID string) string
}

// ModelResolverFunc adapts a function to the ModelResolver interface.
type ModelResolverFunc func(ctx context.Context, serverID string) string

func (f ModelResolverFunc) EmbeddingModelFor(ctx context.Context, serverID string) string {
	return f(ctx, serverID)
}

// Stat summarizes a server collection for resumption decisions.
type Stat struct {
	Exists       bool
	Count        int64
	MaxTimestamp time.Time
}

// Store is the facade over per-server collections. It guarantees at most one
// live Collection per (serverID, embeddingModel) tuple.
type Store struct {
	root         string
	registry     *embedding.Registry
	resolver     ModelResolver
	defaultModel string

	mu          sync.Mutex
	collections map[string]*Collection
}

// New creates a vector store rooted at root (the databases directory).
func New(root string, registry *embedding.Registry, resolver ModelResolver, defaultModel string) *Store {
	return &Store{
		root:         root,
		registry:     registry,
		resolver:     resolver,
		defaultModel: defaultModel,
		collections:  make(map[string]*Collection),
	}
}

var unsafeModelChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// modelSlug turns an embedding model name into a filesystem-safe file stem.
func modelSlug(model string) string {
	slug := unsafeModelChars.ReplaceAllString(strings.ToLower(model), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "default"
	}
	return slug
}

func (s *Store) serverDir(serverID string) string {
	return filepath.Join(s.root, serverID, "vectors")
}

func (s *Store) collectionPath(serverID, model string) string {
	return filepath.Join(s.serverDir(serverID), modelSlug(model)+".db")
}

// resolveModel picks the embedding model for a server, falling back to the
// global default.
func (s *Store) resolveModel(ctx context.Context, serverID string) string {
	if s.resolver != nil {
		if model := s.resolver.EmbeddingModelFor(ctx, serverID); model != "" {
			return model
		}
	}
	return s.defaultModel
}

// GetCollection idempotently opens the server's collection with its
// configured embedder attached. If the configured embedder cannot be
// constructed the default is attached instead, with a warning; only a
// failure of the default itself fails the call.
func (s *Store) GetCollection(ctx context.Context, serverID string) (*Collection, error) {
	if serverID == "" {
		return nil, errors.New("server id is empty")
	}

	model := s.resolveModel(ctx, serverID)
	requestedKey := serverID + "|" + model

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[requestedKey]; ok {
		return c, nil
	}

	embedder, err := s.registry.Get(model)
	if err != nil && model != s.defaultModel {
		slog.Warn("configured embedder unavailable, using default",
			"server_id", serverID,
			"model", model,
			"default", s.defaultModel,
			"error", err,
		)
		model = s.defaultModel
		embedder, err = s.registry.Get(model)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "no usable embedder for server %s", serverID)
	}

	key := serverID + "|" + model
	if c, ok := s.collections[key]; ok {
		s.collections[requestedKey] = c
		return c, nil
	}

	if err := os.MkdirAll(s.serverDir(serverID), 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create collection directory for server %s", serverID)
	}

	c, err := openCollection(s.collectionPath(serverID, model), serverID, model, embedder)
	if err != nil {
		return nil, err
	}

	s.collections[key] = c
	s.collections[requestedKey] = c
	return c, nil
}

// Upsert stores records into the server's collection.
func (s *Store) Upsert(ctx context.Context, serverID string, records []Record) error {
	c, err := s.GetCollection(ctx, serverID)
	if err != nil {
		return err
	}
	return c.Upsert(ctx, records)
}

// Query runs a similarity search against the server's collection.
func (s *Store) Query(ctx context.Context, serverID, queryText string, limit int) ([]Hit, error) {
	c, err := s.GetCollection(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, queryText, limit)
}

// Stat reports the server collection's existence, record count and maximum
// timestamp without creating it.
func (s *Store) Stat(ctx context.Context, serverID string) (Stat, error) {
	model := s.resolveModel(ctx, serverID)
	if _, err := os.Stat(s.collectionPath(serverID, model)); err != nil {
		if os.IsNotExist(err) {
			return Stat{}, nil
		}
		return Stat{}, errors.Wrapf(err, "failed to stat collection for server %s", serverID)
	}

	c, err := s.GetCollection(ctx, serverID)
	if err != nil {
		return Stat{}, err
	}
	count, err := c.Count(ctx)
	if err != nil {
		return Stat{}, err
	}
	maxTs, err := c.MaxTimestamp(ctx)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Exists: true, Count: count, MaxTimestamp: maxTs}, nil
}

// Purge closes and deletes everything stored for a server, including its
// checkpoint.
func (s *Store) Purge(ctx context.Context, serverID string) error {
	s.mu.Lock()
	for key, c := range s.collections {
		if strings.HasPrefix(key, serverID+"|") {
			_ = c.Close()
			delete(s.collections, key)
		}
	}
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, serverID)); err != nil {
		return errors.Wrapf(err, "failed to purge collections for server %s", serverID)
	}
	slog.Info("server collection purged", "server_id", serverID)
	return nil
}

// Close releases all open collections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[*Collection]bool)
	var firstErr error
	for _, c := range s.collections {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.collections = make(map[string]*Collection)
	return firstErr
}
