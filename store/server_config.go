package store

import (
	"context"

	"github.com/pkg/errors"
)

// OnFailurePolicy controls how the pipeline reacts when a message in a
// server's batch fails.
type OnFailurePolicy string

const (
	// OnFailureSkip records the failure and continues with the next message.
	OnFailureSkip OnFailurePolicy = "skip"
	// OnFailureStop aborts the rest of the server's batch.
	OnFailureStop OnFailurePolicy = "stop"
)

// Validate checks that the policy is a known value.
func (p OnFailurePolicy) Validate() error {
	switch p {
	case OnFailureSkip, OnFailureStop:
		return nil
	}
	return errors.Errorf("unknown on-failure policy %q", string(p))
}

// ServerConfig represents one configured server. Only configured servers are
// ingested and searchable; setup writes these rows.
type ServerConfig struct {
	ServerID string
	// OnFailure is the per-server batch failure policy.
	OnFailure OnFailurePolicy
	// EmbeddingModel overrides the global default when non-nil.
	EmbeddingModel *string
	CreatedTs      int64
	UpdatedTs      int64
}

// FindServerConfig is the find condition for server configs.
type FindServerConfig struct {
	ServerID *string
}

// UpsertServerConfig is the upsert condition for a server config.
type UpsertServerConfig struct {
	ServerID       string
	OnFailure      OnFailurePolicy
	EmbeddingModel *string
}

// UpsertServerConfig inserts or updates a server config and refreshes the
// in-memory registry.
func (s *Store) UpsertServerConfig(ctx context.Context, upsert *UpsertServerConfig) (*ServerConfig, error) {
	if upsert.ServerID == "" {
		return nil, errors.New("server id is required")
	}
	if upsert.OnFailure == "" {
		upsert.OnFailure = OnFailureSkip
	}
	if err := upsert.OnFailure.Validate(); err != nil {
		return nil, err
	}

	config, err := s.driver.UpsertServerConfig(ctx, upsert)
	if err != nil {
		return nil, err
	}

	s.configMu.Lock()
	s.configs[config.ServerID] = config
	s.configMu.Unlock()
	return config, nil
}

// ListServerConfigs lists server configs.
func (s *Store) ListServerConfigs(ctx context.Context, find *FindServerConfig) ([]*ServerConfig, error) {
	return s.driver.ListServerConfigs(ctx, find)
}

// DeleteServerConfig deletes a server config and drops it from the registry.
func (s *Store) DeleteServerConfig(ctx context.Context, serverID string) error {
	if serverID == "" {
		return errors.New("server id is required")
	}
	if err := s.driver.DeleteServerConfig(ctx, serverID); err != nil {
		return err
	}

	s.configMu.Lock()
	delete(s.configs, serverID)
	s.configMu.Unlock()
	return nil
}

// LoadServerConfigs populates the in-memory registry. Called once at startup;
// ingress for servers absent from the registry is rejected until setup adds
// them.
func (s *Store) LoadServerConfigs(ctx context.Context) error {
	configs, err := s.driver.ListServerConfigs(ctx, &FindServerConfig{})
	if err != nil {
		return errors.Wrap(err, "failed to load server configs")
	}

	s.configMu.Lock()
	s.configs = make(map[string]*ServerConfig, len(configs))
	for _, config := range configs {
		s.configs[config.ServerID] = config
	}
	s.configMu.Unlock()

	return nil
}

// GetServerConfig returns the registry entry for a server, or nil when the
// server is not configured.
func (s *Store) GetServerConfig(serverID string) *ServerConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.configs[serverID]
}

// IsConfigured reports whether the server has a registry entry.
func (s *Store) IsConfigured(serverID string) bool {
	return s.GetServerConfig(serverID) != nil
}

// ConfiguredServerIDs returns the ids currently in the registry.
func (s *Store) ConfiguredServerIDs() []string {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	return ids
}

// OnFailureFor resolves the failure policy for a server, defaulting to skip.
func (s *Store) OnFailureFor(serverID string) OnFailurePolicy {
	if config := s.GetServerConfig(serverID); config != nil && config.OnFailure != "" {
		return config.OnFailure
	}
	if s.profile != nil && s.profile.OnFailure == string(OnFailureStop) {
		return OnFailureStop
	}
	return OnFailureSkip
}

// EmbeddingModelFor resolves the per-server embedding model override. An
// empty result means the global default applies. Satisfies the vector
// store's model resolver.
func (s *Store) EmbeddingModelFor(ctx context.Context, serverID string) string {
	if config := s.GetServerConfig(serverID); config != nil && config.EmbeddingModel != nil {
		return *config.EmbeddingModel
	}
	return ""
}
