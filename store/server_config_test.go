package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildseer/guildseer/internal/profile"
)

// mockDriver is an in-memory Driver so facade behavior can be tested without
// a database.
type mockDriver struct {
	mu      sync.Mutex
	configs map[string]*ServerConfig
	turns   []*ConversationTurn
	nextID  int64
}

func newMockDriver() *mockDriver {
	return &mockDriver{configs: make(map[string]*ServerConfig), nextID: 1}
}

func (m *mockDriver) GetDB() *sql.DB                    { return nil }
func (m *mockDriver) Close() error                      { return nil }
func (m *mockDriver) Migrate(ctx context.Context) error { return nil }

func (m *mockDriver) UpsertServerConfig(ctx context.Context, upsert *UpsertServerConfig) (*ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	config := &ServerConfig{
		ServerID:       upsert.ServerID,
		OnFailure:      upsert.OnFailure,
		EmbeddingModel: upsert.EmbeddingModel,
		CreatedTs:      now,
		UpdatedTs:      now,
	}
	if existing, ok := m.configs[upsert.ServerID]; ok {
		config.CreatedTs = existing.CreatedTs
	}
	m.configs[upsert.ServerID] = config
	return config, nil
}

func (m *mockDriver) ListServerConfigs(ctx context.Context, find *FindServerConfig) ([]*ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := []*ServerConfig{}
	for _, config := range m.configs {
		if find.ServerID != nil && config.ServerID != *find.ServerID {
			continue
		}
		configs = append(configs, config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ServerID < configs[j].ServerID })
	return configs, nil
}

func (m *mockDriver) DeleteServerConfig(ctx context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, serverID)
	return nil
}

func (m *mockDriver) CreateConversationTurn(ctx context.Context, create *ConversationTurn) (*ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	create.ID = m.nextID
	m.nextID++
	m.turns = append(m.turns, create)
	return create, nil
}

func (m *mockDriver) ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := []*ConversationTurn{}
	for _, turn := range m.turns {
		if turn.UserID == find.UserID && turn.ServerID == find.ServerID {
			turns = append(turns, turn)
		}
	}
	return turns, nil
}

func (m *mockDriver) DeleteConversationTurns(ctx context.Context, delete *DeleteConversationTurn) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.turns[:0]
	var removed int64
	for _, turn := range m.turns {
		if turn.UserID == delete.UserID && turn.ServerID == delete.ServerID {
			removed++
			continue
		}
		kept = append(kept, turn)
	}
	m.turns = kept
	return removed, nil
}

func newTestStore(t *testing.T, onFailure string) (*Store, *mockDriver) {
	t.Helper()
	driver := newMockDriver()
	return New(driver, &profile.Profile{OnFailure: onFailure}), driver
}

func TestOnFailurePolicyValidate(t *testing.T) {
	assert.NoError(t, OnFailureSkip.Validate())
	assert.NoError(t, OnFailureStop.Validate())
	assert.Error(t, OnFailurePolicy("retry").Validate())
	assert.Error(t, OnFailurePolicy("").Validate())
}

func TestServerConfigRegistry(t *testing.T) {
	s, driver := newTestStore(t, "skip")
	ctx := context.Background()

	driver.configs["srv1"] = &ServerConfig{ServerID: "srv1", OnFailure: OnFailureSkip}
	require.NoError(t, s.LoadServerConfigs(ctx))

	assert.True(t, s.IsConfigured("srv1"))
	assert.False(t, s.IsConfigured("srv2"), "servers outside the registry are not configured")

	_, err := s.UpsertServerConfig(ctx, &UpsertServerConfig{ServerID: "srv2", OnFailure: OnFailureStop})
	require.NoError(t, err)
	assert.True(t, s.IsConfigured("srv2"), "upsert must refresh the registry")

	ids := s.ConfiguredServerIDs()
	sort.Strings(ids)
	assert.Equal(t, []string{"srv1", "srv2"}, ids)

	require.NoError(t, s.DeleteServerConfig(ctx, "srv1"))
	assert.False(t, s.IsConfigured("srv1"), "delete must drop the registry entry")
}

func TestUpsertServerConfigValidation(t *testing.T) {
	s, _ := newTestStore(t, "skip")
	ctx := context.Background()

	_, err := s.UpsertServerConfig(ctx, &UpsertServerConfig{})
	assert.Error(t, err, "server id is required")

	_, err = s.UpsertServerConfig(ctx, &UpsertServerConfig{ServerID: "srv1", OnFailure: "explode"})
	assert.Error(t, err)

	config, err := s.UpsertServerConfig(ctx, &UpsertServerConfig{ServerID: "srv1"})
	require.NoError(t, err)
	assert.Equal(t, OnFailureSkip, config.OnFailure, "policy defaults to skip")
}

func TestOnFailureFor(t *testing.T) {
	s, _ := newTestStore(t, "stop")
	ctx := context.Background()

	assert.Equal(t, OnFailureStop, s.OnFailureFor("unknown"), "unconfigured servers inherit the profile policy")

	_, err := s.UpsertServerConfig(ctx, &UpsertServerConfig{ServerID: "srv1", OnFailure: OnFailureSkip})
	require.NoError(t, err)
	assert.Equal(t, OnFailureSkip, s.OnFailureFor("srv1"), "per-server policy wins")
}

func TestEmbeddingModelFor(t *testing.T) {
	s, _ := newTestStore(t, "skip")
	ctx := context.Background()

	assert.Empty(t, s.EmbeddingModelFor(ctx, "srv1"), "no override means global default")

	model := "BAAI/bge-m3"
	_, err := s.UpsertServerConfig(ctx, &UpsertServerConfig{ServerID: "srv1", EmbeddingModel: &model})
	require.NoError(t, err)
	assert.Equal(t, model, s.EmbeddingModelFor(ctx, "srv1"))
}
