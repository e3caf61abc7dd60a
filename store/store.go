package store

import (
	"context"
	"sync"

	"github.com/guildseer/guildseer/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// In-memory server registry, populated by LoadServerConfigs at startup
	// and kept current by the write paths.
	configMu sync.RWMutex
	configs  map[string]*ServerConfig
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		configs: make(map[string]*ServerConfig),
	}
}

// Migrate applies the driver's embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}
