package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate applies the embedded schema. Idempotent.
	Migrate(ctx context.Context) error

	// ServerConfig model related methods.
	UpsertServerConfig(ctx context.Context, upsert *UpsertServerConfig) (*ServerConfig, error)
	ListServerConfigs(ctx context.Context, find *FindServerConfig) ([]*ServerConfig, error)
	DeleteServerConfig(ctx context.Context, serverID string) error

	// ConversationTurn model related methods.
	CreateConversationTurn(ctx context.Context, create *ConversationTurn) (*ConversationTurn, error)
	ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error)
	DeleteConversationTurns(ctx context.Context, delete *DeleteConversationTurn) (int64, error)
}
