package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/guildseer/guildseer/store"
)

func (db *DB) UpsertServerConfig(ctx context.Context, upsert *store.UpsertServerConfig) (*store.ServerConfig, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO server_configs (server_id, on_failure, embedding_model, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id) DO UPDATE SET
			on_failure = EXCLUDED.on_failure,
			embedding_model = EXCLUDED.embedding_model,
			updated_ts = EXCLUDED.updated_ts
		RETURNING server_id, on_failure, embedding_model, created_ts, updated_ts
	`
	var config store.ServerConfig
	var embeddingModel sql.NullString
	err := db.db.QueryRowContext(ctx, query,
		upsert.ServerID,
		upsert.OnFailure,
		upsert.EmbeddingModel,
		now,
		now,
	).Scan(
		&config.ServerID,
		&config.OnFailure,
		&embeddingModel,
		&config.CreatedTs,
		&config.UpdatedTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert server config: %w", err)
	}
	if embeddingModel.Valid {
		config.EmbeddingModel = &embeddingModel.String
	}
	return &config, nil
}

func (db *DB) ListServerConfigs(ctx context.Context, find *store.FindServerConfig) ([]*store.ServerConfig, error) {
	query := `
		SELECT server_id, on_failure, embedding_model, created_ts, updated_ts
		FROM server_configs
		WHERE 1=1
	`
	var args []interface{}
	argIndex := 1

	if find.ServerID != nil {
		query += fmt.Sprintf(" AND server_id = $%d", argIndex)
		args = append(args, *find.ServerID)
		argIndex++
	}
	query += " ORDER BY created_ts ASC"

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list server configs: %w", err)
	}
	defer rows.Close()

	configs := []*store.ServerConfig{}
	for rows.Next() {
		var config store.ServerConfig
		var embeddingModel sql.NullString
		if err := rows.Scan(
			&config.ServerID,
			&config.OnFailure,
			&embeddingModel,
			&config.CreatedTs,
			&config.UpdatedTs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan server config: %w", err)
		}
		if embeddingModel.Valid {
			config.EmbeddingModel = &embeddingModel.String
		}
		configs = append(configs, &config)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}

func (db *DB) DeleteServerConfig(ctx context.Context, serverID string) error {
	if _, err := db.db.ExecContext(ctx, `DELETE FROM server_configs WHERE server_id = $1`, serverID); err != nil {
		return fmt.Errorf("failed to delete server config: %w", err)
	}
	return nil
}
