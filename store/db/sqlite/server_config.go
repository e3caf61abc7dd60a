package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/guildseer/guildseer/store"
)

// UpsertServerConfig inserts or updates a server config.
func (d *DB) UpsertServerConfig(ctx context.Context, upsert *store.UpsertServerConfig) (*store.ServerConfig, error) {
	now := time.Now().Unix()
	stmt := `
		INSERT INTO server_configs (server_id, on_failure, embedding_model, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			on_failure = excluded.on_failure,
			embedding_model = excluded.embedding_model,
			updated_ts = excluded.updated_ts
		RETURNING server_id, on_failure, embedding_model, created_ts, updated_ts
	`
	var config store.ServerConfig
	var embeddingModel sql.NullString
	err := d.db.QueryRowContext(ctx, stmt,
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
		return nil, errors.Wrap(err, "failed to upsert server config")
	}
	if embeddingModel.Valid {
		config.EmbeddingModel = &embeddingModel.String
	}
	return &config, nil
}

// ListServerConfigs lists server configs.
func (d *DB) ListServerConfigs(ctx context.Context, find *store.FindServerConfig) ([]*store.ServerConfig, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ServerID != nil {
		where, args = append(where, "server_id = ?"), append(args, *find.ServerID)
	}

	query := `SELECT server_id, on_failure, embedding_model, created_ts, updated_ts
		FROM server_configs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list server configs")
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
			return nil, errors.Wrap(err, "failed to scan server config")
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

// DeleteServerConfig deletes a server config.
func (d *DB) DeleteServerConfig(ctx context.Context, serverID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM server_configs WHERE server_id = ?`, serverID); err != nil {
		return errors.Wrap(err, "failed to delete server config")
	}
	return nil
}
