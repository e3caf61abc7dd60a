package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/guildseer/guildseer/store"
)

func (db *DB) CreateConversationTurn(ctx context.Context, create *store.ConversationTurn) (*store.ConversationTurn, error) {
	query := `
		INSERT INTO conversation_turns (user_id, server_id, role, content, session_tag, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	if err := db.db.QueryRowContext(ctx, query,
		create.UserID,
		create.ServerID,
		create.Role,
		create.Content,
		create.SessionTag,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create conversation turn: %w", err)
	}
	return create, nil
}

func (db *DB) ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	query := `
		SELECT id, user_id, server_id, role, content, session_tag, created_ts
		FROM conversation_turns
		WHERE user_id = $1 AND server_id = $2
	`
	args := []interface{}{find.UserID, find.ServerID}
	argIndex := 3

	if since := find.SinceTs(time.Now()); since > 0 {
		query += fmt.Sprintf(" AND created_ts >= $%d", argIndex)
		args = append(args, since)
		argIndex++
	}
	for _, term := range find.Terms {
		query += fmt.Sprintf(" AND content ILIKE '%%' || $%d || '%%'", argIndex)
		args = append(args, term)
		argIndex++
	}

	query += " ORDER BY created_ts DESC, id DESC"

	if find.Limit != nil && *find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, *find.Limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation turns: %w", err)
	}
	defer rows.Close()

	turns := []*store.ConversationTurn{}
	for rows.Next() {
		var turn store.ConversationTurn
		if err := rows.Scan(
			&turn.ID,
			&turn.UserID,
			&turn.ServerID,
			&turn.Role,
			&turn.Content,
			&turn.SessionTag,
			&turn.CreatedTs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

func (db *DB) DeleteConversationTurns(ctx context.Context, delete *store.DeleteConversationTurn) (int64, error) {
	result, err := db.db.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE user_id = $1 AND server_id = $2`,
		delete.UserID, delete.ServerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation turns: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted conversation turns: %w", err)
	}
	return affected, nil
}
