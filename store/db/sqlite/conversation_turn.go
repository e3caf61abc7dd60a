package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/guildseer/guildseer/store"
)

// CreateConversationTurn appends a conversation turn.
func (d *DB) CreateConversationTurn(ctx context.Context, create *store.ConversationTurn) (*store.ConversationTurn, error) {
	stmt := `
		INSERT INTO conversation_turns (user_id, server_id, role, content, session_tag, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UserID,
		create.ServerID,
		create.Role,
		create.Content,
		create.SessionTag,
		create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation turn")
	}
	return create, nil
}

// ListConversationTurns lists turns for one (user, server) scope, newest
// first.
func (d *DB) ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	where := []string{"user_id = ?", "server_id = ?"}
	args := []any{find.UserID, find.ServerID}

	if since := find.SinceTs(time.Now()); since > 0 {
		where, args = append(where, "created_ts >= ?"), append(args, since)
	}
	for _, term := range find.Terms {
		where, args = append(where, "content LIKE '%' || ? || '%'"), append(args, term)
	}

	query := `SELECT id, user_id, server_id, role, content, session_tag, created_ts
		FROM conversation_turns
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC, id DESC`

	if find.Limit != nil && *find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversation turns")
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
			return nil, errors.Wrap(err, "failed to scan conversation turn")
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

// DeleteConversationTurns removes the turns of one (user, server) scope.
func (d *DB) DeleteConversationTurns(ctx context.Context, delete *store.DeleteConversationTurn) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE user_id = ? AND server_id = ?`,
		delete.UserID, delete.ServerID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete conversation turns")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted conversation turns")
	}
	return affected, nil
}
