package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// maxSearchTerms bounds how many terms one log search may combine.
const maxSearchTerms = 5

// TurnRole represents who produced a conversation turn.
type TurnRole string

const (
	// TurnRoleUser is a turn written by the requesting user.
	TurnRoleUser TurnRole = "user"
	// TurnRoleAssistant is a turn written by the assistant.
	TurnRoleAssistant TurnRole = "assistant"
)

// UnscopedServerID is stored in place of a server id for turns that have no
// server scope.
const UnscopedServerID = "0"

// ConversationTurn is one append-only entry of the per-user conversation log.
// Every operation on the log is scoped by both user id and server id; there
// is no cross-user or cross-server read path.
type ConversationTurn struct {
	ID       int64
	UserID   string
	ServerID string
	Role     TurnRole
	Content  string
	// SessionTag groups the user and assistant turns of one request.
	SessionTag string
	CreatedTs  int64
}

// FindConversationTurn is the find condition for conversation turns. UserID
// and ServerID are both mandatory.
type FindConversationTurn struct {
	UserID   string
	ServerID string
	// Terms are substring-matched against content; all must match.
	Terms     []string
	SinceDays *int
	Limit     *int
}

// DeleteConversationTurn is the delete condition for conversation turns.
// Deletes are scoped exactly like reads.
type DeleteConversationTurn struct {
	UserID   string
	ServerID string
}

func (f *FindConversationTurn) validate() error {
	if f.UserID == "" {
		return errors.New("user id is required")
	}
	if f.ServerID == "" {
		return errors.New("server id is required")
	}
	if len(f.Terms) > maxSearchTerms {
		return errors.Errorf("at most %d search terms are allowed, got %d", maxSearchTerms, len(f.Terms))
	}
	return nil
}

// SinceTs returns the created_ts lower bound implied by SinceDays, or 0.
func (f *FindConversationTurn) SinceTs(now time.Time) int64 {
	if f.SinceDays == nil || *f.SinceDays <= 0 {
		return 0
	}
	return now.AddDate(0, 0, -*f.SinceDays).Unix()
}

// AppendConversationTurn appends one turn to the log.
func (s *Store) AppendConversationTurn(ctx context.Context, create *ConversationTurn) (*ConversationTurn, error) {
	if create.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if create.ServerID == "" {
		return nil, errors.New("server id is required")
	}
	if create.Role != TurnRoleUser && create.Role != TurnRoleAssistant {
		return nil, errors.Errorf("unknown turn role %q", string(create.Role))
	}
	if create.Content == "" {
		return nil, errors.New("content is required")
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	return s.driver.CreateConversationTurn(ctx, create)
}

// ListConversationTurns returns turns for one (user, server) scope, newest
// first.
func (s *Store) ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error) {
	if err := find.validate(); err != nil {
		return nil, err
	}
	return s.driver.ListConversationTurns(ctx, find)
}

// DeleteConversationTurns removes the turns of one (user, server) scope and
// returns how many were removed.
func (s *Store) DeleteConversationTurns(ctx context.Context, delete *DeleteConversationTurn) (int64, error) {
	if delete.UserID == "" {
		return 0, errors.New("user id is required")
	}
	if delete.ServerID == "" {
		return 0, errors.New("server id is required")
	}
	return s.driver.DeleteConversationTurns(ctx, delete)
}
