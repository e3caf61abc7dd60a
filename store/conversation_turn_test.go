package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendConversationTurnValidation(t *testing.T) {
	s, _ := newTestStore(t, "skip")
	ctx := context.Background()

	tests := []struct {
		name string
		turn *ConversationTurn
	}{
		{"missing user", &ConversationTurn{ServerID: "srv1", Role: TurnRoleUser, Content: "hi"}},
		{"missing server", &ConversationTurn{UserID: "u1", Role: TurnRoleUser, Content: "hi"}},
		{"bad role", &ConversationTurn{UserID: "u1", ServerID: "srv1", Role: "narrator", Content: "hi"}},
		{"empty content", &ConversationTurn{UserID: "u1", ServerID: "srv1", Role: TurnRoleUser}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AppendConversationTurn(ctx, tt.turn)
			assert.Error(t, err)
		})
	}

	turn, err := s.AppendConversationTurn(ctx, &ConversationTurn{
		UserID: "u1", ServerID: UnscopedServerID, Role: TurnRoleUser, Content: "hi",
	})
	require.NoError(t, err)
	assert.NotZero(t, turn.CreatedTs, "created ts is filled when absent")
	assert.NotZero(t, turn.ID)
}

func TestListConversationTurnsValidation(t *testing.T) {
	s, _ := newTestStore(t, "skip")
	ctx := context.Background()

	_, err := s.ListConversationTurns(ctx, &FindConversationTurn{ServerID: "srv1"})
	assert.Error(t, err, "user id is mandatory")

	_, err = s.ListConversationTurns(ctx, &FindConversationTurn{UserID: "u1"})
	assert.Error(t, err, "server id is mandatory")

	_, err = s.ListConversationTurns(ctx, &FindConversationTurn{
		UserID: "u1", ServerID: "srv1",
		Terms: []string{"a", "b", "c", "d", "e", "f"},
	})
	assert.Error(t, err, "more than five terms are rejected")

	_, err = s.ListConversationTurns(ctx, &FindConversationTurn{
		UserID: "u1", ServerID: "srv1",
		Terms: []string{"a", "b", "c", "d", "e"},
	})
	assert.NoError(t, err)
}

func TestDeleteConversationTurnsValidation(t *testing.T) {
	s, _ := newTestStore(t, "skip")
	ctx := context.Background()

	_, err := s.DeleteConversationTurns(ctx, &DeleteConversationTurn{UserID: "u1"})
	assert.Error(t, err)
	_, err = s.DeleteConversationTurns(ctx, &DeleteConversationTurn{ServerID: "srv1"})
	assert.Error(t, err)
}

func TestFindConversationTurnSinceTs(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	find := &FindConversationTurn{}
	assert.Zero(t, find.SinceTs(now))

	days := 7
	find = &FindConversationTurn{SinceDays: &days}
	assert.Equal(t, now.AddDate(0, 0, -7).Unix(), find.SinceTs(now))
}
