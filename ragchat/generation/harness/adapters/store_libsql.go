package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
)

// LibSQLConversationStore persists turns in the conversation_turns table.
type LibSQLConversationStore struct {
	db *sql.DB
}

func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{db: db}
}

// SaveTurn inserts or replaces a turn. The row sequence keeps the append
// order stable even when timestamps collide.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	var pending sql.NullString
	if turn.PendingCall != nil {
		b, err := json.Marshal(turn.PendingCall)
		if err != nil {
			return fmt.Errorf("failed to marshal pending call: %w", err)
		}
		pending = sql.NullString{String: string(b), Valid: true}
	}

	const query = `
		INSERT INTO conversation_turns (id, conversation_id, role, content, pending_call, call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			pending_call = excluded.pending_call,
			call_id = excluded.call_id
	`
	_, err := s.db.ExecContext(ctx, query,
		turn.ID,
		conversationID,
		turn.Role.String(),
		turn.Content,
		pending,
		turn.CallID,
		turn.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadTurns returns every turn of a conversation, oldest first.
func (s *LibSQLConversationStore) LoadTurns(ctx context.Context, conversationID string) ([]ports.Turn, error) {
	const query = `
		SELECT id, role, content, pending_call, call_id, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			t       ports.Turn
			role    string
			pending sql.NullString
			callID  sql.NullString
			created int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &pending, &callID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if t.Role, err = ports.ParseRole(role); err != nil {
			return nil, fmt.Errorf("turn %s: %w", t.ID, err)
		}
		if pending.Valid && pending.String != "" {
			var call ports.ToolCall
			if err := json.Unmarshal([]byte(pending.String), &call); err != nil {
				return nil, fmt.Errorf("failed to unmarshal pending call of turn %s: %w", t.ID, err)
			}
			t.PendingCall = &call
		}
		t.CallID = callID.String
		t.CreatedAt = unixNanoUTC(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

func (s *LibSQLConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func unixNanoUTC(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
