package harnessports

import (
	"context"
)

// ConversationStore persists committed turns so sessions survive restarts.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadTurns(ctx context.Context, conversationID string) ([]Turn, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}
