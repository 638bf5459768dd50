// Package conversation holds the message store: the ordered, append-only log
// of turns for one session, the session object passed through every call,
// and the manager that owns sessions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidTurn is returned when an append would break turn ordering rules.
var ErrInvalidTurn = errors.New("invalid turn")

// Conversation is the ordered log of turns of one session. Turns are only
// ever appended; insertion order defines the dialogue.
type Conversation struct {
	id     string
	mu     sync.RWMutex
	turns  []ports.Turn
	store  ports.ConversationStore
	now    func() time.Time
	logger zerolog.Logger
}

// NewConversation creates an empty conversation. store may be nil.
func NewConversation(id string, store ports.ConversationStore, logger zerolog.Logger) *Conversation {
	return &Conversation{
		id:     id,
		turns:  make([]ports.Turn, 0, 16),
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("conversation_id", id).Logger(),
	}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Append validates and appends a turn, filling ID and CreatedAt when empty.
// The committed turn is mirrored to the store when one is configured; a
// store failure is logged, the in-memory log stays authoritative.
func (c *Conversation) Append(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	c.mu.Lock()
	if err := c.validate(turn); err != nil {
		c.mu.Unlock()
		return ports.Turn{}, err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = c.now().UTC()
	}
	turn.PendingCall = cloneCall(turn.PendingCall)
	c.turns = append(c.turns, turn)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveTurn(ctx, c.id, turn); err != nil {
			c.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("failed to persist turn")
		}
	}
	return turn, nil
}

// validate enforces role validity and the pending-call pairing: a pending
// call must be answered by the very next turn, a tool turn carrying its id.
func (c *Conversation) validate(turn ports.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %s", ErrInvalidTurn, turn.Role)
	}

	var open *ports.ToolCall
	if n := len(c.turns); n > 0 {
		open = c.turns[n-1].PendingCall
	}

	switch turn.Role {
	case ports.RoleTool:
		if open == nil {
			return fmt.Errorf("%w: tool turn without a pending call", ErrInvalidTurn)
		}
		if turn.CallID != open.ID {
			return fmt.Errorf("%w: tool turn answers %q, pending call is %q", ErrInvalidTurn, turn.CallID, open.ID)
		}
	case ports.RoleAssistant:
		if open != nil {
			return fmt.Errorf("%w: pending call %q has no result", ErrInvalidTurn, open.ID)
		}
		if turn.PendingCall != nil && turn.PendingCall.ID == "" {
			return fmt.Errorf("%w: pending call without id", ErrInvalidTurn)
		}
	case ports.RoleHuman, ports.RoleSystem:
		if open != nil {
			return fmt.Errorf("%w: pending call %q has no result", ErrInvalidTurn, open.ID)
		}
	}

	if turn.Role != ports.RoleAssistant && turn.PendingCall != nil {
		return fmt.Errorf("%w: only assistant turns carry pending calls", ErrInvalidTurn)
	}
	return nil
}

// Restore replaces the log with previously persisted turns without
// re-persisting them.
func (c *Conversation) Restore(turns []ports.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = cloneTurns(turns)
}

// Turns returns a copy of the whole log.
func (c *Conversation) Turns() []ports.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneTurns(c.turns)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// SinceLastHuman returns the turns appended after the most recent human turn.
func (c *Conversation) SinceLastHuman() []ports.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == ports.RoleHuman {
			return cloneTurns(c.turns[i+1:])
		}
	}
	return cloneTurns(c.turns)
}

// HasCallID reports whether any turn already uses the call id.
func (c *Conversation) HasCallID(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.turns {
		if t.CallID == id || (t.PendingCall != nil && t.PendingCall.ID == id) {
			return true
		}
	}
	return false
}

// Clear drops every turn, in memory and in the store.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.turns = c.turns[:0]
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteConversation(ctx, c.id); err != nil {
		return fmt.Errorf("failed to clear persisted turns: %w", err)
	}
	return nil
}

// Format renders turns one per line for debug logging.
func Format(turns []ports.Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s (ID: %s)", t.Role, t.Content, t.ID)
		if t.PendingCall != nil {
			fmt.Fprintf(&sb, " call=%s:%s", t.PendingCall.Name, t.PendingCall.ID)
		}
		if t.CallID != "" {
			fmt.Fprintf(&sb, " call_id=%s", t.CallID)
		}
	}
	return sb.String()
}

func cloneTurns(src []ports.Turn) []ports.Turn {
	if len(src) == 0 {
		return nil
	}
	dst := make([]ports.Turn, len(src))
	for i, t := range src {
		t.PendingCall = cloneCall(t.PendingCall)
		dst[i] = t
	}
	return dst
}

func cloneCall(call *ports.ToolCall) *ports.ToolCall {
	if call == nil {
		return nil
	}
	cp := *call
	if call.Args != nil {
		cp.Args = make(map[string]any, len(call.Args))
		for k, v := range call.Args {
			cp.Args[k] = v
		}
	}
	return &cp
}
