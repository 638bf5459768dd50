package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the live sessions of the process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    ports.ConversationStore
	greeting string
	defaults Params
	logger   zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore mirrors every committed turn to store and restores sessions from it.
func WithStore(store ports.ConversationStore) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithGreeting sets the assistant turn that opens every new session.
// An empty greeting disables it.
func WithGreeting(greeting string) ManagerOption {
	return func(m *Manager) { m.greeting = greeting }
}

// WithDefaultParams sets the parameters new sessions start with.
func WithDefaultParams(p Params) ManagerOption {
	return func(m *Manager) { m.defaults = p }
}

func NewManager(logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the session with the given id, creating it when absent.
// An empty id creates a new session under a fresh id. New sessions are
// restored from the store when it holds turns for the id, otherwise they
// are seeded with the greeting.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	conv := NewConversation(id, m.store, m.logger)
	restored := false
	if m.store != nil {
		turns, err := m.store.LoadTurns(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to restore session %s: %w", id, err)
		}
		if len(turns) > 0 {
			conv.Restore(turns)
			restored = true
		}
	}
	if !restored && m.greeting != "" {
		if _, err := conv.Append(ctx, ports.Turn{Role: ports.RoleAssistant, Content: m.greeting}); err != nil {
			return nil, fmt.Errorf("failed to seed greeting: %w", err)
		}
	}

	s := NewSession(id, conv, m.defaults, m.logger)
	m.sessions[id] = s
	m.logger.Info().Str("session_id", id).Bool("restored", restored).Int("turns", conv.Len()).Msg("session opened")
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// UpdateParams makes p the default for new sessions and pushes it to every
// live session. A session in the middle of a turn receives it when the turn
// ends.
func (m *Manager) UpdateParams(ctx context.Context, p Params) error {
	m.mu.Lock()
	m.defaults = p
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.SetConnection(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Reset discards a session: its turns, persisted copy and credentials.
// The next Open of the id starts over with the default parameters.
func (m *Manager) Reset(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		if m.store != nil {
			return m.store.DeleteConversation(ctx, id)
		}
		return nil
	}

	_, release, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset session %s: %w", id, err)
	}
	defer release()

	s.params = Params{}
	if err := s.conv.Clear(ctx); err != nil {
		return err
	}
	m.logger.Info().Str("session_id", id).Msg("session reset")
	return nil
}
