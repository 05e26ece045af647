package session

import (
	"context"
	"sync"
)

// Factory builds the session for a guild.
type Factory func(ctx context.Context, guildID string) (*Session, error)

// Manager holds the single session this process runs.
type Manager struct {
	newSession Factory

	mu  sync.Mutex
	cur *Session
}

func NewManager(f Factory) *Manager {
	return &Manager{newSession: f}
}

// liveLocked drops a session that has torn itself down, waiting for a
// teardown that is still in progress.
func (m *Manager) liveLocked() *Session {
	if m.cur == nil {
		return nil
	}
	if m.cur.ctx.Err() != nil {
		<-m.cur.Done()
	}
	select {
	case <-m.cur.Done():
		m.cur = nil
		return nil
	default:
		return m.cur
	}
}

// Get returns the live session for guildID, or ErrNoSession.
func (m *Manager) Get(guildID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.liveLocked()
	if s == nil {
		return nil, ErrNoSession
	}
	if s.GuildID() != guildID {
		return nil, ErrOtherGuild
	}
	return s, nil
}

// Acquire returns the live session for guildID, creating it if none exists.
func (m *Manager) Acquire(ctx context.Context, guildID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.liveLocked(); s != nil {
		if s.GuildID() != guildID {
			return nil, ErrOtherGuild
		}
		return s, nil
	}
	s, err := m.newSession(ctx, guildID)
	if err != nil {
		return nil, err
	}
	m.cur = s
	return s, nil
}

// Leave tears down the session for guildID.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	m.mu.Lock()
	s := m.liveLocked()
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.GuildID() != guildID {
		m.mu.Unlock()
		return ErrOtherGuild
	}
	m.cur = nil
	m.mu.Unlock()

	return s.Close(ctx)
}

// Shutdown tears down whatever session is running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close(ctx)
}
