package build

import (
	"log/slog"
	"sync"
	"time"

	"forma/internal/compiler"
	cadRepo "forma/internal/domain/repositories/cad"
	"forma/internal/storage"
	"forma/internal/tree"
)

// Manager owns one compile Session per open conversation. Each session
// gets its own compiler worker; conversations never share workers, so a
// runaway script in one cannot stall another's builds.
type Manager struct {
	factory        compiler.WorkerFactory
	defaultTimeout time.Duration
	profiles       *compiler.ProfileRegistry
	regen          *RegenerationController
	blobs          storage.BlobStore
	turns          cadRepo.TurnWriter
	hub            *Hub
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(
	factory compiler.WorkerFactory,
	defaultTimeout time.Duration,
	profiles *compiler.ProfileRegistry,
	regen *RegenerationController,
	blobs storage.BlobStore,
	turns cadRepo.TurnWriter,
	hub *Hub,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		factory:        factory,
		defaultTimeout: defaultTimeout,
		profiles:       profiles,
		regen:          regen,
		blobs:          blobs,
		turns:          turns,
		hub:            hub,
		logger:         logger,
		sessions:       make(map[string]*Session),
	}
}

// Session returns the session for a conversation, creating one around the
// given tree if none exists. The tree argument is only consulted on
// creation; callers pass the freshly loaded tree and get whichever session
// is live.
func (m *Manager) Session(conversationID string, t *tree.Tree) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[conversationID]; ok {
		return s
	}

	sup := compiler.NewSupervisor(m.factory, m.defaultTimeout, m.logger.With("conversation_id", conversationID))
	s := NewSession(t, sup, sup.Close, m.profiles, m.regen, m.blobs, m.turns, m.hub, m.logger.With("conversation_id", conversationID))
	m.sessions[conversationID] = s
	return s
}

// Lookup returns the live session for a conversation, if any.
func (m *Manager) Lookup(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// LiveTree returns the in-memory tree of an open build session, if one
// exists for the conversation. Writers outside the conversation service
// (voice ingestion) append here so the session tree never diverges from
// the repository.
func (m *Manager) LiveTree(conversationID string) (*tree.Tree, bool) {
	if s, ok := m.Lookup(conversationID); ok {
		return s.Tree(), true
	}
	return nil, false
}

// Close tears down the session for one conversation.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll tears down every live session. Called on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
