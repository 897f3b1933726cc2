// Package inmem provides an in-memory implementation of session.HistoryStore
// and session.HistoryWriter for tests and local development. Production
// deployments use features/session/mongo.
package inmem

import (
	"context"
	"sync"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/session"
)

// Store keeps conversation history in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]agent.Turn
}

var (
	_ session.HistoryStore  = (*Store)(nil)
	_ session.HistoryWriter = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string][]agent.Turn)}
}

// FetchHistory implements session.HistoryStore.
func (s *Store) FetchHistory(_ context.Context, sessionID string, limit int) ([]agent.Turn, error) {
	if sessionID == "" {
		return nil, session.ErrSessionRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]agent.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// AppendTurns implements session.HistoryWriter.
func (s *Store) AppendTurns(_ context.Context, sessionID string, turns ...agent.Turn) error {
	if sessionID == "" {
		return session.ErrSessionRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], turns...)
	return nil
}
