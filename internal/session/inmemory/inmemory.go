package inmemory

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/karzina/internal/session"
)

// Store is a map-backed session store for single-process deployments.
type Store struct {
	sessions map[string]*session.ShoppingSession
	mu       sync.RWMutex
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*session.ShoppingSession)}
}

func (s *Store) Save(_ context.Context, sess *session.ShoppingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*session.ShoppingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
