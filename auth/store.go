package auth

import "sync"

// Store is the per-session map of bound identities. An identity is bound
// once, when the session's stream is established, and released when the
// session closes.
type Store struct {
	mu    sync.RWMutex
	items map[string]*Identity
}

func NewStore() *Store {
	return &Store{items: make(map[string]*Identity)}
}

// Bind associates ident with sessionID, replacing any previous binding.
func (s *Store) Bind(sessionID string, ident *Identity) {
	s.mu.Lock()
	s.items[sessionID] = ident
	s.mu.Unlock()
}

// Lookup returns the identity bound to sessionID.
func (s *Store) Lookup(sessionID string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.items[sessionID]
	return ident, ok
}

// Release removes the binding only if it still refers to ident, so the
// teardown of a replaced connection cannot drop its successor's identity.
func (s *Store) Release(sessionID string, ident *Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[sessionID]; ok && cur == ident {
		delete(s.items, sessionID)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
