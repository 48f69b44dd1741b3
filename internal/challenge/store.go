// Package challenge implements the in-memory ACME HTTP-01 token store
// (spec.md §4.5).
package challenge

import "sync"

// Store is a concurrent map of token -> key authorization. Add, Get,
// and Remove are total and O(1).
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Add deposits a pending challenge's key authorization.
func (s *Store) Add(token, keyAuthorization string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[token] = keyAuthorization
}

// Get returns the key authorization for token, or ("", false) if
// absent.
func (s *Store) Get(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[token]
	return v, ok
}

// Remove deletes token if present. Safe to call even if it was never
// added.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, token)
}
