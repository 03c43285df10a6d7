package session

import (
	"context"
	"sync"
	"time"
)

type MemoryStoreOption func(*memoryStore)

// WithTTL bounds the lifetime of an entry, measured from its CreatedAt.
// A zero or negative ttl keeps entries until they are deleted.
func WithTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *memoryStore) {
		s.ttl = ttl
	}
}

type memoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex // protects the fields below
	entries map[string]*Entry
	order   []string
}

// NewMemoryStore returns a Store that keeps entries in process memory.
// Concurrent writes to the same token race; the last one wins.
func NewMemoryStore(opts ...MemoryStoreOption) Store {
	s := &memoryStore{
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryStore) Put(_ context.Context, token string, e *Entry) error {
	stored := e.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[token]; !ok {
		s.order = append(s.order, token)
	}
	s.entries[token] = stored
	return nil
}

func (s *memoryStore) Get(_ context.Context, token string) (*Entry, error) {
	if token == "" {
		return nil, &NotSignedInError{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return nil, &NotSignedInError{Token: token}
	}
	if s.expired(e) {
		s.remove(token)
		return nil, &NotSignedInError{Token: token}
	}
	return e.clone(), nil
}

func (s *memoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(token)
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.order))
	for _, token := range append([]string(nil), s.order...) {
		if s.expired(s.entries[token]) {
			s.remove(token)
			continue
		}
		keys = append(keys, token)
	}
	return keys, nil
}

func (s *memoryStore) expired(e *Entry) bool {
	if s.ttl <= 0 {
		return false
	}
	return !e.CreatedAt.Add(s.ttl).After(s.now())
}

// remove must be called with mu held.
func (s *memoryStore) remove(token string) {
	if _, ok := s.entries[token]; !ok {
		return
	}
	delete(s.entries, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
