package memory

import (
	"context"
	"sync"
)

// Store is an in-process key-value store. Update holds the lock for the whole
// read-modify-write, which makes it atomic per key.
type Store struct {
	mu   sync.Mutex
	data map[string]string
}

func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Store) Update(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[key]
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	s.data[key] = next
	return nil
}
