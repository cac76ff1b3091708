package session

import (
	"context"
	"sync"
)

// Key names one entry of session state.
type Key string

const (
	KeyAccessToken Key = "access_token"
	KeyRememberMe  Key = "remember_me"
	KeyUserID      Key = "user_id"
	KeyProfile     Key = "profile"
)

// Keys is every key owned by a session; Logout removes all of them.
var Keys = []Key{KeyAccessToken, KeyRememberMe, KeyUserID, KeyProfile}

// Store holds session state. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key Key) (string, bool, error)
	Set(ctx context.Context, key Key, value string) error
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...Key) error
}

// MemoryStore keeps session state for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]string)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}
