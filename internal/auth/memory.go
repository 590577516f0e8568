package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore backs the memory ledger mode, where no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*APIKey)}
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[HashKey(key)]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[apiKey.KeyHash]; ok {
		return fmt.Errorf("failed to create api key: duplicate key hash")
	}
	apiKey.ID = uuid.NewString()
	apiKey.CreatedAt = time.Now()
	cp := *apiKey
	s.byHash[apiKey.KeyHash] = &cp
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.byHash {
		if k.ID == keyID {
			k.Active = false
			return nil
		}
	}
	return ErrKeyNotFound
}
