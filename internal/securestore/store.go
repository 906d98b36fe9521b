// Package securestore provides SecureRecordStore implementations.
//
// All stores return (nil, nil) from Get when the key is absent.
package securestore

import (
	"context"
	"errors"
	"sync"
)

// ErrTampered is returned by SealedStore when a value fails authentication.
var ErrTampered = errors.New("secure record failed authentication")

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func memoryKey(account, key string) string {
	return account + "\x00" + key
}

func (s *MemoryStore) Get(ctx context.Context, account, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[memoryKey(account, key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(ctx context.Context, account, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memoryKey(account, key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, account, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memoryKey(account, key))
	return nil
}
