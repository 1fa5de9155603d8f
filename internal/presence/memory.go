package presence

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is a process-local Cache. It does not coordinate across hosts.
type Memory struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// NewMemory creates a cache holding at most size keys for ttl each.
func NewMemory(size int, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lru.Peek(key); ok {
		return false, nil
	}
	m.lru.Add(key, struct{}{})
	return true, nil
}

func (m *Memory) Held(_ context.Context, key string) (bool, error) {
	_, ok := m.lru.Peek(key)
	return ok, nil
}

func (m *Memory) Release(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.lru.Remove(key)
	}
	return nil
}
