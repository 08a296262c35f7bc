package stores

import (
	"context"
	"sync"

	"github.com/idmflow/idmflow/session"
)

// Memory is an in-process credential store. It is the default backend
// when no Redis client is wired and the store of choice in tests.
type Memory struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string][]byte),
		counters: make(map[string]int),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, session.ErrKVMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) GetCounter(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

func (m *Memory) IncrCounter(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) ResetCounter(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}
