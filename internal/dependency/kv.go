package dependency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryKVResolverName selects an in-process key/value store per scope key.
const MemoryKVResolverName = "memory_kv"

// ErrKeyNotFound is returned by KV.Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KV is the key/value capability provided by memory_kv and redis_kv. IncrBy and Swap are
// atomic, so agents sharing a guild-scoped store never lose updates.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	// IncrBy adds delta to the integer at key, treating a missing key as 0.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Swap stores value and returns the previous one. ok is false when key was unset.
	Swap(ctx context.Context, key, value string) (previous string, ok bool, err error)
	Keys(ctx context.Context) ([]string, error)
}

func memoryKVFactory(props map[string]any) (Resolver, error) {
	if len(props) > 0 {
		return nil, fmt.Errorf("memory_kv takes no properties")
	}
	return ResolverFunc(func(context.Context, Request) (any, error) {
		return NewMemoryKV(), nil
	}), nil
}

// MemoryKV is a KV held in process memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *MemoryKV) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.data[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value of %s is not an integer", key)
		}
		n = parsed
	}
	n += delta
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryKV) Swap(_ context.Context, key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, ok := m.data[key]
	m.data[key] = value
	return previous, ok, nil
}

func (m *MemoryKV) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
