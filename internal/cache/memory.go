package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider with TTL semantics. It backs dev
// deployments without a cache cluster and clock-controlled tests; cooldown
// state stored here does not survive a restart.
type MemoryProvider struct {
	mu   sync.Mutex
	data map[string]memoryItem
	now  func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an in-memory cache using the wall clock.
func NewMemoryProvider() *MemoryProvider {
	return NewMemoryProviderWithClock(time.Now)
}

// NewMemoryProviderWithClock creates an in-memory cache with an injectable
// clock so tests can advance time across TTL boundaries.
func NewMemoryProviderWithClock(now func() time.Time) *MemoryProvider {
	return &MemoryProvider{data: make(map[string]memoryItem), now: now}
}

func (p *MemoryProvider) expired(it memoryItem) bool {
	return !it.expiresAt.IsZero() && p.now().After(it.expiresAt)
}

// Get retrieves a value if present and not expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.data[key]
	if !ok || p.expired(it) {
		delete(p.data, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value with optional TTL.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: p.expiry(ttl)}
	return nil
}

// SetNX stores the value only if the key is absent or expired.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if it, ok := p.data[key]; ok && !p.expired(it) {
		return false, nil
	}
	p.data[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: p.expiry(ttl)}
	return true, nil
}

// Del removes an entry.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

// Close is a no-op.
func (p *MemoryProvider) Close() error { return nil }

func (p *MemoryProvider) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return p.now().Add(ttl)
}
