package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCache keeps entries in process memory. Nothing survives a restart,
// so it has to be selected explicitly. Entries leave only by Delete or TTL;
// there is no size bound, since the identity and the sync queue live here.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
	stop    chan struct{}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache returns an empty cache. Expired entries are swept every
// sweep interval.
func NewMemoryCache(sweep time.Duration) *MemoryCache {
	if sweep <= 0 {
		sweep = time.Minute
	}
	m := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go m.sweepLoop(sweep)
	return m
}

// lookup must be called with at least the read lock held
func (m *MemoryCache) lookup(key string, now time.Time) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok || expired(e.expiresAt, now) {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.lookup(key, time.Now())
	return v, ok, nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	found := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.lookup(key, now); ok {
			found[key] = v
		}
	}
	return found, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiry(ttl),
	}
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !expired(e.expiresAt, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	return nil
}

// sweepLocked drops expired entries
func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.sweepLocked(now)
			m.mu.Unlock()
		}
	}
}
