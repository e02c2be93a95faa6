package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient implements Client in process, with the same lock and pub/sub
// semantics as the Redis client.
type MemoryClient struct {
	mu      sync.RWMutex
	data    map[string]memoryEntry
	subs    map[string][]*memorySub
	maxSize int
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySub struct {
	ch     chan []byte
	closed bool
}

// NewMemoryClient builds an in-process cache. The janitor goroutine runs
// until Close.
func NewMemoryClient(maxSize int) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &MemoryClient{
		data:    make(map[string]memoryEntry),
		subs:    make(map[string][]*memorySub),
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.data[key]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, ttl)
	return nil
}

func (c *MemoryClient) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.data[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	c.put(key, value, ttl)
	return true, nil
}

func (c *MemoryClient) put(key string, value []byte, ttl time.Duration) {
	if len(c.data) >= c.maxSize {
		c.evictOldest()
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.data[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
}

func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemoryClient) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

func (c *MemoryClient) Keys(_ context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var keys []string
	for key, entry := range c.data {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *MemoryClient) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs[channel] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
			// Slow subscribers drop events rather than block publishers.
		}
	}
	return nil
}

func (c *MemoryClient) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &memorySub{ch: make(chan []byte, 100)}
	c.mu.Lock()
	c.subs[channel] = append(c.subs[channel], sub)
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		subs := c.subs[channel]
		for i, s := range subs {
			if s == sub {
				c.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return sub.ch, unsubscribe, nil
}

func (c *MemoryClient) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryClient) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

func (c *MemoryClient) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if entry.expired(now) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
