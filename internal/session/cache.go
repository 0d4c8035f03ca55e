// Package session provides the session-scoped key-value cache used to stash
// thumbnails and confirmation state across page navigations. It is not
// durable across restarts unless the caller snapshots it explicitly.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Cache is an in-memory key-value store with an explicit serialize and
// deserialize boundary. Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		values: make(map[string][]byte),
	}
}

// Set stores a value under key, replacing any previous value.
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Get returns the value for key, or false if absent.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	value, ok := c.values[key]
	c.mu.RUnlock()
	return value, ok
}

// Remove deletes a key. Removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.values = make(map[string][]byte)
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	n := len(c.values)
	c.mu.RUnlock()
	return n
}

// Snapshot serializes the cache contents for persistence between sessions.
func (c *Cache) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c.values)
	if err != nil {
		return nil, fmt.Errorf("serializing session cache: %w", err)
	}
	return data, nil
}

// Restore replaces the cache contents with a previously taken snapshot.
func (c *Cache) Restore(data []byte) error {
	values := make(map[string][]byte)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("deserializing session cache: %w", err)
	}

	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
	return nil
}
