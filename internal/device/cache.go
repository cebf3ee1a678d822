// internal/device/cache.go
package device

import (
	"sync"
	"time"
)

// Cache holds the readings committed by the last successful update.
// Store replaces the whole value; readers never see a partial struct.
type Cache[T any] struct {
	mu  sync.RWMutex
	v   T
	at  time.Time
	set bool
}

// Store commits v as the current readings.
func (c *Cache[T]) Store(v T, at time.Time) {
	c.mu.Lock()
	c.v, c.at, c.set = v, at, true
	c.mu.Unlock()
}

// Load returns the committed readings and when they were taken.
// ok is false until the first Store.
func (c *Cache[T]) Load() (v T, at time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v, c.at, c.set
}
