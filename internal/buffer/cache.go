// Package buffer implements the polling agent's in-memory and disk-backed
// data pipeline: the Value Cache, Historical Buffer, Transmit Buffer, and
// the disk-backed Offline Buffer (spec.md §4.4).
package buffer

import (
	"sync"

	"github.com/nexus-edge/modbus-agent/internal/domain"
)

// ValueCache holds the latest known Sample for every (device, register)
// pair, implementing report-by-exception semantics: Update reports whether
// the value actually changed, so callers only enqueue a transmit on change.
// Grounded on the teacher's single-owner, RWMutex-guarded map idiom
// (internal/adapter/modbus/pool.go's clients map).
type ValueCache struct {
	mu     sync.RWMutex
	values map[string]*domain.Sample
}

// NewValueCache constructs an empty ValueCache.
func NewValueCache() *ValueCache {
	return &ValueCache{values: make(map[string]*domain.Sample)}
}

// Update stores the sample and reports whether it differs from the
// previously cached value (by Value and Quality) — a new key always counts
// as changed.
func (c *ValueCache) Update(s *domain.Sample) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := s.Key()
	prev, existed := c.values[key]
	if !existed || prev.Value != s.Value || prev.Quality != s.Quality {
		changed = true
	}
	c.values[key] = s
	return changed
}

// Get returns the cached sample for a (device, register) pair.
func (c *ValueCache) Get(deviceID, registerID string) (*domain.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.values[deviceID+"/"+registerID]
	return s, ok
}

// Snapshot returns every cached sample, used for the full-refresh transmit
// (spec.md §4.9) and for a newly (re)connected control channel.
func (c *ValueCache) Snapshot() []*domain.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.Sample, 0, len(c.values))
	for _, s := range c.values {
		out = append(out, s)
	}
	return out
}

// DeleteDevice removes every cached value belonging to a device, called when a
// device is dropped from the active config.
func (c *ValueCache) DeleteDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := deviceID + "/"
	for k := range c.values {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.values, k)
		}
	}
}

// Len returns the number of cached values, for metrics.
func (c *ValueCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
