// Package state remembers which message contents a run has already seen.
// Nothing is persisted across runs.
package state

import "sync"

type Tracker interface {
	// Seen marks hash as processed and reports whether it already was.
	Seen(hash, source string) bool
	AlreadyProcessed(hash string) bool
	FirstSource(hash string) string
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

// Seen is the atomic check-and-mark used by the bridge. An empty hash is
// never considered seen.
func (m *MemoryTracker) Seen(hash, source string) bool {
	if hash == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[hash]; ok {
		return true
	}
	m.processed[hash] = source
	return false
}

// FirstSource returns the source that first carried hash.
func (m *MemoryTracker) FirstSource(hash string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processed[hash]
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}
