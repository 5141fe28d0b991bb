package vizsync

import (
	"context"
	"sync"
)

// Registry shares one running Watcher per incident among any number of
// consumers (stream fan-out connections, CLI followers). Watchers are
// ref-counted: the first Acquire starts one, the last release closes
// it.
type Registry struct {
	ctx        context.Context
	newWatcher func(incidentID string) *Watcher

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	watcher *Watcher
	refs    int
}

// NewRegistry creates a registry. ctx bounds the lifetime of every
// watcher it starts; newWatcher builds an unstarted watcher for an
// incident.
func NewRegistry(ctx context.Context, newWatcher func(incidentID string) *Watcher) *Registry {
	return &Registry{
		ctx:        ctx,
		newWatcher: newWatcher,
		entries:    make(map[string]*registryEntry),
	}
}

// Acquire returns the shared watcher for an incident, starting one if
// needed. The returned release function must be called exactly once;
// it is safe to call from any goroutine.
func (r *Registry) Acquire(incidentID string) (*Watcher, func()) {
	r.mu.Lock()
	entry, ok := r.entries[incidentID]
	if ok {
		entry.refs++
		r.mu.Unlock()
	} else {
		// Hold the first reference before starting so a concurrent
		// acquire/release pair cannot close a watcher mid-start.
		entry = &registryEntry{watcher: r.newWatcher(incidentID), refs: 1}
		r.entries[incidentID] = entry
		r.mu.Unlock()
		// Start outside the lock: the initial fetch is synchronous.
		entry.watcher.Start(r.ctx)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(incidentID, entry) })
	}
	return entry.watcher, release
}

func (r *Registry) release(incidentID string, entry *registryEntry) {
	r.mu.Lock()
	entry.refs--
	done := entry.refs == 0
	if done {
		delete(r.entries, incidentID)
	}
	r.mu.Unlock()

	if done {
		entry.watcher.Close()
	}
}

// Stats returns the held version per actively watched incident.
func (r *Registry) Stats() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry.watcher.Version()
	}
	return out
}
