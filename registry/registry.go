// Package registry tracks every resource a process has registered, bounded
// by a maximum size so a process that touches an unbounded number of
// distinct resource names (one per shard, one per tenant) doesn't leak
// memory and, more importantly, doesn't leak the shared IPC segments each
// resource holds open.
//
// Eviction is opportunistic — checked on insert, not on a timer — and
// never touches a resource still holding a live bulkhead: those are
// pinned until explicitly unpinned, since destroying their segments out
// from under a resource mid-use would be far worse than a registry that
// briefly exceeds its target size.
package registry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/benbjohnson/clock"

	"github.com/canonical/faultkernel/faultevents"
)

// backingCacheCapacity is the capacity the underlying LRU cache is
// constructed with, independent of any Config.MaxSize — see New.
const backingCacheCapacity = 1 << 20

// Entry is an opaque slot the registry manages the lifecycle of. Value is
// whatever the caller registered — typically a *resource.ProtectedResource
// — and is never interpreted by the registry itself.
type Entry struct {
	Name      string
	CreatedAt time.Time
	Pinned    bool
	Value     any
}

// Config bounds a Registry's size and churn.
type Config struct {
	// MaxSize is the target entry count; eviction is attempted once the
	// registry reaches it, not enforced as a hard ceiling.
	MaxSize int
	// MinAge protects recently created entries from eviction even when
	// the registry is at capacity, so a burst of new resource names
	// doesn't immediately reclaim ones that only just appeared.
	MinAge time.Duration
}

// Registry is a bounded, name-keyed store of registered resources.
type Registry struct {
	cfg        Config
	clock      clock.Clock
	dispatcher *faultevents.Dispatcher

	mu     sync.Mutex
	pinned map[string]*Entry
	lru    *lru.Cache[string, *Entry]
}

// New builds a Registry. dispatcher may be nil if the caller doesn't care
// about registry_gc events.
func New(cfg Config, dispatcher *faultevents.Dispatcher, clk clock.Clock) (*Registry, error) {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}

	// backingCacheCapacity deliberately decouples the underlying LRU's own
	// capacity-triggered eviction from MaxSize — hashicorp/golang-lru
	// doesn't preallocate storage proportional to its capacity, so this
	// costs nothing at rest. evictLocked is the sole authority on what
	// actually leaves the registry: it is the only path that honors
	// MinAge and fires registry_gc events, and a MinAge-protected burst of
	// entries must be able to sit above MaxSize without the library
	// silently reclaiming the oldest of them first.
	c, err := lru.New[string, *Entry](backingCacheCapacity)
	if err != nil {
		return nil, err
	}

	return &Registry{
		cfg:        cfg,
		clock:      clk,
		dispatcher: dispatcher,
		pinned:     make(map[string]*Entry),
		lru:        c,
	}, nil
}

// GetOrRegister returns the existing entry for name, or calls create to
// build one and inserts it, first opportunistically evicting the oldest
// eligible unpinned entries (see evictLocked) if the unpinned entries have
// already reached capacity.
func (r *Registry) GetOrRegister(name string, create func() (any, error)) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.pinned[name]; ok {
		return e, nil
	}
	if e, ok := r.lru.Get(name); ok {
		return e, nil
	}

	v, err := create()
	if err != nil {
		return nil, err
	}

	r.evictLocked()

	e := &Entry{Name: name, CreatedAt: r.clock.Now(), Value: v}
	r.lru.Add(name, e)
	return e, nil
}

// Pin marks name's entry as never-evict, typically once it has a live
// bulkhead. A no-op if name isn't currently registered.
func (r *Registry) Pin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.lru.Get(name); ok {
		r.lru.Remove(name)
		e.Pinned = true
		r.pinned[name] = e
	}
}

// Unpin returns name's entry to normal LRU management.
func (r *Registry) Unpin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.pinned[name]; ok {
		delete(r.pinned, name)
		e.Pinned = false
		r.lru.Add(name, e)
	}
}

// Len returns the total number of entries, pinned and unpinned.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len() + len(r.pinned)
}

// evictLocked greedily removes the oldest unpinned entries that have aged
// past MinAge until fewer than MaxSize unpinned entries remain; pinned
// entries do not count toward MaxSize. It is a best effort: if
// every remaining candidate is too young, eviction stops there even if the
// registry is still at or over capacity this round.
func (r *Registry) evictLocked() {
	for r.lru.Len() >= r.cfg.MaxSize {
		key, ok := r.oldestEvictableLocked()
		if !ok {
			return
		}

		r.lru.Remove(key)
		if r.dispatcher != nil {
			r.dispatcher.Dispatch(faultevents.Event{
				Kind:     faultevents.KindRegistryGC,
				Resource: key,
				At:       r.clock.Now(),
				Reason:   "evicted to bound registry size",
			})
		}
	}
}

// oldestEvictableLocked returns the oldest unpinned entry old enough to
// evict. r.lru.Keys() orders oldest to newest, so the first eligible key is
// the one to take.
func (r *Registry) oldestEvictableLocked() (string, bool) {
	for _, key := range r.lru.Keys() {
		e, ok := r.lru.Peek(key)
		if !ok {
			continue
		}
		if r.clock.Now().Sub(e.CreatedAt) < r.cfg.MinAge {
			continue
		}
		return key, true
	}
	return "", false
}
