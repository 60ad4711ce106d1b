package stackmem

import (
	"sync"
	"sync/atomic"
)

// DefaultCacheDepth bounds how many terminated stacks of one size the
// cache parks before handing further ones back to the OS.
const DefaultCacheDepth = 8

// StackCache recycles terminated stacks so that short-lived execution
// contexts do not pay a reserve/commit round trip per spawn. Parked regions
// stay mapped with their guard armed; reuse only resets lifecycle state.
// Stack memory is not zeroed between uses, matching the usual runtime
// stack-pool policy.
type StackCache struct {
	provisioner *Provisioner
	depth       int // Max parked regions per distinct size
	mu          sync.Mutex
	parked      map[uintptr][]*StackRegion // Keyed by reserved size
	hits        uint64
	misses      uint64
}

// CacheOption mutates a StackCache at construction.
type CacheOption func(*StackCache)

// WithCacheDepth bounds the number of parked stacks per size class.
func WithCacheDepth(depth int) CacheOption {
	return func(c *StackCache) { c.depth = depth }
}

// NewStackCache creates a recycling cache in front of the provisioner.
func NewStackCache(p *Provisioner, options ...CacheOption) *StackCache {
	c := &StackCache{
		provisioner: p,
		depth:       DefaultCacheDepth,
		parked:      make(map[uintptr][]*StackRegion),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Get returns a stack of the requested size, reusing a parked region when
// one matches and allocating otherwise. Size 0 means the provisioner's
// default. The returned region is in state Committed.
func (c *StackCache) Get(requested uintptr) (*StackRegion, error) {
	size := c.provisioner.normalizeSize(requested)

	c.mu.Lock()
	if list := c.parked[size]; len(list) > 0 {
		r := list[len(list)-1]
		c.parked[size] = list[:len(list)-1]
		c.mu.Unlock()
		atomic.AddUint64(&c.hits, 1)
		return r, nil
	}
	c.mu.Unlock()

	atomic.AddUint64(&c.misses, 1)
	return c.provisioner.Allocate(requested)
}

// Put parks a terminated (or never-activated Committed) region for reuse.
// When the size class is full the region is released to the OS instead.
// An Active or Released region is rejected with the same errors Release
// would produce.
func (c *StackCache) Put(r *StackRegion) error {
	if r == nil {
		return errCode(ErrUnknownRegion, 0, "nil region")
	}

	switch s := r.State(); s {
	case StateActive:
		return errCode(ErrStillActive, r.reserved, "execution context has not terminated")
	case StateReleased:
		return errCode(ErrAlreadyReleased, r.reserved, "region already released")
	case StateTerminated:
		// Returning to the pool rewinds the lifecycle for the next context.
		if !r.casState(StateTerminated, StateCommitted) {
			return errCode(ErrBadTransition, r.reserved, "region state changed during Put")
		}
	case StateCommitted:
		// Never activated; park as-is.
	default:
		return errCode(ErrBadTransition, r.reserved, "region not reusable in state "+s.String())
	}

	c.mu.Lock()
	if len(c.parked[r.reserved]) < c.depth {
		c.parked[r.reserved] = append(c.parked[r.reserved], r)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.provisioner.Release(r)
}

// Purge releases every parked region to the OS. The first release error is
// returned after all regions have been attempted.
func (c *StackCache) Purge() error {
	c.mu.Lock()
	var all []*StackRegion
	for size, list := range c.parked {
		all = append(all, list...)
		delete(c.parked, size)
	}
	c.mu.Unlock()

	var firstErr error
	for _, r := range all {
		if err := c.provisioner.Release(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits   uint64 // Get calls served from a parked region
	Misses uint64 // Get calls that fell through to Allocate
	Parked int    // Regions currently parked across all sizes
}

// Stats returns a snapshot of cache effectiveness counters.
func (c *StackCache) Stats() CacheStats {
	c.mu.Lock()
	parked := 0
	for _, list := range c.parked {
		parked += len(list)
	}
	c.mu.Unlock()

	return CacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
		Parked: parked,
	}
}
