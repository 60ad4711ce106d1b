package stackmem

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Config holds provisioner tuning knobs.
type Config struct {
	DefaultStackSize uintptr // Reservation size when the caller passes 0
	GuardSize        uintptr // Guard bytes at the low end, 0 means one page
}

// Option mutates a Config.
type Option func(*Config)

// WithDefaultStackSize overrides the reservation used for size-0 requests.
func WithDefaultStackSize(size uintptr) Option {
	return func(c *Config) { c.DefaultStackSize = size }
}

// WithGuardSize overrides the guard region size. The value is rounded up
// to the page size.
func WithGuardSize(size uintptr) Option {
	return func(c *Config) { c.GuardSize = size }
}

func defaultConfig() Config {
	return Config{
		DefaultStackSize: DefaultStackSize,
	}
}

// Provisioner reserves, protects and reclaims native thread stacks. It owns
// every region it allocates until Release; regions of different provisioners
// never interfere. All methods are safe for concurrent use.
type Provisioner struct {
	config  Config
	page    uintptr // OS page size, cached at construction
	nextID  uint64  // Last issued StackID (atomic)
	mu      sync.Mutex
	regions map[StackID]*StackRegion // Live regions by ID

	// Diagnostics ledger, all atomics. Tracks this provisioner only.
	allocCount    uint64
	releaseCount  uint64
	failCount     uint64
	bytesReserved uint64 // Cumulative
	bytesInUse    int64  // Currently reserved and unreleased
	peakInUse     int64
}

// NewProvisioner creates a provisioner with the given options applied over
// the defaults.
func NewProvisioner(options ...Option) *Provisioner {
	config := defaultConfig()
	for _, opt := range options {
		opt(&config)
	}

	p := &Provisioner{
		config:  config,
		page:    uintptr(os.Getpagesize()),
		regions: make(map[StackID]*StackRegion),
	}

	if p.config.GuardSize == 0 {
		p.config.GuardSize = p.page
	}
	p.config.GuardSize = alignUp(p.config.GuardSize, p.page)

	return p
}

// PageSize returns the OS page size the provisioner rounds against.
func (p *Provisioner) PageSize() uintptr { return p.page }

// normalizeSize rounds a request the way Allocate will: zero becomes the
// configured default, everything is rounded up to the page size.
func (p *Provisioner) normalizeSize(requested uintptr) uintptr {
	size := requested
	if size == 0 {
		size = p.config.DefaultStackSize
	}
	return alignUp(size, p.page)
}

// Allocate reserves a contiguous virtual address range for one thread
// stack, commits every page above the guard, and arms the guard region so
// that an overrun traps. A requested size of 0 uses the configured default.
// The returned region is in state Committed and exclusively owned by the
// caller until Release.
//
// On any failure the partial reservation is returned to the OS before the
// error surfaces; a failed Allocate never leaks address space.
func (p *Provisioner) Allocate(requested uintptr) (*StackRegion, error) {
	size := p.normalizeSize(requested)
	guard := p.config.GuardSize

	if size < MinStackSize || size < guard+MinUsableSize {
		atomic.AddUint64(&p.failCount, 1)
		return nil, errCode(ErrSizeTooSmall, requested, "stack below minimum viable size")
	}

	mem, err := vmReserve(size)
	if err != nil {
		atomic.AddUint64(&p.failCount, 1)
		return nil, errOS(ErrOutOfAddressSpace, size, "reserving stack address space", err)
	}

	if err := vmCommit(mem, guard, size-guard); err != nil {
		_ = vmRelease(mem)
		atomic.AddUint64(&p.failCount, 1)
		return nil, errOS(ErrCommitFailed, size, "committing usable stack pages", err)
	}

	if err := vmProtectGuard(mem, guard); err != nil {
		_ = vmRelease(mem)
		atomic.AddUint64(&p.failCount, 1)
		return nil, errOS(ErrProtectionFailed, size, "arming guard region", err)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	region := &StackRegion{
		id:        StackID(atomic.AddUint64(&p.nextID, 1)),
		base:      base,
		reserved:  size,
		committed: size - guard,
		guard:     guard,
		initialSP: alignDown(base+size-stackAlignment, stackAlignment),
		mapping:   mem,
	}
	region.setState(StateCommitted)

	p.mu.Lock()
	p.regions[region.id] = region
	p.mu.Unlock()

	atomic.AddUint64(&p.allocCount, 1)
	atomic.AddUint64(&p.bytesReserved, uint64(size))
	p.addInUse(int64(size))

	return region, nil
}

// MarkActive records that an execution context started running on the
// region's stack. Only a Committed region can become Active.
func (p *Provisioner) MarkActive(r *StackRegion) error {
	if r == nil {
		return errCode(ErrUnknownRegion, 0, "nil region")
	}
	if !r.casState(StateCommitted, StateActive) {
		return errCode(ErrBadTransition, r.reserved, "region not in Committed state")
	}
	return nil
}

// MarkTerminated records that the execution context on the region's stack
// has fully terminated, normally or through forced overflow teardown. Only
// after this does Release accept a previously Active region.
func (p *Provisioner) MarkTerminated(r *StackRegion) error {
	if r == nil {
		return errCode(ErrUnknownRegion, 0, "nil region")
	}
	if !r.casState(StateActive, StateTerminated) {
		return errCode(ErrBadTransition, r.reserved, "region not in Active state")
	}
	return nil
}

// Release consumes ownership of the region and returns its entire
// reservation to the OS. The execution context must have terminated first:
// releasing an Active region fails with StillActive. Releasing twice fails
// with AlreadyReleased and never double-frees.
func (p *Provisioner) Release(r *StackRegion) error {
	if r == nil {
		return errCode(ErrUnknownRegion, 0, "nil region")
	}

	p.mu.Lock()
	_, owned := p.regions[r.id]
	p.mu.Unlock()
	if !owned && r.State() != StateReleased {
		return errCode(ErrUnknownRegion, r.reserved, "region not owned by this provisioner")
	}

	for {
		switch s := r.State(); s {
		case StateActive:
			return errCode(ErrStillActive, r.reserved, "execution context has not terminated")
		case StateReleased:
			return errCode(ErrAlreadyReleased, r.reserved, "region already released")
		default:
			if !r.casState(s, StateReleased) {
				continue // Lost a state race, reevaluate
			}
		}
		break
	}

	p.mu.Lock()
	delete(p.regions, r.id)
	p.mu.Unlock()

	err := vmRelease(r.mapping)
	r.mapping = nil

	atomic.AddUint64(&p.releaseCount, 1)
	p.addInUse(-int64(r.reserved))

	if err != nil {
		return errOS(ErrReleaseFailed, r.reserved, "unmapping stack reservation", err)
	}
	return nil
}

// LiveRegions returns the number of regions currently owned and unreleased.
func (p *Provisioner) LiveRegions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}

func (p *Provisioner) addInUse(delta int64) {
	inUse := atomic.AddInt64(&p.bytesInUse, delta)
	for {
		peak := atomic.LoadInt64(&p.peakInUse)
		if inUse <= peak || atomic.CompareAndSwapInt64(&p.peakInUse, peak, inUse) {
			return
		}
	}
}

// ProvisionerStats is a point-in-time snapshot of the diagnostics ledger.
type ProvisionerStats struct {
	Allocations    uint64 // Successful Allocate calls
	Releases       uint64 // Successful Release calls
	Failures       uint64 // Failed Allocate calls
	BytesReserved  uint64 // Cumulative reserved bytes
	BytesInUse     uint64 // Currently reserved, unreleased bytes
	PeakBytesInUse uint64 // High-water mark of BytesInUse
	LiveRegions    int    // Currently owned regions
}

// Stats returns a snapshot of the diagnostics ledger.
func (p *Provisioner) Stats() ProvisionerStats {
	return ProvisionerStats{
		Allocations:    atomic.LoadUint64(&p.allocCount),
		Releases:       atomic.LoadUint64(&p.releaseCount),
		Failures:       atomic.LoadUint64(&p.failCount),
		BytesReserved:  atomic.LoadUint64(&p.bytesReserved),
		BytesInUse:     uint64(atomic.LoadInt64(&p.bytesInUse)),
		PeakBytesInUse: uint64(atomic.LoadInt64(&p.peakInUse)),
		LiveRegions:    p.LiveRegions(),
	}
}

// ResetStats zeroes the counters without touching live regions. Intended
// for tests that assert on ledger deltas.
func (p *Provisioner) ResetStats() {
	atomic.StoreUint64(&p.allocCount, 0)
	atomic.StoreUint64(&p.releaseCount, 0)
	atomic.StoreUint64(&p.failCount, 0)
	atomic.StoreUint64(&p.bytesReserved, 0)
	atomic.StoreInt64(&p.peakInUse, atomic.LoadInt64(&p.bytesInUse))
}

// Process-wide default provisioner, initialized on first use.

var (
	defaultProvisioner *Provisioner
	defaultOnce        sync.Once
)

// Default returns the process-wide provisioner, creating it with default
// configuration on first use.
func Default() *Provisioner {
	defaultOnce.Do(func() {
		defaultProvisioner = NewProvisioner()
	})
	return defaultProvisioner
}

// Allocate provisions a stack from the process-wide provisioner.
func Allocate(requested uintptr) (*StackRegion, error) {
	return Default().Allocate(requested)
}

// Release returns a stack of the process-wide provisioner to the OS.
func Release(r *StackRegion) error {
	return Default().Release(r)
}
