// Package stackmem provisions native thread stacks for the Orizon runtime.
// Each stack is a contiguous anonymous mapping with a no-access guard region
// at its low end, so that a downward-growing overrun traps on the guard
// before it can corrupt adjacent memory. The package owns every region it
// hands out until the caller releases it.
package stackmem

import (
	"fmt"
	"sync/atomic"
)

// StackID is a unique identifier for provisioned stack regions.
type StackID uint64

// StackState tracks a region through its lifecycle. Transitions are
// monotonic: Reserved -> Committed -> Active -> Terminated -> Released,
// with Committed -> Released allowed when context creation fails after
// provisioning succeeded.
type StackState uint32

const (
	StateReserved   StackState = iota // Address space reserved, not yet usable
	StateCommitted                    // Usable pages committed, guard armed
	StateActive                       // An execution context runs on the stack
	StateTerminated                   // Context finished, stack reclaimable
	StateReleased                     // Mapping returned to the OS
)

// String returns string representation of a stack state.
func (s StackState) String() string {
	switch s {
	case StateReserved:
		return "Reserved"
	case StateCommitted:
		return "Committed"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	case StateReleased:
		return "Released"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

const (
	// DefaultStackSize is the reservation used when the caller does not
	// request an explicit size.
	DefaultStackSize uintptr = 1 << 20 // 1MiB

	// MinStackSize is the smallest total reservation the provisioner
	// accepts, after rounding the request up to the page size.
	MinStackSize uintptr = 64 * 1024 // 64KiB

	// MinUsableSize is the smallest committed, non-guard span a stack
	// must provide to be worth handing to an execution context.
	MinUsableSize uintptr = 16 * 1024 // 16KiB

	// stackAlignment is the alignment of the initial stack pointer
	// required by the platform call convention.
	stackAlignment uintptr = 16
)

// StackRegion represents one provisioned thread stack. Geometry fields are
// immutable after Allocate returns; only the state word ever changes. The
// zero value is not a valid region.
type StackRegion struct {
	id        StackID // Unique region identifier
	base      uintptr // Lowest address of the reservation
	reserved  uintptr // Total reserved bytes, page-aligned
	committed uintptr // Bytes backed above the guard
	guard     uintptr // No-access sentinel bytes at the low end
	initialSP uintptr // Initial stack pointer for a new context
	state     uint32  // StackState, accessed atomically
	mapping   []byte  // Backing mapping, owned until release
}

// ID returns the region's unique identifier.
func (r *StackRegion) ID() StackID { return r.id }

// Base returns the lowest address of the reserved range.
func (r *StackRegion) Base() uintptr { return r.base }

// ReservedSize returns the total reserved virtual address space in bytes.
func (r *StackRegion) ReservedSize() uintptr { return r.reserved }

// CommittedSize returns the bytes backed by usable storage above the guard.
func (r *StackRegion) CommittedSize() uintptr { return r.committed }

// GuardSize returns the size of the no-access sentinel at the low end.
func (r *StackRegion) GuardSize() uintptr { return r.guard }

// InitialSP returns the address a new execution context should start on:
// the highest 16-byte-aligned address inside the committed usable range.
func (r *StackRegion) InitialSP() uintptr { return r.initialSP }

// State returns the region's current lifecycle state.
func (r *StackRegion) State() StackState {
	return StackState(atomic.LoadUint32(&r.state))
}

func (r *StackRegion) setState(s StackState) {
	atomic.StoreUint32(&r.state, uint32(s))
}

func (r *StackRegion) casState(from, to StackState) bool {
	return atomic.CompareAndSwapUint32(&r.state, uint32(from), uint32(to))
}

// UsableRange returns the half-open committed, non-guard address range.
func (r *StackRegion) UsableRange() (low, high uintptr) {
	return r.base + r.guard, r.base + r.reserved
}

// Usable returns the committed, non-guard span as a byte slice. The slice
// aliases the stack memory itself; it must not be touched after Release.
func (r *StackRegion) Usable() []byte {
	return r.mapping[r.guard:]
}

// alignUp aligns a size up to the nearest multiple of alignment.
// Alignment must be a power of two.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

// alignDown aligns an address down to the nearest multiple of alignment.
// Alignment must be a power of two.
func alignDown(addr, alignment uintptr) uintptr {
	return addr &^ (alignment - 1)
}

// isPowerOfTwo reports whether v is a nonzero power of two.
func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
