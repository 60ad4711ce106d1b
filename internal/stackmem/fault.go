package stackmem

import "fmt"

// FaultClass is the semantic cause assigned to a trapped memory access.
type FaultClass int

const (
	FaultUnrelated     FaultClass = iota // Address outside any meaningful range of the region
	FaultStackOverflow                   // Address inside the guard region
)

// String returns string representation of a fault class.
func (fc FaultClass) String() string {
	switch fc {
	case FaultUnrelated:
		return "Unrelated"
	case FaultStackOverflow:
		return "StackOverflow"
	default:
		return fmt.Sprintf("Unknown(%d)", int(fc))
	}
}

// ClassifyFault maps a trapped access address to a semantic cause for the
// given region. An address inside [base, base+guard) is a stack overflow:
// the context ran its stack pointer down into the guard. Anything else is
// unrelated to this region and should be propagated as a generic fault.
//
// The function reads only the region's immutable geometry. It takes no
// locks, allocates nothing and never blocks, so it is safe to call from a
// signal or vectored-exception handler.
func ClassifyFault(r *StackRegion, addr uintptr) FaultClass {
	if r == nil {
		return FaultUnrelated
	}
	if addr >= r.base && addr < r.base+r.guard {
		return FaultStackOverflow
	}
	return FaultUnrelated
}
