package stackmem

import "fmt"

// ErrorCode represents provisioning error types.
type ErrorCode int

const (
	ErrSizeTooSmall      ErrorCode = iota // Request below the minimum viable stack
	ErrOutOfAddressSpace                  // Reservation of virtual address space failed
	ErrCommitFailed                       // Backing the usable pages failed
	ErrProtectionFailed                   // Arming the guard region failed
	ErrStillActive                        // Release attempted on a running context's stack
	ErrAlreadyReleased                    // Release attempted twice on the same region
	ErrUnknownRegion                      // Region not owned by this provisioner
	ErrBadTransition                      // Lifecycle transition out of order
	ErrReleaseFailed                      // OS refused to unmap the reservation
)

// String returns string representation of an error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrSizeTooSmall:
		return "SizeTooSmall"
	case ErrOutOfAddressSpace:
		return "OutOfAddressSpace"
	case ErrCommitFailed:
		return "CommitFailed"
	case ErrProtectionFailed:
		return "ProtectionFailed"
	case ErrStillActive:
		return "StillActive"
	case ErrAlreadyReleased:
		return "AlreadyReleased"
	case ErrUnknownRegion:
		return "UnknownRegion"
	case ErrBadTransition:
		return "BadTransition"
	case ErrReleaseFailed:
		return "ReleaseFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(ec))
	}
}

// ProvisionError describes a failed Allocate or Release operation.
// The OS-level cause, when one exists, is retained and exposed via Unwrap.
type ProvisionError struct {
	Message string    // Human-readable description
	Code    ErrorCode // Error classification
	Size    uintptr   // Requested or affected size in bytes
	Cause   error     // Underlying OS error, may be nil
}

// Error implements the error interface.
func (pe *ProvisionError) Error() string {
	if pe.Cause != nil {
		return fmt.Sprintf("ProvisionError[%s]: %s (size=%d): %v", pe.Code, pe.Message, pe.Size, pe.Cause)
	}
	return fmt.Sprintf("ProvisionError[%s]: %s (size=%d)", pe.Code, pe.Message, pe.Size)
}

// Unwrap returns the underlying OS error, if any.
func (pe *ProvisionError) Unwrap() error { return pe.Cause }

// Is makes errors.Is match on the error code when the target is a
// *ProvisionError carrying the same code.
func (pe *ProvisionError) Is(target error) bool {
	other, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return pe.Code == other.Code
}

// errCode builds a ProvisionError without an OS cause.
func errCode(code ErrorCode, size uintptr, message string) *ProvisionError {
	return &ProvisionError{Message: message, Code: code, Size: size}
}

// errOS builds a ProvisionError wrapping an OS-level cause.
func errOS(code ErrorCode, size uintptr, message string, cause error) *ProvisionError {
	return &ProvisionError{Message: message, Code: code, Size: size, Cause: cause}
}
