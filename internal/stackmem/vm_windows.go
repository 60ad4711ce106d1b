//go:build windows

package stackmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// vmReserve claims size bytes of contiguous virtual address space without
// committing any of it.
func vmReserve(size uintptr) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// vmCommit backs [offset, offset+length) of the reservation with readable,
// writable pages. Offset and length must be page-aligned.
func vmCommit(mem []byte, offset, length uintptr) error {
	base := uintptr(unsafe.Pointer(&mem[0]))
	_, err := windows.VirtualAlloc(base+offset, length, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

// vmProtectGuard arms the low guard bytes so that any access traps. The
// guard pages must be committed to carry an access protection of their own;
// PAGE_NOACCESS keeps them from ever being touched without a fault.
func vmProtectGuard(mem []byte, guard uintptr) error {
	base := uintptr(unsafe.Pointer(&mem[0]))
	_, err := windows.VirtualAlloc(base, guard, windows.MEM_COMMIT, windows.PAGE_NOACCESS)
	return err
}

// vmRelease returns the entire reservation to the OS.
func vmRelease(mem []byte) error {
	base := uintptr(unsafe.Pointer(&mem[0]))
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}
