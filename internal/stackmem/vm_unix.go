//go:build unix

package stackmem

import (
	"golang.org/x/sys/unix"
)

// vmReserve claims size bytes of contiguous virtual address space as an
// anonymous private mapping with no access rights. Nothing is usable until
// vmCommit grants access above the guard.
func vmReserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// vmCommit backs [offset, offset+length) of the reservation with readable,
// writable pages. Offset and length must be page-aligned.
func vmCommit(mem []byte, offset, length uintptr) error {
	return unix.Mprotect(mem[offset:offset+length], unix.PROT_READ|unix.PROT_WRITE)
}

// vmProtectGuard arms the low guard bytes so that any access traps.
// Fresh reservations already carry PROT_NONE; this re-asserts it so the
// guard survives a reused or recycled mapping.
func vmProtectGuard(mem []byte, guard uintptr) error {
	return unix.Mprotect(mem[:guard], unix.PROT_NONE)
}

// vmRelease returns the entire reservation to the OS.
func vmRelease(mem []byte) error {
	return unix.Munmap(mem)
}
