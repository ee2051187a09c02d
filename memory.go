package detour

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocateTrampoline mmaps anonymous RW memory, rounded up to whole pages,
// to hold a trampoline body. The mapping is never released: a trampoline may be called for the
// lifetime of the process once installed, and there is no safe point at
// which the caller could tell us every caller has stopped using it.
func allocateTrampoline(size int) ([]byte, error) {
	if size <= 0 {
		size = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, pageAlign(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, wrapErr(KindMemoryMap, err, "mmap %d bytes", size)
	}
	return mem, nil
}

// makeExecutable drops write permission and grants execute permission on a
// region previously returned by allocateTrampoline.
func makeExecutable(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return wrapErr(KindMemoryProtection, err, "mprotect RX")
	}
	return nil
}

// allocateTrampolinePoolRWX mmaps a region that stays writable and
// executable for its entire lifetime, unlike allocateTrampoline's
// mmap-then-protect sequence. The A64 trampoline pool needs this: distinct
// slots are built at different times while earlier slots already installed
// in the pool may be running.
func allocateTrampolinePoolRWX(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, pageAlign(size), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, wrapErr(KindMemoryMap, err, "mmap %d bytes (rwx pool)", size)
	}
	return mem, nil
}

func pageAlign(n int) int {
	pg := unix.Getpagesize()
	return ((n + pg - 1) / pg) * pg
}

// writableScope temporarily widens the protection of an in-place code
// region to RWX so a patch can be written, then restores RX and flushes
// the instruction cache on architectures that require it. Every in-place
// patch of a hooked function's code goes through exactly one scope; the A64
// trampoline pool, mapped RWX from the start, is written without one.
type writableScope struct {
	base uintptr
	size int
}

// openWritableScope computes the page-aligned range covering [addr, addr+size)
// and mprotects it RWX for the duration of the scope.
func openWritableScope(addr uintptr, size int) (*writableScope, error) {
	pg := uintptr(unix.Getpagesize())
	base := addr &^ (pg - 1)
	end := (addr + uintptr(size) + pg - 1) &^ (pg - 1)
	width := int(end - base)

	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), width)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, wrapErr(KindMemoryProtection, err, "mprotect RWX at %#x..%#x", base, end)
	}
	return &writableScope{base: base, size: width}, nil
}

// Close restores RX protection and invalidates the instruction cache over
// the scope's range. On x86-64 and IA-32 hosts the cache flush is a no-op
// (see cacheflush_generic.go).
func (s *writableScope) Close() error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(s.base)), s.size)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return wrapErr(KindMemoryProtection, err, "mprotect RX at %#x", s.base)
	}
	clearInstructionCache(s.base, s.size)
	return nil
}

// writeAt copies data into the target address. Caller must hold a
// writableScope covering [addr, addr+len(data)).
func writeAt(addr uintptr, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
	logHex(data, 16, 0)
}

// readAt reads n bytes starting at addr. Used to inspect an existing
// prologue before deciding whether it is already patched.
func readAt(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}
