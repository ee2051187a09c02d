package detour

import (
	"testing"
	"unsafe"
)

func TestAllocateTrampolineAndMakeExecutable(t *testing.T) {
	mem, err := allocateTrampoline(64)
	if err != nil {
		t.Fatalf("allocateTrampoline: %v", err)
	}
	if len(mem) < 64 {
		t.Fatalf("expected at least 64 bytes, got %d", len(mem))
	}

	// ret (0xc3) is valid on every supported architecture as a readable
	// byte pattern even though it is only meaningful as an instruction on
	// x86-64; this test only exercises the protection transition.
	mem[0] = 0xc3

	if err := makeExecutable(mem); err != nil {
		t.Fatalf("makeExecutable: %v", err)
	}
}

func TestAllocateTrampolinePoolRWX(t *testing.T) {
	mem, err := allocateTrampolinePoolRWX(4096)
	if err != nil {
		t.Fatalf("allocateTrampolinePoolRWX: %v", err)
	}
	if len(mem) < 4096 {
		t.Fatalf("expected at least 4096 bytes, got %d", len(mem))
	}
	// The pool must stay writable after being marked executable by the
	// kernel's initial mapping, unlike allocateTrampoline+makeExecutable.
	mem[0] = 0x01
	mem[1] = 0x02
	if mem[0] != 0x01 || mem[1] != 0x02 {
		t.Fatalf("expected the pool region to remain writable")
	}
}

func TestWritableScopeRoundTrip(t *testing.T) {
	mem, err := allocateTrampoline(64)
	if err != nil {
		t.Fatalf("allocateTrampoline: %v", err)
	}
	if err := makeExecutable(mem); err != nil {
		t.Fatalf("makeExecutable: %v", err)
	}

	addr := uintptr(unsafe.Pointer(&mem[0]))
	scope, err := openWritableScope(addr, 4)
	if err != nil {
		t.Fatalf("openWritableScope: %v", err)
	}
	writeAt(addr, []byte{0xde, 0xad, 0xbe, 0xef})
	if err := scope.Close(); err != nil {
		t.Fatalf("scope.Close: %v", err)
	}

	got := readAt(addr, 4)
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestPageAlign(t *testing.T) {
	pg := pageAlign(1)
	if pg%4096 != 0 && pg%16384 != 0 {
		// Accept common page sizes (4KiB x86/ARM, 16KiB some ARM64 hosts)
		// without hardcoding unix.Getpagesize's value.
		t.Fatalf("pageAlign(1) = %d, not a multiple of a common page size", pg)
	}
	if pageAlign(0) != 0 {
		t.Fatalf("pageAlign(0) = %d, want 0", pageAlign(0))
	}
}
