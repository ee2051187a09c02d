package detour

import (
	"testing"
	"unsafe"
)

func arm64Code(t *testing.T, words []uint32) uintptr {
	t.Helper()
	mem, err := allocateTrampoline(64)
	if err != nil {
		t.Fatalf("allocateTrampoline: %v", err)
	}
	for i, w := range words {
		putLE32(mem[i*4:], w)
	}
	if err := makeExecutable(mem); err != nil {
		t.Fatalf("makeExecutable: %v", err)
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

func TestInstallARM64NearBranch(t *testing.T) {
	target := arm64Code(t, []uint32{a64Nop, a64Nop})
	replace := arm64Code(t, []uint32{a64Nop, a64Nop})

	var trampoline uintptr
	used, err := installARM64(target, replace, &trampoline)
	if err != nil {
		t.Fatalf("installARM64: %v", err)
	}

	pcOffset := (int64(replace) - int64(target)) >> 2
	if abs64(pcOffset) >= int64(0x03ffffff>>1) {
		t.Skip("mmap placed target/replace too far apart for the near-branch path")
	}
	if used != 4 {
		t.Fatalf("used = %d, want 4", used)
	}
	if trampoline == 0 {
		t.Fatalf("expected a non-zero trampoline")
	}

	patched := loadU32(target)
	want := uint32(0x14000000) | (uint32(pcOffset) & 0x03ffffff)
	if patched != want {
		t.Fatalf("patched instruction = %#x, want %#x", patched, want)
	}

	// fixInstructions copies the displaced NOP verbatim as the first
	// relocated instruction in the trampoline.
	if got := loadU32(trampoline); got != a64Nop {
		t.Fatalf("trampoline[0] = %#x, want the relocated NOP %#x", got, a64Nop)
	}
}

// TestFixInstructionsFarVeneersStayWithinSlot relocates five CBZ
// instructions, each one forced onto fixCondCompTestBranch's 24-byte
// far-literal-pool path, into an output address placed far enough from the
// input that every CBZ takes the out-of-range path (the trailing B back to
// the input stays within its own +/-128MiB range). The output sits at the
// start of a slot-sized region immediately followed by a sentinel word; if
// fixInstructions ever writes past one pool slot's worth of bytes, the
// sentinel is clobbered.
func TestFixInstructionsFarVeneersStayWithinSlot(t *testing.T) {
	const regionSize = 4 * 1024 * 1024
	const outOffset = 2 * 1024 * 1024 // comfortably past the far-branch threshold (~1MiB)

	mem, err := allocateTrampoline(regionSize)
	if err != nil {
		t.Fatalf("allocateTrampoline: %v", err)
	}

	// CBZ W0, #0x100: imm19 = 0x40, so each branch target lies 256 bytes
	// past its own instruction — outside the 20-byte displaced window, so
	// no CBZ takes the intra-window path — and, seen from outp, well past
	// CBZ's ~1MiB reach. Harmless, since fixInstructions never executes
	// what it relocates, only computes distances from it.
	const cbzFar = uint32(0x34000800)
	for i := 0; i < 5; i++ {
		putLE32(mem[i*4:], cbzFar)
	}

	// fixInstructions only reads the displaced instructions and writes the
	// relocated ones; none of this memory is ever jumped into, so it stays
	// read-write rather than being switched to read-execute.
	base := uintptr(unsafe.Pointer(&mem[0]))
	inp := base
	outp := base + outOffset
	sentinelAddr := outp + uintptr(arm64PoolSlotSize)
	const sentinel = uint32(0xcafebabe)
	storeU32(sentinelAddr, sentinel)

	fixInstructions(inp, 5, outp)

	if got := loadU32(outp); got == 0 {
		t.Fatalf("expected fixInstructions to have written something at outp")
	}
	if got := loadU32(sentinelAddr); got != sentinel {
		t.Fatalf("sentinel past the slot boundary was clobbered: got %#08x, want %#08x (slot overflow)", got, sentinel)
	}
}

func TestInstallARM64RejectsNullTarget(t *testing.T) {
	if _, err := installARM64(0, 0x1000, nil); err == nil {
		t.Fatalf("expected an error for a null symbol address")
	}
}

func TestAbs64(t *testing.T) {
	if abs64(-5) != 5 {
		t.Fatalf("abs64(-5) = %d, want 5", abs64(-5))
	}
	if abs64(5) != 5 {
		t.Fatalf("abs64(5) = %d, want 5", abs64(5))
	}
}
