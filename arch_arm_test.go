package detour

import (
	"testing"
	"unsafe"
)

// armCode allocates an executable region and seeds it with the given A32
// words, little-endian, used as a stand-in target/replacement address.
// The bytes are never actually executed as ARM code in this test; only
// their byte pattern after patching is asserted.
func armCode(t *testing.T, words []uint32) uintptr {
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

func TestInstallARM32PatchBytes(t *testing.T) {
	movR0R0 := uint32(0xe1a00000) // mov r0, r0 (not PC-relative)
	target := armCode(t, []uint32{movR0R0, movR0R0})
	replace := armCode(t, []uint32{movR0R0, movR0R0})

	var trampoline uintptr
	used, err := installARM32(target, replace, &trampoline)
	if err != nil {
		t.Fatalf("installARM32: %v", err)
	}
	if used != 8 {
		t.Fatalf("used = %d, want 8", used)
	}
	if trampoline == 0 {
		t.Fatalf("expected a non-zero trampoline")
	}

	patched := readAt(target, 8)
	word0 := le32(patched[0:])
	word1 := le32(patched[4:])
	if word0 != aLdrRdRnIm(aPC, aPC, 4-8) {
		t.Fatalf("patched word0 = %#x, want the LDR PC,[PC,#-4] encoding", word0)
	}
	if uintptr(word1) != replace {
		t.Fatalf("patched literal = %#x, want %#x", word1, replace)
	}
}

func TestInstallARM32ShortCircuitsAlreadyPatched(t *testing.T) {
	movR0R0 := uint32(0xe1a00000)
	target := armCode(t, []uint32{movR0R0, movR0R0})
	replace := armCode(t, []uint32{movR0R0, movR0R0})

	var first uintptr
	if _, err := installARM32(target, replace, &first); err != nil {
		t.Fatalf("installARM32 (first pass): %v", err)
	}

	var second uintptr
	used, err := installARM32(target, replace, &second)
	if err != nil {
		t.Fatalf("installARM32 (second pass): %v", err)
	}
	if used != 4 {
		t.Fatalf("short-circuit used = %d, want 4", used)
	}
	if second != replace {
		t.Fatalf("short-circuit trampoline = %#x, want %#x", second, replace)
	}
}

func TestInstallARM32RejectsNullTarget(t *testing.T) {
	if _, err := installARM32(0, 0x1000, nil); err == nil {
		t.Fatalf("expected an error for a null symbol address")
	}
}
