package detour

import (
	"testing"
	"unsafe"
)

// thumbCode allocates an executable, word-aligned region seeded with the
// given Thumb halfwords, used as a stand-in target/replacement address.
func thumbCode(t *testing.T, halfwords []uint16) uintptr {
	t.Helper()
	mem, err := allocateTrampoline(64)
	if err != nil {
		t.Fatalf("allocateTrampoline: %v", err)
	}
	for i, w := range halfwords {
		mem[i*2] = byte(w)
		mem[i*2+1] = byte(w >> 8)
	}
	if err := makeExecutable(mem); err != nil {
		t.Fatalf("makeExecutable: %v", err)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if addr&0x2 != 0 {
		t.Fatalf("expected a page-aligned (and hence 4-byte-aligned) mmap address, got %#x", addr)
	}
	return addr
}

func TestInstallThumbVeneerBytes(t *testing.T) {
	nop := tNop()
	target := thumbCode(t, []uint16{nop, nop, nop, nop, nop, nop})
	replace := thumbCode(t, []uint16{nop, nop, nop, nop, nop, nop}) + 1 // Thumb bit

	var trampoline uintptr
	used, err := installThumb(target, replace&^0x1, &trampoline)
	if err != nil {
		t.Fatalf("installThumb: %v", err)
	}
	if used != 12 {
		t.Fatalf("used = %d, want 12", used)
	}
	if trampoline&0x1 == 0 {
		t.Fatalf("expected the trampoline address to carry the Thumb state bit, got %#x", trampoline)
	}

	patched := readAt(target, 12)
	if le16(patched[0:]) != tBx(aPC) {
		t.Fatalf("first halfword = %#x, want BX PC", le16(patched[0:]))
	}
	if le16(patched[2:]) != tNop() {
		t.Fatalf("second halfword = %#x, want NOP", le16(patched[2:]))
	}
	if le32(patched[4:]) != aLdrRdRnIm(aPC, aPC, 4-8) {
		t.Fatalf("third word = %#x, want LDR PC,[PC,#-4]", le32(patched[4:]))
	}
	if uintptr(le32(patched[8:])) != replace&^0x1 {
		t.Fatalf("literal = %#x, want %#x", le32(patched[8:]), replace&^0x1)
	}
}

func TestInstallThumbShortCircuitsExistingVeneer(t *testing.T) {
	nop := tNop()
	target := thumbCode(t, []uint16{nop, nop, nop, nop, nop, nop})
	replace := thumbCode(t, []uint16{nop, nop, nop, nop, nop, nop}) &^ 0x1

	var first uintptr
	if _, err := installThumb(target, replace, &first); err != nil {
		t.Fatalf("installThumb (first pass): %v", err)
	}

	var second uintptr
	used, err := installThumb(target, replace, &second)
	if err != nil {
		t.Fatalf("installThumb (second pass): %v", err)
	}
	if used != 4 {
		t.Fatalf("short-circuit used = %d, want 4", used)
	}
	if second != replace {
		t.Fatalf("short-circuit trampoline = %#x, want %#x", second, replace)
	}
}

func TestInstallThumbRejectsNullTarget(t *testing.T) {
	if _, err := installThumb(0, 0x1000, nil); err == nil {
		t.Fatalf("expected an error for a null symbol address")
	}
}
