package detour

import "testing"

func TestPatchBufferAccumulates(t *testing.T) {
	b := newPatchBuffer("test")
	b.WriteByte(0x90)
	b.WriteUint32LE(0xdeadbeef)
	b.WriteUint64LE(0x0102030405060708)
	b.Write([]byte{0xaa, 0xbb})

	want := []byte{
		0x90,
		0xef, 0xbe, 0xad, 0xde,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0xaa, 0xbb,
	}
	b.Commit()
	got := b.Bytes()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestPatchBufferPanicsAfterCommit(t *testing.T) {
	b := newPatchBuffer("test")
	b.WriteByte(0x90)
	b.Commit()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a panic writing to a committed buffer")
		}
	}()
	b.WriteByte(0xcc)
}

func TestPatchBufferLen(t *testing.T) {
	b := newPatchBuffer("test")
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer to have length 0, got %d", b.Len())
	}
	b.Write([]byte{1, 2, 3})
	if b.Len() != 3 {
		t.Fatalf("expected length 3, got %d", b.Len())
	}
}
