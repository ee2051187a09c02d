package detour

import (
	"bytes"
	"fmt"
	"os"
)

// patchBuffer accumulates the bytes of a patch or trampoline body before it
// is copied into executable memory. It tracks whether the buffer has been
// committed to prevent accidental writes after the caller believes encoding
// is finished; this mirrors a bug class that is easy to hit when relocation
// logic branches into several tail paths.
type patchBuffer struct {
	buf       bytes.Buffer
	committed bool
	name      string
}

func newPatchBuffer(name string) *patchBuffer {
	return &patchBuffer{name: name}
}

func (b *patchBuffer) mustNotBeCommitted() {
	if b.committed {
		panic(fmt.Sprintf("patchBuffer(%s): write after commit", b.name))
	}
}

func (b *patchBuffer) WriteByte(c byte) {
	b.mustNotBeCommitted()
	b.buf.WriteByte(c)
}

func (b *patchBuffer) Write(p []byte) {
	b.mustNotBeCommitted()
	b.buf.Write(p)
}

func (b *patchBuffer) WriteUint32LE(v uint32) {
	b.mustNotBeCommitted()
	b.buf.WriteByte(byte(v))
	b.buf.WriteByte(byte(v >> 8))
	b.buf.WriteByte(byte(v >> 16))
	b.buf.WriteByte(byte(v >> 24))
}

func (b *patchBuffer) WriteUint64LE(v uint64) {
	b.mustNotBeCommitted()
	for i := 0; i < 8; i++ {
		b.buf.WriteByte(byte(v >> (8 * uint(i))))
	}
}

func (b *patchBuffer) Len() int {
	return b.buf.Len()
}

// Commit freezes the buffer. Bytes() is only meant to be read afterward.
func (b *patchBuffer) Commit() {
	if verbose {
		fmt.Fprintf(os.Stderr, "patchBuffer(%s): committed %d bytes\n", b.name, b.buf.Len())
	}
	b.committed = true
}

func (b *patchBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
