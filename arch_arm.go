package detour

import "unsafe"

// A32 general-purpose register numbers referenced by the encoders below.
const (
	aR0 = 0
	aR1 = 1
	aSP = 13
	aLR = 14
	aPC = 15
)

// aLdrRdRnIm encodes "LDR rd, [rn, #im]" (or #-im when im is negative),
// the single instruction form the A32 backend relies on both for the
// installed detour itself and for relocating PC-relative loads it displaces.
func aLdrRdRnIm(rd, rn uint32, im int32) uint32 {
	var up uint32
	if im >= 0 {
		up = 1 << 23
	}
	abs := im
	if abs < 0 {
		abs = -abs
	}
	return 0xe5100000 | up | (rn << 16) | (rd << 12) | uint32(abs)
}

func aStmdbSpRs(rs uint32) uint32 {
	return 0xe9200000 | (aSP << 16) | rs
}

func aLdmiaSpRs(rs uint32) uint32 {
	return 0xe8b00000 | (aSP << 16) | rs
}

// installARM32 rewrites the two-word prologue at symbolAddr with an
// LDR PC,[PC,#-4] / literal pair that transfers control to replaceAddr.
// The displaced words are relocated into a trampoline when trampoline is
// non-nil, exactly as installX8664 does for x86-64, but A32's fixed 8-byte
// patch width and literal-pool addressing give it a much simpler shape:
// every instruction the patch can displace is exactly 4 bytes wide, so
// there is no length disassembly pass, only a PC-relative-load rewrite.
func installARM32(symbolAddr, replaceAddr uintptr, trampoline *uintptr) (int, error) {
	if symbolAddr == 0 {
		return 0, ErrNullPointer
	}

	const used = 8
	backup := readAt(symbolAddr, used)
	word0 := le32(backup[0:])
	word1 := le32(backup[4:])

	if trampoline != nil {
		if word0 == aLdrRdRnIm(aPC, aPC, 4-8) {
			*trampoline = uintptr(word1)

			scope, err := openWritableScope(symbolAddr+4, 4)
			if err != nil {
				return 0, err
			}
			patch := newPatchBuffer("arm32-retarget")
			patch.WriteUint32LE(uint32(replaceAddr))
			patch.Commit()
			writeAt(symbolAddr+4, patch.Bytes())
			if err := scope.Close(); err != nil {
				return 0, err
			}
			return 4, nil
		}

		words := [2]uint32{word0, word1}
		length := used
		for offset := 0; offset < used/4; offset++ {
			if isArmPcRelative(words[offset]) {
				if words[offset]&0x02000000 == 0 ||
					(words[offset]&0x0000f000)>>12 != words[offset]&0x0000000f {
					length += 2 * 4
				} else {
					length += 4 * 4
				}
			}
		}
		length += 2 * 4

		mem, err := allocateTrampoline(length)
		if err != nil {
			return 0, err
		}
		base := uintptr(unsafe.Pointer(&mem[0]))
		buffer := make([]uint32, length/4)

		start := 0
		end := length / 4

		for offset := 0; offset < used/4; offset++ {
			value := words[offset]
			traceInsn("a32: relocate offset=%d word=%#08x pcRelative=%t", offset*4, value, isArmPcRelative(value))
			if isArmPcRelative(value) {
				rm := value & 0xf
				rd := (value >> 12) & 0xf
				mode := (value >> 25) & 0x1

				copyRn := rd
				guard := false
				if mode == 0 || rd != rm {
					copyRn = rd
				} else {
					guard = true
					if rm != aR0 {
						copyRn = aR0
					} else {
						copyRn = aR1
					}
				}

				if guard {
					buffer[start] = aStmdbSpRs(1 << copyRn)
					start++
				}

				buffer[start] = aLdrRdRnIm(copyRn, aPC, int32((end-1-start)*4-8))
				buffer[start+1] = (value &^ 0x000f0000) | (copyRn << 16)
				start += 2

				if guard {
					buffer[start] = aLdmiaSpRs(1 << copyRn)
					start++
				}

				end--
				buffer[end] = uint32(symbolAddr) + uint32(offset*4) + 8
			} else {
				buffer[start] = value
				start++
			}
		}

		buffer[start] = aLdrRdRnIm(aPC, aPC, 4-8)
		buffer[start+1] = uint32(symbolAddr) + used

		for i, w := range buffer {
			putLE32(mem[i*4:], w)
		}
		if err := makeExecutable(mem); err != nil {
			return 0, err
		}
		*trampoline = base
	}

	scope, err := openWritableScope(symbolAddr, used)
	if err != nil {
		return 0, err
	}
	patch := newPatchBuffer("arm32-patch")
	patch.WriteUint32LE(aLdrRdRnIm(aPC, aPC, 4-8))
	patch.WriteUint32LE(uint32(replaceAddr))
	patch.Commit()
	writeAt(symbolAddr, patch.Bytes())
	if err := scope.Close(); err != nil {
		return 0, err
	}

	return used, nil
}
