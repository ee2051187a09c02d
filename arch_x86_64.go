package detour

import "unsafe"

// ia32 selects the always-short jump-encoding rule used on 32-bit x86,
// where every pointer fits in the 5-byte E9 rel32 form. install() flips
// this before calling installX8664 on a 386 build; every other caller
// gets the x86-64 sizing rules.
var ia32 = false

func is32BitOffset(target, source uintptr) bool {
	offset := int64(target) - int64(source)
	return int64(int32(offset)) == offset
}

func sizeOfSkip() int { return 5 }

func sizeOfPushPointer(target uintptr) int {
	if target>>32 == 0 {
		return 5
	}
	return 13
}

func sizeOfJumpBlind(target uintptr) int {
	if ia32 {
		return sizeOfSkip()
	}
	return sizeOfPushPointer(target) + 1
}

func sizeOfJump(target, source uintptr) int {
	if ia32 || is32BitOffset(target, source+5) {
		return sizeOfSkip()
	}
	return sizeOfPushPointer(target) + 1
}

func sizeOfPop(target uint8) int {
	if target>>3 != 0 {
		return 2
	}
	return 1
}

func sizeOfMove64() int { return 3 }

func writeSkip(b *patchBuffer, delta int32) {
	b.WriteByte(0xe9)
	b.WriteUint32LE(uint32(delta))
}

func pushPointer(b *patchBuffer, target uintptr) {
	b.WriteByte(0x68)
	b.WriteUint32LE(uint32(target))
	if high := uint32(target >> 32); high != 0 {
		b.WriteByte(0xc7)
		b.WriteByte(0x44)
		b.WriteByte(0x24)
		b.WriteByte(0x04)
		b.WriteUint32LE(high)
	}
}

// writeJump appends a jump to target, choosing the 5-byte near form when
// the offset fits in 32 bits and otherwise the push/ret far form. current
// is the address the buffer's next byte will be written to once flushed,
// used only to decide reachability; it does not need to be exact until
// the buffer is actually placed at that address.
func writeJump(b *patchBuffer, current, target uintptr) {
	source := current
	if ia32 || is32BitOffset(target, source+5) {
		writeSkip(b, int32(int64(target)-int64(source)-5))
	} else {
		pushPointer(b, target)
		b.WriteByte(0xc3)
	}
}

func writePop(b *patchBuffer, target uint8) {
	if target>>3 != 0 {
		b.WriteByte(0x40 | ((target & 0x08) >> 3))
	}
	b.WriteByte(0x58 | (target & 0x07))
}

func writeMove64(b *patchBuffer, source, target uint8) {
	b.WriteByte(0x48 | ((target&0x08)>>3)<<2 | ((source & 0x08) >> 3))
	b.WriteByte(0x8b)
	b.WriteByte((target&0x07)<<3 | (source & 0x07))
}

// installX8664 rewrites the prologue at symbolAddr to transfer control to
// replaceAddr. When trampoline is non-nil, *trampoline receives the address
// of a generated trampoline that runs the displaced prologue before
// resuming at symbolAddr+used.
func installX8664(symbolAddr, replaceAddr uintptr, trampoline *uintptr) (int, error) {
	if symbolAddr == 0 {
		return 0, ErrNullPointer
	}

	source := symbolAddr
	target := replaceAddr
	required := sizeOfJump(target, source)

	used := 0
	for used < required {
		window := readAt(source+uintptr(used), 16)
		_, width := hde64Disasm(window)
		if width == 0 {
			return 0, wrapErr(KindDisassemblyFailed, nil, "zero-length instruction at offset %d", used)
		}
		used += int(width)
	}

	blank := used - required
	backup := readAt(source, used)

	if trampoline != nil {
		if backup[0] == 0xe9 {
			rel := int32(le32(backup[1:]))
			*trampoline = source + 5 + uintptr(rel)
			return 4, nil
		}
		if !ia32 && len(backup) > 1 && backup[0] == 0xff && backup[1] == 0x25 {
			rel := int32(le32(backup[2:]))
			gotAddr := source + 6 + uintptr(rel)
			*trampoline = *(*uintptr)(unsafe.Pointer(gotAddr))
			return 6, nil
		}

		length := used + sizeOfJumpBlind(source+uintptr(used))

		offset := 0
		for offset < used {
			decode, widthU := hde64Disasm(backup[offset:])
			width := int(widthU)

			if decode.modrm&0xc7 == 0x05 && decode.opcode == 0x8b {
				destiny := source + uintptr(offset) + uintptr(width) + uintptr(int32(decode.disp32))
				reg := decode.rexR<<3 | decode.modrmReg
				length -= int(decode.len)
				length += sizeOfPushPointer(destiny)
				length += sizeOfPop(reg)
				length += sizeOfMove64()
			}

			switch {
			case backup[offset] == 0xe8:
				rel := int32(le32(backup[offset+1:]))
				destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(rel)
				if rel == 0 {
					length -= int(decode.len)
					length += sizeOfPushPointer(destiny)
				} else {
					length += sizeOfSkip()
					length += sizeOfJumpBlind(destiny)
				}
			case backup[offset] == 0xeb:
				rel := int8(backup[offset+1])
				destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(int64(rel))
				length -= int(decode.len)
				length += sizeOfJumpBlind(destiny)
			case backup[offset] == 0xe9:
				rel := int32(le32(backup[offset+1:]))
				destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(rel)
				length -= int(decode.len)
				length += sizeOfJumpBlind(destiny)
			case backup[offset] == 0xe3 || (backup[offset]&0xf0) == 0x70:
				rel := int8(backup[offset+1])
				destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(int64(rel))
				length += int(decode.len)
				length += sizeOfJumpBlind(destiny)
			}

			offset += width
		}

		mem, err := allocateTrampoline(length)
		if err != nil {
			return 0, err
		}
		buf := newPatchBuffer("x86_64-trampoline")
		trampolineBase := uintptr(unsafe.Pointer(&mem[0]))

		offset = 0
		for offset < used {
			decode, widthU := hde64Disasm(backup[offset:])
			width := int(widthU)
			copied := false

			traceInsn("x86_64: relocate offset=%d width=%d opcode=%#02x", offset, width, backup[offset])

			if decode.modrm&0xc7 == 0x05 && decode.opcode == 0x8b {
				destiny := source + uintptr(offset) + uintptr(width) + uintptr(int32(decode.disp32))
				reg := decode.rexR<<3 | decode.modrmReg
				pushPointer(buf, destiny)
				writePop(buf, reg)
				writeMove64(buf, reg, reg)
				copied = true
			}

			if !copied {
				switch {
				case backup[offset] == 0xe8:
					rel := int32(le32(backup[offset+1:]))
					if rel == 0 {
						pushPointer(buf, source+uintptr(offset)+uintptr(decode.len))
					} else {
						buf.WriteByte(0xe8)
						buf.WriteUint32LE(uint32(sizeOfSkip()))
						destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(rel)
						currentPos := trampolineBase + uintptr(buf.Len()) + uintptr(sizeOfSkip())
						writeSkip(buf, int32(sizeOfJump(destiny, currentPos)))
						writeJump(buf, trampolineBase+uintptr(buf.Len()), destiny)
					}
				case backup[offset] == 0xeb:
					rel := int8(backup[offset+1])
					destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(int64(rel))
					writeJump(buf, trampolineBase+uintptr(buf.Len()), destiny)
				case backup[offset] == 0xe9:
					rel := int32(le32(backup[offset+1:]))
					destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(rel)
					writeJump(buf, trampolineBase+uintptr(buf.Len()), destiny)
				case backup[offset] == 0xe3 || (backup[offset]&0xf0) == 0x70:
					buf.WriteByte(backup[offset])
					buf.WriteByte(2)
					buf.WriteByte(0xeb)
					rel := int8(backup[offset+1])
					destiny := source + uintptr(offset) + uintptr(decode.len) + uintptr(int64(rel))
					currentPos := trampolineBase + uintptr(buf.Len()) + 1
					buf.WriteByte(uint8(sizeOfJump(destiny, currentPos)))
					writeJump(buf, trampolineBase+uintptr(buf.Len()), destiny)
				default:
					buf.Write(backup[offset : offset+width])
				}
			}

			offset += width
		}

		writeJump(buf, trampolineBase+uintptr(buf.Len()), source+uintptr(used))
		buf.Commit()
		copy(mem, buf.Bytes())
		if err := makeExecutable(mem); err != nil {
			return 0, err
		}
		*trampoline = trampolineBase
	}

	scope, err := openWritableScope(source, used)
	if err != nil {
		return 0, err
	}
	patch := newPatchBuffer("x86_64-patch")
	writeJump(patch, source, target)
	for i := 0; i < blank; i++ {
		patch.WriteByte(0x90)
	}
	patch.Commit()
	writeAt(source, patch.Bytes())
	if err := scope.Close(); err != nil {
		return 0, err
	}

	return used, nil
}
