package detour

import "unsafe"

// Thumb-mode register numbers and the fixed R6/R7 scratch pair used when a
// displaced instruction needs a spare register the backup bytes did not
// already free up.
const (
	tR6 = 6
	tR7 = 7
	tAL = 14
)

func tLabel(l, r int) int32 {
	adj := 0
	if l%2 != 0 {
		adj = 2
	}
	return int32((r-l)*2 - 4 + adj)
}

func tBx(rm uint32) uint16    { return 0x4700 | uint16(rm<<3) }
func tNop() uint16            { return 0x46c0 }
func tPushR(r uint32) uint16  { return uint16(0xb400 | (((r & (1 << aLR)) >> aLR) << 8) | (r & 0xff)) }
func tPopR(r uint32) uint16   { return uint16(0xbc00 | (((r & (1 << aPC)) >> aPC) << 8) | (r & 0xff)) }
func tBlx(rm uint32) uint16   { return 0x4780 | uint16(rm<<3) }

func tMovRdRm(rd, rm uint32) uint16 {
	return uint16(0x4600 | (((rd & 0x8) >> 3) << 7) | (((rm & 0x8) >> 3) << 6) | ((rm & 0x7) << 3) | (rd & 0x7))
}

func tLdrRdPcIm4(rd, im uint32) uint16 {
	return uint16(0x4800 | ((rd << 8) | (im & 0xff)))
}

func tLdrRdRnIm4(rd, rn, im uint32) uint16 {
	return uint16(0x6800 | (((im & 0x1f) << 6) | ((rn << 3) | rd)))
}

func tAddRdRm(rd, rm uint32) uint16 {
	return uint16(0x4400 | (((rd & 0x8) >> 3) << 7) | (((rm & 0x8) >> 3) << 6) | ((rm & 0x7) << 3) | (rd & 0x7))
}

func tBIm(cond uint32, im int32) uint16 {
	if cond == tAL {
		return uint16(0xe000 | ((im >> 1) & 0x7ff))
	}
	return uint16(0xd000 | (int32(cond<<8) | ((im >> 1) & 0xff)))
}

func tCbzRnIm(op, rn uint32, im int32) uint16 {
	u := uint32(im)
	return uint16(0xb100 | ((op << 11) | (((u & 0x40) >> 6) << 9) | (((u & 0x3e) >> 1) << 3) | rn))
}

func t1MrsRdApsr(uint32) uint16 { return 0xf3ef }
func t2MrsRdApsr(rd uint32) uint16 { return uint16(0x8000 | (rd << 8)) }

func t1MsrApsrRn(rn uint32) uint16 { return uint16(0xf380 | rn) }
func t2MsrApsrRn(uint32) uint16    { return 0x8c00 }

func tMsrApsrRn(rn uint32) uint32 {
	return (uint32(t2MsrApsrRn(rn)) << 16) | uint32(t1MsrApsrRn(rn))
}

func t1LdrRtRnIm(rn uint32, im int32) uint16 {
	var up uint16
	if im >= 0 {
		up = 1 << 7
	}
	return 0xf850 | up | uint16(rn)
}

func t2LdrRtRnIm(rt uint32, im int32) uint16 {
	abs := im
	if abs < 0 {
		abs = -abs
	}
	return uint16((rt << 12) | uint32(abs))
}

func setU32(words []uint16, idx int, v uint32) {
	words[idx] = uint16(v)
	words[idx+1] = uint16(v >> 16)
}

// installThumb rewrites the Thumb prologue at symbolAddr with a four-
// instruction veneer (optional alignment NOP, BX PC, NOP, then an A32
// LDR PC,[PC,#-4]/literal pair) that switches to A32 state to reach
// replaceAddr, mirroring the veneer shape A32 code already understands.
func installThumb(symbolAddr, replaceAddr uintptr, trampoline *uintptr) (int, error) {
	if symbolAddr == 0 {
		return 0, ErrNullPointer
	}

	align := 0
	if symbolAddr&0x2 != 0 {
		align = 1
	}
	areaAddr := symbolAddr
	thumbAddr := areaAddr + uintptr(align)*2
	armAddr := thumbAddr + 4
	trailAddr := armAddr + 8

	word0 := le16(readAt(areaAddr, 2))
	thumbWord0 := le16(readAt(thumbAddr, 2))
	thumbWord1 := le16(readAt(thumbAddr+2, 2))
	armWord0 := le32(readAt(armAddr, 4))

	if (align == 0 || word0 == tNop()) &&
		thumbWord0 == tBx(aPC) &&
		thumbWord1 == tNop() &&
		armWord0 == aLdrRdRnIm(aPC, aPC, 4-8) {

		if trampoline != nil {
			*trampoline = uintptr(le32(readAt(armAddr+4, 4)))
		}

		scope, err := openWritableScope(armAddr+4, 4)
		if err != nil {
			return 0, err
		}
		patch := newPatchBuffer("thumb-veneer-retarget")
		patch.WriteUint32LE(uint32(replaceAddr))
		patch.Commit()
		writeAt(armAddr+4, patch.Bytes())
		if err := scope.Close(); err != nil {
			return 0, err
		}
		return 4, nil
	}

	requiredBytes := int(trailAddr - areaAddr)
	used := 0
	for used < requiredBytes {
		used += thumbInstructionWidth(readAt(areaAddr+uintptr(used), 4))
	}
	used = (used + 1) / 2 * 2

	blank := (used - requiredBytes) / 2

	backup := make([]uint16, used/2)
	rawBackup := readAt(areaAddr, used)
	for i := range backup {
		backup[i] = le16(rawBackup[i*2:])
	}

	if trampoline != nil {
		length := used
		for offset := 0; offset < used/2; offset++ {
			switch {
			case isThumbPcRelativeLDR(backup[offset]):
				length += 3 * 2
			case isThumbPcRelativeB(backup[offset]):
				length += 6 * 2
			case isThumb2PcRelativeB(backup[offset:]):
				length += 5 * 2
			case isThumbPcRelativeBL(backup[offset:]):
				length += 5 * 2
			case isThumbPcRelativeCBZ(backup[offset]):
				length += 16 * 2
			case isThumbPcRelativeLDRW(backup[offset]):
				length += 4 * 2
			case isThumbPcRelativeAdd(backup[offset]):
				length += 6 * 2
			}
		}

		pad := 0
		if length&0x2 != 0 {
			pad = 1
		}
		length += (pad+2)*2 + 2*4

		mem, err := allocateTrampoline(length)
		if err != nil {
			return 0, err
		}

		buffer := make([]uint16, length/2)
		start := pad
		end := length / 2
		trailerIdx := end

		offset := 0
		for offset < used/2 {
			traceInsn("thumb: relocate offset=%d halfword=%#04x", offset*2, backup[offset])
			switch {
			case isThumbPcRelativeLDR(backup[offset]):
				immediate := uint32(backup[offset] & 0xff)
				rd := uint32((backup[offset] >> 8) & 0x7)

				buffer[start] = tLdrRdPcIm4(rd, uint32(tLabel(start, end-2)/4))
				buffer[start+1] = tLdrRdRnIm4(rd, rd, 0)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32((areaAddr+uintptr(offset)*2+4)&^0x2)+immediate*4)

				start += 2
				end -= 2

			case isThumbPcRelativeB(backup[offset]):
				imm8 := int32(int8(backup[offset] & 0xff))
				cond := uint32((backup[offset] >> 8) & 0xf)

				jump := imm8 << 1
				jump |= 1
				jump <<= 23
				jump >>= 23

				buffer[start] = tBIm(cond, int32(end-6-start)*2-4)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32(int64(areaAddr)+4+int64(jump)))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, aLdrRdRnIm(aPC, aPC, 4-8))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, (uint32(tNop())<<16)|uint32(tBx(aPC)))

				start += 1
				end -= 6

			case isThumb2PcRelativeB(backup[offset:]):
				bits0 := backup[offset]
				bits1 := backup[offset+1]

				imm6 := int32(bits0 & 0x3f)
				cond := uint32((bits0 >> 6) & 0xf)
				s := int32((bits0 >> 10) & 0x1)

				imm11 := int32(bits1 & 0x7ff)
				j2 := int32((bits1 >> 11) & 0x1)
				a := int32((bits1 >> 12) & 0x1)
				j1 := int32((bits1 >> 13) & 0x1)

				jump := int32(1)
				jump |= imm11 << 1
				jump |= imm6 << 12

				if a != 0 {
					jump |= s << 24
					jump |= (^(s ^ j1) & 0x1) << 23
					jump |= (^(s ^ j2) & 0x1) << 22
					jump |= cond2i32(cond) << 18
					jump <<= 7
					jump >>= 7
				} else {
					jump |= s << 20
					jump |= j2 << 19
					jump |= j1 << 18
					jump <<= 11
					jump >>= 11
				}

				effCond := cond
				if a != 0 {
					effCond = tAL
				}
				buffer[start] = tBIm(effCond, int32(end-6-start)*2-4)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32(int64(areaAddr)+4+int64(jump)))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, aLdrRdRnIm(aPC, aPC, 4-8))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, (uint32(tNop())<<16)|uint32(tBx(aPC)))

				offset += 1
				start += 1
				end -= 6

			case isThumbPcRelativeBL(backup[offset:]):
				bits0 := backup[offset]
				bits1 := backup[offset+1]

				immediate := int32(bits0 & 0x3ff)
				s := int32((bits0 >> 10) & 0x1)

				immediate2 := int32(bits1 & 0x7ff)
				j2 := int32((bits1 >> 11) & 0x1)
				x := int32((bits1 >> 12) & 0x1)
				j1 := int32((bits1 >> 13) & 0x1)

				jump := int32(0)
				jump |= s << 24
				jump |= (^(s ^ j1) & 0x1) << 23
				jump |= (^(s ^ j2) & 0x1) << 22
				jump |= immediate << 12
				jump |= immediate2 << 1
				jump |= x
				jump <<= 7
				jump >>= 7

				buffer[start] = tPushR(1 << tR7)
				buffer[start+1] = tLdrRdPcIm4(tR7, uint32((end-2-(start+1))*2-4+2)/4)
				buffer[start+2] = tMovRdRm(aLR, tR7)
				buffer[start+3] = tPopR(1 << tR7)
				buffer[start+4] = tBlx(aLR)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32(int64(areaAddr)+4+int64(jump)))

				offset += 1
				start += 5
				end -= 2

			case isThumbPcRelativeCBZ(backup[offset]):
				rn := uint32(backup[offset] & 0x7)
				immediate := int32((backup[offset] >> 3) & 0x1f)
				i := int32((backup[offset] >> 9) & 0x1)
				op := uint32((backup[offset] >> 11) & 0x1)

				jump := int32(1)
				jump |= i << 6
				jump |= immediate << 1

				rt := uint32(tR7)
				if rn == tR7 {
					rt = tR6
				}

				buffer[start] = tPushR(1 << rt)
				buffer[start+1] = t1MrsRdApsr(rt)
				buffer[start+2] = t2MrsRdApsr(rt)
				buffer[start+3] = tCbzRnIm(op, rn, int32(end-10-(start+3))*2-4)
				buffer[start+4] = t1MsrApsrRn(rt)
				buffer[start+5] = t2MsrApsrRn(rt)
				buffer[start+6] = tPopR(1 << rt)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32(int64(areaAddr)+4+int64(jump)))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, aLdrRdRnIm(aPC, aPC, 4-8))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, (uint32(tNop())<<16)|uint32(tBx(aPC)))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, (uint32(tNop())<<16)|uint32(tPopR(1<<rt)))
				trailerIdx -= 2
				setU32(buffer, trailerIdx, tMsrApsrRn(rt))

				start += 7
				end -= 10

			case isThumbPcRelativeLDRW(backup[offset]):
				bits0 := backup[offset]
				bits1 := backup[offset+1]

				u := int32((bits0 >> 7) & 0x1)
				immediate := int32(bits1 & 0xfff)
				rt := uint32((bits1 >> 12) & 0xf)

				buffer[start] = t1LdrRtRnIm(aPC, tLabel(start, end-2))
				buffer[start+1] = t2LdrRtRnIm(rt, tLabel(start, end-2))
				buffer[start+2] = t1LdrRtRnIm(rt, 0)
				buffer[start+3] = t2LdrRtRnIm(rt, 0)

				delta := immediate
				if u == 0 {
					delta = -immediate
				}
				trailerIdx -= 2
				base := int32((areaAddr+uintptr(offset)*2+4)&^0x2) + delta
				setU32(buffer, trailerIdx, uint32(base))

				offset += 1
				start += 4
				end -= 2

			case isThumbPcRelativeAdd(backup[offset]):
				rd := uint32(backup[offset] & 0x7)
				h1 := uint32((backup[offset] >> 7) & 0x1)

				if h1 != 0 {
					return 0, wrapErr(KindHookFailed, nil, "PC-relative add with h1 set")
				}

				rt := uint32(tR7)
				if rd == tR7 {
					rt = tR6
				}

				buffer[start] = tPushR(1 << rt)
				buffer[start+1] = tMovRdRm(rt, (h1<<3)|rd)
				buffer[start+2] = tLdrRdPcIm4(rd, uint32(tLabel(start+2, end-2)/4))
				buffer[start+3] = tAddRdRm((h1<<3)|rd, rt)
				buffer[start+4] = tPopR(1 << rt)

				trailerIdx -= 2
				setU32(buffer, trailerIdx, uint32(int64(areaAddr)+4))

				start += 5
				end -= 2

			case isThumb32Bit(backup[offset]):
				buffer[start] = backup[offset]
				buffer[start+1] = backup[offset+1]
				start += 2
				offset += 1

			default:
				buffer[start] = backup[offset]
				start += 1
			}

			offset += 1
		}

		buffer[start] = tBx(aPC)
		buffer[start+1] = tNop()
		setU32(buffer, start+2, aLdrRdRnIm(aPC, aPC, 4-8))
		setU32(buffer, start+4, uint32(areaAddr)+uint32(used)+1)

		for i, w := range buffer {
			mem[i*2] = byte(w)
			mem[i*2+1] = byte(w >> 8)
		}
		if err := makeExecutable(mem); err != nil {
			return 0, err
		}
		*trampoline = uintptr(unsafe.Pointer(&mem[0])) + uintptr(pad)*2 + 1
	}

	scope, err := openWritableScope(areaAddr, used)
	if err != nil {
		return 0, err
	}
	patch := newPatchBuffer("thumb-patch")
	if align != 0 {
		patch.WriteByte(byte(tNop()))
		patch.WriteByte(byte(tNop() >> 8))
	}
	patch.WriteByte(byte(tBx(aPC)))
	patch.WriteByte(byte(tBx(aPC) >> 8))
	patch.WriteByte(byte(tNop()))
	patch.WriteByte(byte(tNop() >> 8))
	patch.WriteUint32LE(aLdrRdRnIm(aPC, aPC, 4-8))
	patch.WriteUint32LE(uint32(replaceAddr))
	for i := 0; i < blank; i++ {
		patch.WriteByte(byte(tNop()))
		patch.WriteByte(byte(tNop() >> 8))
	}
	patch.Commit()
	writeAt(areaAddr, patch.Bytes())
	if err := scope.Close(); err != nil {
		return 0, err
	}

	return used, nil
}

func cond2i32(c uint32) int32 { return int32(c) }
