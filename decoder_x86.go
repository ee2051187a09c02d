package detour

// Table-driven x86-64 instruction length disassembler. Ported from the
// hde64 decoder: it classifies every legacy prefix, REX byte, one- and
// two-byte opcode, ModR/M and SIB byte, and immediate/displacement width,
// to compute how many bytes make up a single instruction starting at a
// given address. It does not build a full semantic decode; it reports
// exactly what the x86-64 backend needs to relocate a prologue: the
// instruction's length and, for a handful of flagged classes, whether its
// operand is IP-relative.
//
// Callers must guarantee at least 15 bytes (the longest possible x86-64
// instruction) are readable starting at the given offset; this matches
// what the prologue rewriter always has, since a target function's first
// instructions are backed by many more bytes of executable memory.

const (
	cModRM   = 0x01
	cImm8    = 0x02
	cImm16   = 0x04
	cImmP66  = 0x10
	cRel8    = 0x20
	cRel32   = 0x40
	cGroup   = 0x80
	cError   = 0xff
)

const (
	preNone = 0x01
	preF2   = 0x02
	preF3   = 0x04
	pre66   = 0x08
	pre67   = 0x10
	preLock = 0x20
	preSeg  = 0x40
)

const (
	deltaOpcodes     = 0x4a
	deltaFPUReg      = 0xfd
	deltaFPUModRM    = 0x104
	deltaPrefixes    = 0x13c
	deltaOpLockOK    = 0x1ae
	deltaOp2LockOK   = 0x1c6
	deltaOpOnlyMem   = 0x1d8
	deltaOp2OnlyMem  = 0x1e7
)

var hde64Table = []byte{
	0xa5, 0xaa, 0xa5, 0xb8, 0xa5, 0xaa, 0xa5, 0xaa, 0xa5, 0xb8, 0xa5, 0xb8, 0xa5, 0xb8, 0xa5,
	0xb8, 0xc0, 0xc0, 0xc0, 0xc0, 0xc0, 0xc0, 0xc0, 0xc0, 0xac, 0xc0, 0xcc, 0xc0, 0xa1, 0xa1,
	0xa1, 0xa1, 0xb1, 0xa5, 0xa5, 0xa6, 0xc0, 0xc0, 0xd7, 0xda, 0xe0, 0xc0, 0xe4, 0xc0, 0xea,
	0xea, 0xe0, 0xe0, 0x98, 0xc8, 0xee, 0xf1, 0xa5, 0xd3, 0xa5, 0xa5, 0xa1, 0xea, 0x9e, 0xc0,
	0xc0, 0xc2, 0xc0, 0xe6, 0x03, 0x7f, 0x11, 0x7f, 0x01, 0x7f, 0x01, 0x3f, 0x01, 0x01, 0xab,
	0x8b, 0x90, 0x64, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x92, 0x5b, 0x5b, 0x76, 0x90, 0x92, 0x92,
	0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x6a, 0x73, 0x90,
	0x5b, 0x52, 0x52, 0x52, 0x52, 0x5b, 0x5b, 0x5b, 0x5b, 0x77, 0x7c, 0x77, 0x85, 0x5b, 0x5b,
	0x70, 0x5b, 0x7a, 0xaf, 0x76, 0x76, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b, 0x5b,
	0x5b, 0x5b, 0x86, 0x01, 0x03, 0x01, 0x04, 0x03, 0xd5, 0x03, 0xd5, 0x03, 0xcc, 0x01, 0xbc,
	0x03, 0xf0, 0x03, 0x03, 0x04, 0x00, 0x50, 0x50, 0x50, 0x50, 0xff, 0x20, 0x20, 0x20, 0x20,
	0x01, 0x01, 0x01, 0x01, 0xc4, 0x02, 0x10, 0xff, 0xff, 0xff, 0x01, 0x00, 0x03, 0x11, 0xff,
	0x03, 0xc4, 0xc6, 0xc8, 0x02, 0x10, 0x00, 0xff, 0xcc, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x01, 0x01, 0x03, 0x01, 0xff, 0xff, 0xc0, 0xc2, 0x10, 0x11, 0x02, 0x03, 0x01, 0x01,
	0x01, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0x10,
	0x10, 0x10, 0x10, 0x02, 0x10, 0x00, 0x00, 0xc6, 0xc8, 0x02, 0x02, 0x02, 0x02, 0x06, 0x00,
	0x04, 0x00, 0x02, 0xff, 0x00, 0xc0, 0xc2, 0x01, 0x01, 0x03, 0x03, 0x03, 0xca, 0x40, 0x00,
	0x0a, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x7f, 0x00, 0x33, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0xff, 0xbf, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0xff, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff,
	0x00, 0x00, 0x00, 0xbf, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x7f, 0x00, 0x00,
	0xff, 0x40, 0x40, 0x40, 0x40, 0x41, 0x49, 0x40, 0x40, 0x40, 0x40, 0x4c, 0x42, 0x40, 0x40,
	0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x4f, 0x44, 0x53, 0x40, 0x40, 0x40, 0x44, 0x57, 0x43,
	0x5c, 0x40, 0x60, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40, 0x40,
	0x40, 0x40, 0x64, 0x66, 0x6e, 0x6b, 0x40, 0x40, 0x6a, 0x46, 0x40, 0x40, 0x44, 0x46, 0x40,
	0x40, 0x5b, 0x44, 0x40, 0x40, 0x00, 0x00, 0x00, 0x00, 0x06, 0x06, 0x06, 0x06, 0x01, 0x06,
	0x06, 0x02, 0x06, 0x06, 0x00, 0x06, 0x00, 0x0a, 0x0a, 0x00, 0x00, 0x00, 0x02, 0x07, 0x07,
	0x06, 0x02, 0x0d, 0x06, 0x06, 0x06, 0x0e, 0x05, 0x05, 0x02, 0x02, 0x00, 0x00, 0x04, 0x04,
	0x04, 0x04, 0x05, 0x06, 0x06, 0x06, 0x00, 0x00, 0x00, 0x0e, 0x00, 0x00, 0x08, 0x00, 0x10,
	0x00, 0x18, 0x00, 0x20, 0x00, 0x28, 0x00, 0x30, 0x00, 0x80, 0x01, 0x82, 0x01, 0x86, 0x00,
	0xf6, 0xcf, 0xfe, 0x3f, 0xab, 0x00, 0xb0, 0x00, 0xb1, 0x00, 0xb3, 0x00, 0xba, 0xf8, 0xbb,
	0x00, 0xc0, 0x00, 0xc1, 0x00, 0xc7, 0xbf, 0x62, 0xff, 0x00, 0x8d, 0xff, 0x00, 0xc4, 0xff,
	0x00, 0xc5, 0xff, 0x00, 0xff, 0xff, 0xeb, 0x01, 0xff, 0x0e, 0x12, 0x08, 0x00, 0x13, 0x09,
	0x00, 0x16, 0x08, 0x00, 0x17, 0x09, 0x00, 0x2b, 0x09, 0x00, 0xae, 0xff, 0x07, 0xb2, 0xff,
	0x00, 0xb4, 0xff, 0x00, 0xb5, 0xff, 0x00, 0xc3, 0x01, 0x00, 0xc7, 0xff, 0xbf, 0xe7, 0x08,
	0x00, 0xf0, 0x02, 0x00,
}

const (
	fModRM        = 0x00000001
	fSIB          = 0x00000002
	fImm8         = 0x00000004
	fImm16        = 0x00000008
	fImm32        = 0x00000010
	fImm64        = 0x00000020
	fDisp8        = 0x00000040
	fDisp16       = 0x00000080
	fDisp32       = 0x00000100
	fRelative     = 0x00000200
	fError        = 0x00001000
	fErrorOpcode  = 0x00002000
	fErrorLength  = 0x00004000
	fErrorLock    = 0x00008000
	fErrorOperand = 0x00010000
	fPrefixRepNZ  = 0x01000000
	fPrefixRepX   = 0x02000000
	fPrefixRep    = 0x03000000
	fPrefix66     = 0x04000000
	fPrefix67     = 0x08000000
	fPrefixLock   = 0x10000000
	fPrefixSeg    = 0x20000000
	fPrefixREX    = 0x40000000
)

// hde64s mirrors the hde64 descriptor struct: one call to hde64Disasm
// fills it in based on the bytes at the start of code.
type hde64s struct {
	len       uint8
	pRep      uint8
	pLock     uint8
	pSeg      uint8
	p66       uint8
	p67       uint8
	rexW      uint8
	rexR      uint8
	rexX      uint8
	rexB      uint8
	opcode    uint8
	opcode2   uint8
	modrm     uint8
	modrmMod  uint8
	modrmReg  uint8
	modrmRM   uint8
	sib       uint8
	sibScale  uint8
	sibIndex  uint8
	sibBase   uint8
	imm8      uint8
	imm16     uint16
	imm32     uint32
	imm64     uint64
	disp8     uint8
	disp32    uint32
	flags     uint32
}

func (h *hde64s) hasFlag(f uint32) bool { return h.flags&f != 0 }

// hde64Disasm decodes the instruction at the start of code and returns its
// length in bytes (1..15). code must have at least 15 valid bytes.
func hde64Disasm(code []byte) (hde64s, uint32) {
	var hs hde64s
	i := 0

	var pref uint8
	var op64 uint8

	for n := 0; n < 16; n++ {
		c := code[i]
		i++
		switch c {
		case 0xf3:
			hs.pRep = c
			pref |= preF3
		case 0xf2:
			hs.pRep = c
			pref |= preF2
		case 0xf0:
			hs.pLock = c
			pref |= preLock
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65:
			hs.pSeg = c
			pref |= preSeg
		case 0x66:
			hs.p66 = c
			pref |= pre66
		case 0x67:
			hs.p67 = c
			pref |= pre67
		default:
			goto prefixesDone
		}
	}
prefixesDone:

	hs.flags = uint32(pref) << 23

	if pref == 0 {
		pref |= preNone
	}

	c := code[i-1]
	if (c & 0xf0) == 0x40 {
		hs.flags |= fPrefixREX
		hs.rexW = (c & 0xf) >> 3
		if hs.rexW != 0 && (code[i]&0xf8) == 0xb8 {
			op64++
		}
		hs.rexR = (c & 7) >> 2
		hs.rexX = (c & 3) >> 1
		hs.rexB = c & 1
		c = code[i]
		i++
		if (c & 0xf0) == 0x40 {
			hs.opcode = c
			hs.flags |= fError | fErrorOpcode
			hs.len = uint8(i)
			return hs, uint32(hs.len)
		}
	}

	hs.opcode = c
	var opcode uint8
	var tableBase uint32
	if c == 0x0f {
		hs.opcode2 = code[i]
		i++
		c = hs.opcode2
		tableBase = deltaOpcodes
	} else if c >= 0xa0 && c <= 0xa3 {
		op64++
		if pref&pre67 != 0 {
			pref |= pre66
		} else {
			pref &^= pre66
		}
	}
	opcode = c

	cflags := hde64Table[tableBase+uint32(hde64Table[tableBase+uint32(opcode/4)])+uint32(opcode%4)]

	if cflags == cError {
		hs.flags |= fError | fErrorOpcode
		cflags = 0
		if (opcode & 0xfd) == 0x24 {
			cflags++
		}
	}

	var x uint8
	if cflags&cGroup != 0 {
		tOffset := tableBase + uint32(cflags&0x7f)
		t := uint16(hde64Table[tOffset]) | uint16(hde64Table[tOffset+1])<<8
		cflags = uint8(t)
		x = uint8(t >> 8)
	}

	if hs.opcode2 != 0 {
		htBase := uint32(deltaPrefixes)
		htVal := hde64Table[htBase+uint32(hde64Table[htBase+uint32(opcode/4)])+uint32(opcode%4)]
		if htVal&pref != 0 {
			hs.flags |= fError | fErrorOpcode
		}
	}

	var mMod, mReg, mRM uint8
	if cflags&cModRM != 0 {
		hs.flags |= fModRM
		hs.modrm = code[i]
		i++
		c = hs.modrm
		hs.modrmMod = c >> 6
		hs.modrmRM = c & 7
		hs.modrmReg = (c & 0x3f) >> 3
		mMod = hs.modrmMod
		mRM = hs.modrmRM
		mReg = hs.modrmReg

		if x != 0 && (x<<mReg)&0x80 != 0 {
			hs.flags |= fError | fErrorOpcode
		}

		if hs.opcode2 == 0 && opcode >= 0xd9 && opcode <= 0xdf {
			t := opcode - 0xd9
			var htVal uint8
			if mMod == 3 {
				htBase := uint32(deltaFPUModRM) + uint32(t)*8
				htVal = hde64Table[htBase+uint32(mReg)] << mRM
			} else {
				htVal = hde64Table[uint32(deltaFPUReg)+uint32(t)] << mReg
			}
			if htVal&0x80 != 0 {
				hs.flags |= fError | fErrorOpcode
			}
		}

		if pref&preLock != 0 {
			if mMod == 3 {
				hs.flags |= fError | fErrorLock
			} else {
				var htStart, htEnd uint32
				var op uint8
				if hs.opcode2 != 0 {
					htStart, htEnd, op = deltaOp2LockOK, deltaOpOnlyMem, opcode
				} else {
					htStart, htEnd, op = deltaOpLockOK, deltaOp2LockOK, opcode&0xfe
				}
				found := false
				for ht := htStart; ht < htEnd; ht += 2 {
					if hde64Table[ht] == op {
						if (hde64Table[ht+1]<<mReg)&0x80 == 0 {
							found = true
						}
						break
					}
				}
				if !found {
					hs.flags |= fError | fErrorLock
				}
			}
		}

		if hs.opcode2 != 0 {
			switch opcode {
			case 0x20, 0x22:
				mMod = 3
				if mReg > 4 || mReg == 1 {
					hs.flags |= fError | fErrorOperand
				}
			case 0x21, 0x23:
				mMod = 3
				if mReg == 4 || mReg == 5 {
					hs.flags |= fError | fErrorOperand
				}
			}
		} else {
			switch opcode {
			case 0x8c:
				if mReg > 5 {
					hs.flags |= fError | fErrorOperand
				}
			case 0x8e:
				if mReg == 1 || mReg > 5 {
					hs.flags |= fError | fErrorOperand
				}
			}
		}

		if mMod == 3 {
			var htStart, htEnd uint32
			if hs.opcode2 != 0 {
				htStart, htEnd = deltaOp2OnlyMem, uint32(len(hde64Table))
			} else {
				htStart, htEnd = deltaOpOnlyMem, deltaOp2OnlyMem
			}
			for ht := htStart; ht < htEnd; ht += 3 {
				if hde64Table[ht] == opcode {
					if hde64Table[ht+1]&pref != 0 && (hde64Table[ht+2]<<mReg)&0x80 == 0 {
						hs.flags |= fError | fErrorOperand
					}
					break
				}
			}
		}

		var dispSize uint8
		if mMod != 3 {
			if mRM == 4 {
				hs.flags |= fSIB
				hs.sib = code[i]
				i++
				hs.sibScale = hs.sib >> 6
				hs.sibIndex = (hs.sib & 0x3f) >> 3
				hs.sibBase = hs.sib & 7
				if hs.sibBase == 5 && mMod == 0 {
					dispSize = 4
				}
			} else if mRM == 5 && mMod == 0 {
				dispSize = 4
			}
			if mMod == 1 {
				dispSize = 1
			} else if mMod == 2 {
				dispSize = 4
			}
		}

		if dispSize != 0 {
			if dispSize == 1 {
				hs.flags |= fDisp8
				hs.disp8 = code[i]
				i++
			} else {
				hs.flags |= fDisp32
				hs.disp32 = le32(code[i:])
				i += 4
			}
		}
	}

	if cflags&cImmP66 != 0 {
		if cflags&cRel32 != 0 {
			if pref&pre66 != 0 {
				hs.flags |= fImm16 | fRelative
				hs.imm16 = le16(code[i:])
				i += 2
				hs.len = uint8(i)
				if hs.len > 0x0f {
					hs.flags |= fError | fErrorLength
				}
				return hs, uint32(hs.len)
			}
			hs.flags |= fImm32 | fRelative
			hs.imm32 = le32(code[i:])
			i += 4
		} else {
			if op64 != 0 {
				hs.flags |= fImm64
				hs.imm64 = le64(code[i:])
				i += 8
			} else if pref&pre66 != 0 {
				hs.flags |= fImm16
				hs.imm16 = le16(code[i:])
				i += 2
			} else {
				hs.flags |= fImm32
				hs.imm32 = le32(code[i:])
				i += 4
			}
		}
	}

	if cflags&cImm16 != 0 {
		if hs.flags&fImm32 != 0 {
			hs.flags |= fImm16
			hs.imm16 = le16(code[i:])
			i += 2
		}
	}

	if cflags&cImm8 != 0 {
		hs.flags |= fImm8
		hs.imm8 = code[i]
		i++
	}

	if cflags&cRel32 != 0 {
		hs.flags |= fImm32 | fRelative
		hs.imm32 = le32(code[i:])
		i += 4
	} else if cflags&cRel8 != 0 {
		hs.flags |= fImm8 | fRelative
		hs.imm8 = code[i]
		i++
	}

	hs.len = uint8(i)
	if hs.len > 0x0f {
		hs.flags |= fError | fErrorLength
	}

	return hs, uint32(hs.len)
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
