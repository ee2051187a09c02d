package detour

import "encoding/binary"

// isArmPcRelative reports whether a 32-bit A32 word is one of the
// PC-relative single-data-transfer forms (LDR rd,[pc,#imm] and the other
// LDR/STR/LDRB/STRB encodings with Rn == PC) that the A32 backend must
// relocate rather than copy verbatim.
func isArmPcRelative(instruction uint32) bool {
	return instruction&0x0c000000 == 0x04000000 &&
		instruction&0xf0000000 != 0xf0000000 &&
		instruction&0x000f0000 == 0x000f0000
}

func isThumb32Bit(instruction uint16) bool {
	return instruction&0xe000 == 0xe000 && instruction&0x1800 != 0x0000
}

func isThumbPcRelativeCBZ(instruction uint16) bool {
	return instruction&0xf500 == 0xb100
}

func isThumbPcRelativeB(instruction uint16) bool {
	return instruction&0xf000 == 0xd000 && instruction&0x0e00 != 0x0e00
}

func isThumb2PcRelativeB(instructions []uint16) bool {
	if len(instructions) < 2 {
		return false
	}
	return instructions[0]&0xf800 == 0xf000 &&
		(instructions[1]&0xd000 == 0x9000 || instructions[1]&0xd000 == 0x8000) &&
		instructions[0]&0x0380 != 0x0380
}

func isThumbPcRelativeBL(instructions []uint16) bool {
	if len(instructions) < 2 {
		return false
	}
	return instructions[0]&0xf800 == 0xf000 &&
		(instructions[1]&0xd000 == 0xd000 || instructions[1]&0xd001 == 0xc000)
}

func isThumbPcRelativeLDR(instruction uint16) bool {
	return instruction&0xf800 == 0x4800
}

func isThumbPcRelativeAdd(instruction uint16) bool {
	return instruction&0xff78 == 0x4478
}

func isThumbPcRelativeLDRW(instruction uint16) bool {
	return instruction&0xff7f == 0xf85f
}

// thumbInstructionWidth returns 2 or 4, the width in bytes of the Thumb
// instruction whose first halfword is the first two bytes of code.
func thumbInstructionWidth(code []byte) int {
	half := binary.LittleEndian.Uint16(code)
	if isThumb32Bit(half) {
		return 4
	}
	return 2
}
