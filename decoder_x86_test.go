package detour

import "testing"

func pad15(code []byte) []byte {
	buf := make([]byte, 15)
	copy(buf, code)
	return buf
}

func TestHde64DisasmLengths(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		want uint32
	}{
		{"nop", []byte{0x90}, 1},
		{"ret", []byte{0xc3}, 1},
		{"push-rbp", []byte{0x55}, 1},
		{"mov-rbp-rsp", []byte{0x48, 0x89, 0xe5}, 3},
		{"jmp-rel32", []byte{0xe9, 0x00, 0x00, 0x00, 0x00}, 5},
		{"jmp-rel8", []byte{0xeb, 0x10}, 2},
		{"call-rel32", []byte{0xe8, 0x01, 0x02, 0x03, 0x04}, 5},
		{"mov-eax-imm32", []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, 5},
		{"sub-rsp-imm8", []byte{0x48, 0x83, 0xec, 0x20}, 4},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, width := hde64Disasm(pad15(c.code))
			if width != c.want {
				t.Fatalf("hde64Disasm(%v) length = %d, want %d", c.code, width, c.want)
			}
		})
	}
}

func TestHde64DisasmRipRelativeMov(t *testing.T) {
	// mov eax, [rip+0x10] -> 8b 05 10 00 00 00
	code := pad15([]byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00})
	decode, width := hde64Disasm(code)
	if width != 6 {
		t.Fatalf("length = %d, want 6", width)
	}
	if decode.modrm&0xc7 != 0x05 || decode.opcode != 0x8b {
		t.Fatalf("expected a RIP-relative mov form, got modrm=%#x opcode=%#x", decode.modrm, decode.opcode)
	}
	if int32(decode.disp32) != 0x10 {
		t.Fatalf("disp32 = %#x, want 0x10", decode.disp32)
	}
}

func TestLE32AndLE64RoundTrip(t *testing.T) {
	b := make([]byte, 8)
	putLE32(b, 0xdeadbeef)
	if got := le32(b); got != 0xdeadbeef {
		t.Fatalf("le32(putLE32(x)) = %#x, want 0xdeadbeef", got)
	}
}
