package symbolutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalElf32 assembles a tiny 32-bit ELF shared object on the fly:
// one static symbol table naming a single STT_FUNC symbol at the given
// value, and a section-name string table to go with it. Just enough for
// LoadElfSymbols/LookupSymbol to exercise their real parsing path without
// a fixture binary checked into the tree.
func buildMinimalElf32(t *testing.T, symbolName string, value uint32) []byte {
	t.Helper()

	strtab := append([]byte{0}, append([]byte(symbolName), 0)...)
	nameOffset := uint32(1)

	shstrtab := []byte{0}
	symtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".symtab"), 0)...)
	strtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, append([]byte(".strtab"), 0)...)

	sym := make([]byte, 0, 32)
	sym = append(sym, make([]byte, 16)...) // null symbol
	var entry [16]byte
	binary.LittleEndian.PutUint32(entry[0:4], nameOffset)
	binary.LittleEndian.PutUint32(entry[4:8], value)
	binary.LittleEndian.PutUint32(entry[8:12], 0) // size
	entry[12] = 2                                 // STT_FUNC
	entry[13] = 0
	binary.LittleEndian.PutUint16(entry[14:16], 1) // shndx
	sym = append(sym, entry[:]...)

	const ehdrSize = 52
	shstrtabOff := uint32(ehdrSize)
	symtabOff := shstrtabOff + uint32(len(shstrtab))
	strtabOff := symtabOff + uint32(len(sym))
	shoff := strtabOff + uint32(len(strtab))

	out := make([]byte, shoff)
	copy(out[ehdrSize:], shstrtab)
	copy(out[symtabOff:], sym)
	copy(out[strtabOff:], strtab)

	writeShdr := func(base int, name, typ, offset, size uint32) {
		binary.LittleEndian.PutUint32(out[base+0:], name)
		binary.LittleEndian.PutUint32(out[base+4:], typ)
		binary.LittleEndian.PutUint32(out[base+8:], 0)
		binary.LittleEndian.PutUint32(out[base+12:], 0)
		binary.LittleEndian.PutUint32(out[base+16:], offset)
		binary.LittleEndian.PutUint32(out[base+20:], size)
		binary.LittleEndian.PutUint32(out[base+24:], 0)
		binary.LittleEndian.PutUint32(out[base+28:], 0)
		binary.LittleEndian.PutUint32(out[base+32:], 0)
		binary.LittleEndian.PutUint32(out[base+36:], 0)
	}

	out = append(out, make([]byte, 40*4)...)
	base := int(shoff)
	writeShdr(base, 0, 0, 0, 0)                                            // SHT_NULL
	writeShdr(base+40, 0, 3, shstrtabOff, uint32(len(shstrtab)))           // .shstrtab (unnamed to callers)
	writeShdr(base+80, symtabNameOff, 2, symtabOff, uint32(len(sym)))     // .symtab
	writeShdr(base+120, strtabNameOff, 3, strtabOff, uint32(len(strtab))) // .strtab

	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	binary.LittleEndian.PutUint32(out[32:36], shoff)
	binary.LittleEndian.PutUint16(out[46:48], 40) // Shentsize
	binary.LittleEndian.PutUint16(out[48:50], 4)  // Shnum
	binary.LittleEndian.PutUint16(out[50:52], 1)  // Shstrndx -> .shstrtab

	return out
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.so")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	return path
}

func TestLoadElfSymbolsAndLookup(t *testing.T) {
	path := writeTempFile(t, buildMinimalElf32(t, "target_func", 0x1234))

	symbols, err := LoadElfSymbols(path)
	if err != nil {
		t.Fatalf("LoadElfSymbols: %v", err)
	}
	if symbols.Static == nil {
		t.Fatalf("expected a static symbol table")
	}
	if symbols.Dynamic != nil {
		t.Fatalf("did not expect a dynamic symbol table")
	}

	addr, ok := LookupSymbol(symbols, "target_func")
	if !ok {
		t.Fatalf("expected to find target_func")
	}
	if addr != 0x1234 {
		t.Fatalf("LookupSymbol address = %#x, want 0x1234", addr)
	}

	if _, ok := LookupSymbol(symbols, "no_such_symbol"); ok {
		t.Fatalf("did not expect to find no_such_symbol")
	}
}

func TestLoadElfSymbolsRejectsNonElf(t *testing.T) {
	path := writeTempFile(t, []byte("not an elf file at all"))
	if _, err := LoadElfSymbols(path); err == nil {
		t.Fatalf("expected an error for a non-ELF file")
	}
}

func TestLoadElfSymbolsRejectsMissingFile(t *testing.T) {
	if _, err := LoadElfSymbols(filepath.Join(t.TempDir(), "does-not-exist.so")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestLoadElfSymbolsRejects64BitShentsize(t *testing.T) {
	// A 64-bit ELF's section headers are 64 bytes wide, not 40; the 32-bit
	// reader must reject that rather than misinterpret the layout.
	data := buildMinimalElf32(t, "target_func", 0x1234)
	binary.LittleEndian.PutUint16(data[46:48], 64)
	path := writeTempFile(t, data)

	if _, err := LoadElfSymbols(path); err == nil {
		t.Fatalf("expected an error for a non-40-byte section header size")
	}
}
