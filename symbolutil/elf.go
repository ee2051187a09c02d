package symbolutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/xyproto/detour"
)

// This reader is scoped to 32-bit ELF (Elf32_*), the format of IA-32 and
// A32/Thumb shared objects. A 64-bit ELF file (x86-64, A64) is rejected,
// since its section header size is not the 40 bytes this reader requires.

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	shtSymtab = 2
	shtStrtab = 3
	shtDynsym = 11
	sttFunc   = 2
)

type elf32Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf32Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

// Elf32Sym is one entry of a 32-bit ELF symbol table.
type Elf32Sym struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

// SymbolTable is one parsed .symtab/.strtab or .dynsym/.dynstr pair.
type SymbolTable struct {
	Symbols []Elf32Sym
	Strings []byte
}

// ElfSymbols holds the static and dynamic symbol tables of a shared
// object, either of which may be absent (stripped binaries carry neither
// static symbols nor, rarely, dynamic ones).
type ElfSymbols struct {
	Static  *SymbolTable
	Dynamic *SymbolTable
}

func preadStruct(f *os.File, offset int64, v interface{}) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return binary.Read(f, binary.LittleEndian, v)
}

// LoadElfSymbols reads the static and dynamic symbol tables out of a
// 32-bit ELF shared object on disk.
func LoadElfSymbols(filename string) (*ElfSymbols, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, detour.Wrap(detour.KindFileNotFound, err, "open %s", filename)
	}
	defer f.Close()

	var ehdr elf32Ehdr
	if err := preadStruct(f, 0, &ehdr); err != nil {
		return nil, detour.Wrap(detour.KindElfParsing, err, "read elf header")
	}
	if !bytes.Equal(ehdr.Ident[0:4], elfMagic[:]) {
		return nil, detour.Newf(detour.KindElfParsing, "not an ELF file: %s", filename)
	}
	if int(ehdr.Shentsize) != 40 {
		return nil, detour.Newf(detour.KindElfParsing, "invalid section header size %d", ehdr.Shentsize)
	}

	sections := make([]elf32Shdr, ehdr.Shnum)
	for i := range sections {
		off := int64(ehdr.Shoff) + int64(i)*int64(ehdr.Shentsize)
		if err := preadStruct(f, off, &sections[i]); err != nil {
			return nil, detour.Wrap(detour.KindElfParsing, err, "read section header %d", i)
		}
	}

	if int(ehdr.Shstrndx) >= len(sections) {
		return nil, detour.Newf(detour.KindElfParsing, "section string table index out of range")
	}
	shstrtabHdr := sections[ehdr.Shstrndx]
	shstrtab := make([]byte, shstrtabHdr.Size)
	if err := preadStruct(f, int64(shstrtabHdr.Offset), shstrtab); err != nil {
		return nil, detour.Wrap(detour.KindElfParsing, err, "read section name string table")
	}

	var symtabHdr, strtabHdr, dynsymHdr, dynstrHdr *elf32Shdr
	for i := range sections {
		shdr := &sections[i]
		switch shdr.Type {
		case shtSymtab:
			if symtabHdr != nil {
				return nil, detour.Newf(detour.KindElfParsing, "multiple symbol tables")
			}
			symtabHdr = shdr
		case shtDynsym:
			if dynsymHdr != nil {
				return nil, detour.Newf(detour.KindElfParsing, "multiple dynamic symbol tables")
			}
			dynsymHdr = shdr
		case shtStrtab:
			name := cstr(shstrtab, int(shdr.Name))
			switch name {
			case ".strtab":
				strtabHdr = shdr
			case ".dynstr":
				dynstrHdr = shdr
			}
		}
	}

	var static, dynamic *SymbolTable
	if symtabHdr != nil && strtabHdr != nil {
		static, err = loadSymbolTable(f, symtabHdr, strtabHdr)
		if err != nil {
			return nil, err
		}
	}
	if dynsymHdr != nil && dynstrHdr != nil {
		dynamic, err = loadSymbolTable(f, dynsymHdr, dynstrHdr)
		if err != nil {
			return nil, err
		}
	}

	return &ElfSymbols{Static: static, Dynamic: dynamic}, nil
}

func loadSymbolTable(f *os.File, symh, strh *elf32Shdr) (*SymbolTable, error) {
	const symSize = 16
	if symh.Size%symSize != 0 {
		return nil, detour.Newf(detour.KindElfParsing, "invalid symbol table size %d", symh.Size)
	}

	numSyms := int(symh.Size / symSize)
	symbols := make([]Elf32Sym, numSyms)
	for i := range symbols {
		off := int64(symh.Offset) + int64(i)*symSize
		if err := preadStruct(f, off, &symbols[i]); err != nil {
			return nil, detour.Wrap(detour.KindElfParsing, err, "read symbol %d", i)
		}
	}

	strings := make([]byte, strh.Size)
	if err := preadStruct(f, int64(strh.Offset), strings); err != nil {
		return nil, detour.Wrap(detour.KindElfParsing, err, "read string table")
	}

	return &SymbolTable{Symbols: symbols, Strings: strings}, nil
}

// LookupSymbol searches the dynamic symbol table first, then the static
// one, returning the first STT_FUNC match by name.
func LookupSymbol(symbols *ElfSymbols, name string) (uint32, bool) {
	if symbols.Dynamic != nil {
		if addr, ok := lookupInTable(symbols.Dynamic, name); ok {
			return addr, true
		}
	}
	if symbols.Static != nil {
		if addr, ok := lookupInTable(symbols.Static, name); ok {
			return addr, true
		}
	}
	return 0, false
}

func lookupInTable(table *SymbolTable, name string) (uint32, bool) {
	for _, sym := range table.Symbols {
		if sym.Info&0xf != sttFunc {
			continue
		}
		nameOffset := int(sym.Name)
		if nameOffset >= len(table.Strings) {
			continue
		}
		if cstr(table.Strings, nameOffset) == name {
			return sym.Value, true
		}
	}
	return 0, false
}

func cstr(b []byte, offset int) string {
	if offset >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[offset:], 0)
	if end < 0 {
		return string(b[offset:])
	}
	return string(b[offset : offset+end])
}
