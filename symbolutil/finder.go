package symbolutil

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/detour"
)

// FindSymbolAddress locates a function by name inside a library loaded in
// pid, returning its absolute address in that process. It walks pid's
// memory maps to find the library's load base and backing file, parses
// that file's ELF symbol tables, and adds the symbol's value to the base.
//
// The library's mapped pages are widened to RWX as a side effect, matching
// the original tool's behavior of leaving a located target immediately
// patchable without a second mprotect round trip.
func FindSymbolAddress(pid int, symbolName, libraryName string) (uintptr, error) {
	e, err := findLibraryInPid(pid, libraryName)
	if err != nil {
		return 0, err
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(e.Start)), int(e.End-e.Start))
	_ = unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)

	symbols, err := LoadElfSymbols(e.Name)
	if err != nil {
		return 0, err
	}

	offset, ok := LookupSymbol(symbols, symbolName)
	if !ok {
		return 0, detour.Newf(detour.KindSymbolNotFound, "%s", symbolName)
	}

	return e.Start + uintptr(offset), nil
}
