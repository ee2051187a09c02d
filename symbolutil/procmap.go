// Package symbolutil resolves function addresses in the current process or
// a remote one, by parsing /proc/<pid>/maps and the ELF symbol tables of
// the libraries it lists.
package symbolutil

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/detour"
)

// MapEntry is one merged range from /proc/<pid>/maps. Multiple mapping
// lines for the same file (text, rodata, data segments) are coalesced into
// a single entry spanning their lowest start to their highest end, mirroring
// how a loader lays out one shared object's segments contiguously.
type MapEntry struct {
	Name  string
	Start uintptr
	End   uintptr
}

// LoadMemoryMaps parses /proc/<pid>/maps, coalescing multiple mappings of
// the same backing file into one entry. Anonymous mappings with no backing
// file are collapsed into a single "[memory]" entry, since no individual
// one of them can be resolved to a library.
func LoadMemoryMaps(pid int) ([]MapEntry, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, detour.Wrap(detour.KindIO, err, "open %s", path)
	}
	defer f.Close()

	ranges := map[string][2]uintptr{}
	order := []string{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}

		addrParts := strings.SplitN(fields[0], "-", 2)
		if len(addrParts) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrParts[0], 16, 64)
		if err != nil {
			return nil, detour.Wrap(detour.KindElfParsing, err, "invalid map start %q", addrParts[0])
		}
		end, err := strconv.ParseUint(addrParts[1], 16, 64)
		if err != nil {
			return nil, detour.Wrap(detour.KindElfParsing, err, "invalid map end %q", addrParts[1])
		}

		name := "[memory]"
		if len(fields) >= 6 {
			name = fields[5]
		}

		if r, ok := ranges[name]; ok {
			if uintptr(start) < r[0] {
				r[0] = uintptr(start)
			}
			if uintptr(end) > r[1] {
				r[1] = uintptr(end)
			}
			ranges[name] = r
		} else {
			ranges[name] = [2]uintptr{uintptr(start), uintptr(end)}
			order = append(order, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, detour.Wrap(detour.KindIO, err, "read %s", path)
	}

	entries := make([]MapEntry, 0, len(order))
	for _, name := range order {
		r := ranges[name]
		entries = append(entries, MapEntry{Name: name, Start: r[0], End: r[1]})
	}
	return entries, nil
}

// libraryEntry returns the MapEntry of the first mapping in entries whose
// basename starts with name and looks like a shared object (".so" or
// ".so.<version>").
func libraryEntry(entries []MapEntry, name string) (MapEntry, bool) {
	for _, e := range entries {
		if e.Name == "[memory]" {
			continue
		}
		pos := strings.LastIndexByte(e.Name, '/')
		basename := e.Name
		if pos >= 0 {
			basename = e.Name[pos+1:]
		}
		if strings.HasPrefix(basename, name) && (strings.HasSuffix(basename, ".so") || strings.Contains(basename, ".so.")) {
			return e, true
		}
	}
	return MapEntry{}, false
}

// FindLibrary scans the current process's memory maps for the first loaded
// library whose basename starts with name and looks like a shared object,
// returning its load base address.
func FindLibrary(name string) (uintptr, error) {
	entries, err := LoadMemoryMaps(os.Getpid())
	if err != nil {
		return 0, err
	}
	e, ok := libraryEntry(entries, name)
	if !ok {
		return 0, detour.Newf(detour.KindLibraryNotFound, "%s", name)
	}
	return e.Start, nil
}

// findLibraryInPid is FindLibrary scoped to an arbitrary pid, returning the
// full mapping entry so the caller can parse that file's ELF symbol tables
// and size any in-place protection change to the mapped range.
func findLibraryInPid(pid int, name string) (MapEntry, error) {
	entries, err := LoadMemoryMaps(pid)
	if err != nil {
		return MapEntry{}, err
	}
	e, ok := libraryEntry(entries, name)
	if !ok {
		return MapEntry{}, detour.Newf(detour.KindLibraryNotFound, "%s", name)
	}
	return e, nil
}

// AbsoluteAddress resolves a library-relative offset to an absolute address
// in the current process.
func AbsoluteAddress(name string, offset uintptr) (uintptr, error) {
	base, err := FindLibrary(name)
	if err != nil {
		return 0, err
	}
	return base + offset, nil
}

// IsLibraryLoaded reports whether any mapping in the current process names
// a file whose basename starts with name and looks like a shared object.
func IsLibraryLoaded(name string) bool {
	_, err := FindLibrary(name)
	return err == nil
}

// StringToOffset parses a hex offset, with or without a leading 0x/0X.
func StringToOffset(s string) (uintptr, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, detour.Wrap(detour.KindParseError, err, "parse offset %q", s)
	}
	return uintptr(v), nil
}
