package symbolutil

import (
	"os"
	"testing"
)

func TestLoadMemoryMapsSelf(t *testing.T) {
	entries, err := LoadMemoryMaps(os.Getpid())
	if err != nil {
		t.Fatalf("LoadMemoryMaps: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one mapping entry for the current process")
	}

	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.Name] {
			t.Fatalf("expected entries to be coalesced by name, saw %q twice", e.Name)
		}
		seen[e.Name] = true
		if e.End <= e.Start {
			t.Fatalf("entry %q has End <= Start (%#x <= %#x)", e.Name, e.End, e.Start)
		}
	}
}

func TestLoadMemoryMapsUnknownPid(t *testing.T) {
	if _, err := LoadMemoryMaps(-1); err == nil {
		t.Fatalf("expected an error for an invalid pid")
	}
}

func TestStringToOffset(t *testing.T) {
	cases := map[string]uintptr{
		"0x10":   0x10,
		"0X1A":   0x1a,
		"ff":     0xff,
		"0":      0,
		"deadbe": 0xdeadbe,
	}
	for in, want := range cases {
		got, err := StringToOffset(in)
		if err != nil {
			t.Fatalf("StringToOffset(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("StringToOffset(%q) = %#x, want %#x", in, got, want)
		}
	}
}

func TestStringToOffsetRejectsGarbage(t *testing.T) {
	if _, err := StringToOffset("not-hex"); err == nil {
		t.Fatalf("expected an error for a non-hex string")
	}
}

func TestIsLibraryLoadedRejectsUnknownName(t *testing.T) {
	if IsLibraryLoaded("definitely-not-a-loaded-library-xyz") {
		t.Fatalf("did not expect a made-up library name to be reported as loaded")
	}
}

func TestFindLibraryUnknownNameFails(t *testing.T) {
	if _, err := FindLibrary("definitely-not-a-loaded-library-xyz"); err == nil {
		t.Fatalf("expected an error for an unknown library name")
	}
}
