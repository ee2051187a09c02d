package symbolutil

import (
	"os"
	"testing"
)

func TestFindSymbolAddressUnknownLibrary(t *testing.T) {
	if _, err := FindSymbolAddress(os.Getpid(), "anything", "definitely-not-loaded-xyz"); err == nil {
		t.Fatalf("expected an error for a library that isn't mapped")
	}
}

func TestFindSymbolAddressRejects64BitLibrary(t *testing.T) {
	// Any 64-bit shared object mapped into this test binary (most Linux
	// hosts map libc even into a CGO_ENABLED=0 binary via the dynamic
	// loader, or not at all on a fully static one) must be rejected
	// gracefully by the 32-bit-only ELF reader rather than misparsed.
	entries, err := LoadMemoryMaps(os.Getpid())
	if err != nil {
		t.Fatalf("LoadMemoryMaps: %v", err)
	}
	if _, ok := libraryEntry(entries, "libc"); !ok {
		t.Skip("no libc mapping found in this process; likely a static binary")
	}
	if _, err := FindSymbolAddress(os.Getpid(), "malloc", "libc"); err == nil {
		t.Fatalf("expected an error resolving a symbol in a 64-bit ELF")
	}
}
