//go:build !arm && !arm64

package detour

// clearInstructionCache is a no-op on x86-64 and IA-32: those cores keep
// the instruction cache coherent with writes through the data path, so a
// self-modifying patch is visible to the next fetch without intervention.
func clearInstructionCache(base uintptr, size int) {}
