//go:build arm64

package detour

/*
static void detour_clear_cache(void *start, void *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"
import "unsafe"

// clearInstructionCache synchronizes the instruction cache with data
// written to [base, base+size) so freshly-patched code is actually fetched.
// AArch64 has split, non-coherent I/D caches; skipping this step is the
// single most common cause of a hook silently not taking effect.
func clearInstructionCache(base uintptr, size int) {
	start := unsafe.Pointer(base)
	end := unsafe.Pointer(base + uintptr(size))
	C.detour_clear_cache(start, end)
}
