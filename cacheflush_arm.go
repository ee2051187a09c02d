//go:build arm

package detour

/*
static void detour_clear_cache(void *start, void *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"
import "unsafe"

// clearInstructionCache synchronizes the instruction cache after a patch.
// Required on A32 and Thumb for the same reason as on AArch64.
func clearInstructionCache(base uintptr, size int) {
	start := unsafe.Pointer(base)
	end := unsafe.Pointer(base + uintptr(size))
	C.detour_clear_cache(start, end)
}
