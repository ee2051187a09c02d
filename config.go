package detour

import (
	"fmt"
	"os"

	env "github.com/xyproto/env/v2"
)

// verbose gates the per-instruction disassembly-style traces emitted by
// traceInsn while a backend relocates a prologue. Distinct from the debug
// flag in debug.go, which gates hex dumps of finished patches.
var verbose = env.Bool("DETOUR_VERBOSE", false)

// SetVerbose overrides the verbose flag at runtime, for callers that want
// to toggle tracing without touching the environment.
func SetVerbose(on bool) {
	verbose = on
}

// traceInsn prints one relocation-trace line per displaced instruction,
// mirroring the teacher's VerboseMode-gated fmt.Fprintf(os.Stderr, ...)
// calls in mov.go/mem_ops.go/jmp.go. A no-op unless verbose is set.
func traceInsn(format string, args ...interface{}) {
	if !verbose {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// arm64PoolSlots is the number of fixed-size trampoline slots reserved in
// the process-wide A64 trampoline pool on first use.
var arm64PoolSlots = env.Int("DETOUR_ARM64_POOL_SLOTS", 256)

// arm64PoolSlotSize is the size in bytes of each slot. fixInstructions can
// expand any one of a64MaxInstructions relocated instructions into a
// literal-pool veneer of up to 36 bytes (fixLoadlit's 128-bit literal form:
// up to three alignment NOPs, the load, a branch and 16 literal bytes),
// plus up to a 20-byte tail veneer of its own —
// sized at 10 words per instruction to match the original's own
// [u32; A64_MAX_INSTRUCTIONS * 10] slot, not the 64-byte guess this used to
// default to, which a multi-veneer prologue could overflow into the next
// slot.
var arm64PoolSlotSize = env.Int("DETOUR_ARM64_POOL_SLOT_SIZE", a64MaxInstructions*10*4)
