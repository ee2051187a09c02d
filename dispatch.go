package detour

import "runtime"

// HookResult is returned by the Go-native install API. It bundles the
// trampoline address (0 if none was requested), the number of prologue
// bytes the backend displaced, and a short label for the patch shape it
// chose, so callers can assert reachability-dependent behavior without
// re-deriving it from raw byte counts.
type HookResult struct {
	Trampoline uintptr
	Used       int
	Shape      string
}

// Install rewrites the prologue at symbolAddr so that calls into it
// transfer to replaceAddr instead, returning a HookResult describing the
// generated trampoline that runs the original prologue before resuming
// execution at symbolAddr past the displaced instructions. The backend is
// chosen from runtime.GOARCH; on 32-bit ARM the low bit of symbolAddr
// selects Thumb state the same way a BX target would.
func Install(symbolAddr, replaceAddr uintptr) (*HookResult, error) {
	var trampoline uintptr
	used, err := install(symbolAddr, replaceAddr, &trampoline)
	if err != nil {
		return nil, err
	}
	return &HookResult{Trampoline: trampoline, Used: used, Shape: patchShape(used)}, nil
}

// InstallNoTrampoline rewrites the prologue at symbolAddr the same way
// Install does but skips generating a trampoline, for callers that only
// want to redirect a function and never need to call the original body.
func InstallNoTrampoline(symbolAddr, replaceAddr uintptr) error {
	_, err := install(symbolAddr, replaceAddr, nil)
	return err
}

// InstallARM64 is Install restricted to the A64 backend, for callers that
// already know their target architecture (e.g. the C ABI surface, which is
// built per architecture anyway). It checks GOARCH and then calls Install.
// On any other architecture it fails rather than silently falling back to
// that architecture's own backend.
func InstallARM64(symbolAddr, replaceAddr uintptr) (*HookResult, error) {
	if runtime.GOARCH != "arm64" {
		return nil, wrapErr(KindHookFailed, nil, "install_arm64 called on non-arm64 target")
	}
	return Install(symbolAddr, replaceAddr)
}

// patchShape labels the patch shape a backend chose from the number of
// prologue bytes it reported displacing, which is already enough to tell
// the short and long forms of each backend's patch apart.
func patchShape(used int) string {
	switch CurrentBackend() {
	case BackendX86_64, BackendIA32:
		if used == 5 {
			return "near-e9"
		}
		return "far-push-ret"
	case BackendA32:
		if used == 8 {
			return "ldr-pc-pool"
		}
		if used == 4 {
			return "short-circuit"
		}
		return "veneer"
	case BackendA64:
		if used == 4 {
			return "near-b"
		}
		return "far-literal"
	default:
		return "veneer"
	}
}

func install(symbolAddr, replaceAddr uintptr, trampoline *uintptr) (int, error) {
	if symbolAddr == 0 || replaceAddr == 0 {
		return 0, ErrNullPointer
	}

	switch runtime.GOARCH {
	case "amd64":
		ia32 = false
		return installX8664(symbolAddr, replaceAddr, trampoline)
	case "386":
		ia32 = true
		return installX8664(symbolAddr, replaceAddr, trampoline)
	case "arm":
		if symbolAddr&0x1 == 0 {
			return installARM32(symbolAddr, replaceAddr, trampoline)
		}
		return installThumb(symbolAddr&^0x1, replaceAddr, trampoline)
	case "arm64":
		return installARM64(symbolAddr, replaceAddr, trampoline)
	default:
		return 0, wrapErr(KindHookFailed, nil, "unsupported architecture %s", runtime.GOARCH)
	}
}
