// Command libdetour builds as a C shared library (-buildmode=c-shared)
// exposing the hooking engine to callers that load it from outside Go.
// The exported symbol names (install, find_symbol, hook_process, ...) are
// this module's own naming, not the entry points of the tool its hooking
// logic is modeled on; existing injector code targeting that tool's symbol
// names will not link against this library unmodified.
package main

/*
#include <stdint.h>
#include <stdbool.h>
*/
import "C"

import (
	"unsafe"

	"github.com/xyproto/detour"
	"github.com/xyproto/detour/symbolutil"
)

//export install
func install(target, replacement unsafe.Pointer, outOriginal *unsafe.Pointer) {
	if target == nil {
		return
	}
	if outOriginal == nil {
		_ = detour.InstallNoTrampoline(uintptr(target), uintptr(replacement))
		return
	}
	result, err := detour.Install(uintptr(target), uintptr(replacement))
	if err != nil {
		return
	}
	if outOriginal != nil {
		*outOriginal = unsafe.Pointer(result.Trampoline)
	}
}

//export install_arm64
func install_arm64(target, replacement unsafe.Pointer, outOriginal *unsafe.Pointer) {
	if target == nil {
		return
	}
	result, err := detour.InstallARM64(uintptr(target), uintptr(replacement))
	if err != nil {
		return
	}
	if outOriginal != nil {
		*outOriginal = unsafe.Pointer(result.Trampoline)
	}
}

//export find_symbol
func find_symbol(imageHandle unsafe.Pointer, name *C.char) unsafe.Pointer {
	return nil
}

//export get_image_by_name
func get_image_by_name(path *C.char) unsafe.Pointer {
	return nil
}

//export hook_process
func hook_process(pid C.int, library *C.char) C.bool {
	return C.bool(false)
}

//export find_library
func find_library(name *C.char) C.uintptr_t {
	if name == nil {
		return 0
	}
	addr, err := symbolutil.FindLibrary(C.GoString(name))
	if err != nil {
		return 0
	}
	return C.uintptr_t(addr)
}

//export absolute_address
func absolute_address(name *C.char, offset C.uintptr_t) C.uintptr_t {
	if name == nil {
		return 0
	}
	addr, err := symbolutil.AbsoluteAddress(C.GoString(name), uintptr(offset))
	if err != nil {
		return 0
	}
	return C.uintptr_t(addr)
}

//export is_library_loaded
func is_library_loaded(name *C.char) C.bool {
	if name == nil {
		return C.bool(false)
	}
	return C.bool(symbolutil.IsLibraryLoaded(C.GoString(name)))
}

//export string_to_offset
func string_to_offset(hex *C.char) C.uintptr_t {
	if hex == nil {
		return 0
	}
	offset, err := symbolutil.StringToOffset(C.GoString(hex))
	if err != nil {
		return 0
	}
	return C.uintptr_t(offset)
}

func main() {}
