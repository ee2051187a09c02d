package detour

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a hook installation can hit.
type Kind int

const (
	KindNullPointer Kind = iota
	KindMemoryProtection
	KindMemoryMap
	KindDisassemblyFailed
	KindInsufficientSpace
	KindHookFailed
	KindInvalidInstruction
	KindInvalidSymbol
	KindSymbolNotFound
	KindLibraryNotFound
	KindElfParsing
	KindFileNotFound
	KindParseError
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNullPointer:
		return "null pointer"
	case KindMemoryProtection:
		return "memory protection"
	case KindMemoryMap:
		return "memory map"
	case KindDisassemblyFailed:
		return "disassembly failed"
	case KindInsufficientSpace:
		return "insufficient space"
	case KindHookFailed:
		return "hook failed"
	case KindInvalidInstruction:
		return "invalid instruction"
	case KindInvalidSymbol:
		return "invalid symbol"
	case KindSymbolNotFound:
		return "symbol not found"
	case KindLibraryNotFound:
		return "library not found"
	case KindElfParsing:
		return "elf parsing"
	case KindFileNotFound:
		return "file not found"
	case KindParseError:
		return "parse error"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// HookError is the error type returned by every exported function in this
// module. Callers that need to branch on failure mode should use errors.Is
// against the sentinel Err* values below, not string matching.
type HookError struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *HookError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Message)
}

func (e *HookError) Unwrap() error {
	return e.Wrapped
}

// Is lets errors.Is(err, ErrHookFailed) match any *HookError of that Kind,
// regardless of message or wrapped cause.
func (e *HookError) Is(target error) bool {
	t, ok := target.(*HookError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, format string, args ...interface{}) *HookError {
	return &HookError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...interface{}) *HookError {
	return &HookError{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// Newf builds a *HookError of the given kind for packages outside detour
// itself, such as symbolutil, that need to report failures through the
// same taxonomy without exporting the lower-level constructors.
func Newf(kind Kind, format string, args ...interface{}) *HookError {
	return newErr(kind, format, args...)
}

// Wrap builds a *HookError of the given kind around a causing error, for
// use outside the detour package.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *HookError {
	return wrapErr(kind, cause, format, args...)
}

// Sentinels for errors.Is comparisons. Only Kind is compared, so these can
// be constructed with an empty Message.
var (
	ErrNullPointer         = &HookError{Kind: KindNullPointer}
	ErrMemoryProtection    = &HookError{Kind: KindMemoryProtection}
	ErrMemoryMap           = &HookError{Kind: KindMemoryMap}
	ErrDisassemblyFailed   = &HookError{Kind: KindDisassemblyFailed}
	ErrInsufficientSpace   = &HookError{Kind: KindInsufficientSpace}
	ErrHookFailed          = &HookError{Kind: KindHookFailed}
	ErrInvalidInstruction  = &HookError{Kind: KindInvalidInstruction}
	ErrInvalidSymbol       = &HookError{Kind: KindInvalidSymbol}
	ErrSymbolNotFound      = &HookError{Kind: KindSymbolNotFound}
	ErrLibraryNotFound     = &HookError{Kind: KindLibraryNotFound}
	ErrElfParsing          = &HookError{Kind: KindElfParsing}
	ErrFileNotFound        = &HookError{Kind: KindFileNotFound}
	ErrParseError          = &HookError{Kind: KindParseError}
	ErrIO                  = &HookError{Kind: KindIO}
)

// Is reports whether err is a *HookError of the given kind.
func Is(err error, kind Kind) bool {
	var he *HookError
	return errors.As(err, &he) && he.Kind == kind
}
