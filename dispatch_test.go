package detour

import (
	"errors"
	"runtime"
	"testing"
)

func TestInstallRejectsNullPointer(t *testing.T) {
	if _, err := Install(0, 0x1000); !errors.Is(err, ErrNullPointer) {
		t.Fatalf("Install(0, ...) err = %v, want ErrNullPointer", err)
	}
	if _, err := Install(0x1000, 0); !errors.Is(err, ErrNullPointer) {
		t.Fatalf("Install(..., 0) err = %v, want ErrNullPointer", err)
	}
}

func TestInstallNoTrampolineRejectsNullPointer(t *testing.T) {
	if err := InstallNoTrampoline(0, 0x1000); !errors.Is(err, ErrNullPointer) {
		t.Fatalf("InstallNoTrampoline(0, ...) err = %v, want ErrNullPointer", err)
	}
}

func TestInstallARM64RejectsWrongArchitecture(t *testing.T) {
	if runtime.GOARCH == "arm64" {
		t.Skip("only meaningful on non-arm64 hosts")
	}
	if _, err := InstallARM64(0x1000, 0x2000); !errors.Is(err, ErrHookFailed) {
		t.Fatalf("InstallARM64 on %s err = %v, want ErrHookFailed", runtime.GOARCH, err)
	}
}

func TestPatchShapeReturnsNonEmptyLabel(t *testing.T) {
	shape := patchShape(0)
	if shape == "" {
		t.Fatalf("expected a non-empty patch shape label")
	}
}
