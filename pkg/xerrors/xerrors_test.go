package xerrors

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindConfiguration, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindConfiguration},
		{name: "double wrapped", err: fmt.Errorf("ctx: %w", wrapped), kind: KindConfiguration},
		{name: "read only", err: E(KindReadOnly, "write", "a/b.png"), kind: KindReadOnly},
		{name: "iofs not exist", err: iofs.ErrNotExist, kind: KindNotFound},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "path error", err: &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, kind: KindNotFound},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindConfiguration},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindNotFound, "Bucket.Stat", "avatars/a.png", errors.New("404"))
	if got, want := err.Error(), "Bucket.Stat: not found avatars/a.png: 404"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if Wrap(KindInternal, "op", "", nil) != nil {
		t.Fatalf("Wrap(nil) should return nil")
	}
}

func TestIsHelpers(t *testing.T) {
	if IsNotFound(nil) {
		t.Fatalf("nil must not be not-found")
	}
	if !IsNotFound(E(KindNotFound, "op", "p")) {
		t.Fatalf("expected not-found")
	}
	if Is(E(KindNotFound, "op", "p"), KindConfiguration) {
		t.Fatalf("kinds must not be conflated")
	}
}
