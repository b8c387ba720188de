package boxlite

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	err := NotFoundf("Runtime.Get", "box %q not found", "abc")
	if !errors.Is(err, NotFoundf("other.Op", "different message")) {
		t.Fatalf("errors.Is should match on Kind alone")
	}
	if errors.Is(err, AlreadyExistsf("x", "y")) {
		t.Fatalf("errors.Is matched across different kinds")
	}
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := InvalidStatef("BoxState.Transition", "illegal transition")
	wrapped := fmt.Errorf("Runtime.Create: %w", inner)
	if KindOf(wrapped) != ErrInvalidState {
		t.Fatalf("KindOf(wrapped) = %s, want %s", KindOf(wrapped), ErrInvalidState)
	}
}

func TestKindOfNonBoxliteErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != ErrInternal {
		t.Fatalf("KindOf(plain error) should default to ErrInternal")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(ErrStorage, "op", nil) != nil {
		t.Fatalf("Wrap(kind, op, nil) should return nil")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrStorage, "Layout.EnsureHome", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true via Unwrap")
	}
}

func TestJoinErrsSkipsNils(t *testing.T) {
	e1 := errors.New("a")
	e2 := errors.New("b")
	joined := joinErrs([]error{nil, e1, nil, e2})
	if !errors.Is(joined, e1) || !errors.Is(joined, e2) {
		t.Fatalf("joinErrs dropped a non-nil error")
	}
}

func TestJoinErrsAllNilReturnsNil(t *testing.T) {
	if joinErrs([]error{nil, nil}) != nil {
		t.Fatalf("joinErrs of all-nil should return nil")
	}
}
