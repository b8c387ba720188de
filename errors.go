package boxlite

import (
	"errors"
	"fmt"
)

// ErrKind classifies a boxlite.Error the way callers are expected to branch
// on: by category, not by string matching.
type ErrKind string

const (
	ErrNotFound      ErrKind = "not_found"
	ErrAlreadyExists ErrKind = "already_exists"
	ErrInvalidState  ErrKind = "invalid_state"
	ErrConfig        ErrKind = "config"
	ErrEngine        ErrKind = "engine"
	ErrGuest         ErrKind = "guest"
	ErrStorage       ErrKind = "storage"
	ErrDatabase      ErrKind = "database"
	ErrImage         ErrKind = "image"
	ErrNetwork       ErrKind = "network"
	ErrStopped       ErrKind = "stopped"
	ErrUnsupported   ErrKind = "unsupported"
	ErrInternal      ErrKind = "internal"
)

// Error is a tagged error carrying one of the kinds above plus a wrapped
// cause. Every boxlite-originated error is constructed through Wrap or one
// of the kind-specific *f helpers (NotFoundf, InvalidStatef, ...) so callers
// can branch on kind with errors.As or KindOf.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports kind comparisons through errors.Is: any *Error target with the
// same Kind matches, e.g. errors.Is(err, &Error{Kind: ErrNotFound}).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newErr(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFoundf(op, format string, args ...any) error {
	return newErr(ErrNotFound, op, fmt.Errorf(format, args...))
}

func AlreadyExistsf(op, format string, args ...any) error {
	return newErr(ErrAlreadyExists, op, fmt.Errorf(format, args...))
}

func InvalidStatef(op, format string, args ...any) error {
	return newErr(ErrInvalidState, op, fmt.Errorf(format, args...))
}

func Stoppedf(op, format string, args ...any) error {
	return newErr(ErrStopped, op, fmt.Errorf(format, args...))
}

func Enginef(op, format string, args ...any) error {
	return newErr(ErrEngine, op, fmt.Errorf(format, args...))
}

func Guestf(op, format string, args ...any) error {
	return newErr(ErrGuest, op, fmt.Errorf(format, args...))
}

func Wrap(kind ErrKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return newErr(kind, op, err)
}

// KindOf returns the ErrKind of err if it (or something it wraps) is a
// *Error, and ErrInternal otherwise.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// joinErrs is errors.Join with nil entries filtered implicitly (errors.Join
// already skips nils); named so call sites read as intent, not stdlib trivia.
func joinErrs(errs []error) error {
	return errors.Join(errs...)
}
