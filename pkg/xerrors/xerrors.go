package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies mirrorstore errors.
type Kind int

const (
	KindInvalid Kind = iota
	// KindNotFound marks a local or remote miss. It drives fallback chains.
	KindNotFound
	// KindConfiguration marks a fatal setup problem such as a missing bucket
	// or rejected credentials. It is never retried.
	KindConfiguration
	// KindReadOnly marks a write against a handle opened for reading.
	KindReadOnly
	// KindReplication marks a failed push of a local blob to the bucket.
	KindReplication
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConfiguration:
		return "configuration error"
	case KindReadOnly:
		return "read-only handle"
	case KindReplication:
		return "replication failed"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission):
		return KindConfiguration
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err is non-nil and classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound is shorthand for Is(err, KindNotFound).
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}
