// Package silkerr defines the error kinds shared across the flow-record
// processing core, and a small rate-collapsing log helper for per-PDU
// and per-record rejection logging.
package silkerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories used throughout the core.
// Kinds are compared with errors.Is, never by string matching.
type Kind int

const (
	// NullParam is returned when a required argument was nil/zero.
	NullParam Kind = iota
	// BadParam is returned for a structurally invalid argument (unknown
	// type code, malformed name, list-of-list element type, ...).
	BadParam
	// Duplicate is returned when adding an element/schema entry that
	// already exists with a different descriptor.
	Duplicate
	// NoSpace is returned when an encoder ran out of destination buffer.
	NoSpace
	// ShortData is returned when a decoder ran out of source bytes.
	ShortData
	// DecodeError is returned when an advertised length or id is
	// inconsistent with the data actually present.
	DecodeError
	// Frozen is returned for programmer errors: insert into a sorted
	// hash table, add to a schema after Freeze, etc.
	Frozen
	// Malformed is returned for malformed file/stream input (bad magic,
	// unsupported version, truncated header/body).
	Malformed
	// Exhausted is returned when a resource (templates, ids, file
	// handles) is permanently out.
	Exhausted
)

func (k Kind) String() string {
	switch k {
	case NullParam:
		return "null-param"
	case BadParam:
		return "bad-param"
	case Duplicate:
		return "duplicate"
	case NoSpace:
		return "no-space"
	case ShortData:
		return "short-data"
	case DecodeError:
		return "decode-error"
	case Frozen:
		return "frozen"
	case Malformed:
		return "malformed"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is a silkerr-flavored error: a Kind plus context.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is supports errors.Is(err, silkerr.ErrNullParam) and the like: any
// *Error target matches when its Kind equals e's, whatever its message.
func (e *Error) Is(target error) bool {
	var k *Error
	if errors.As(target, &k) {
		return k.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// sentinels usable directly with errors.Is(err, silkerr.ErrDuplicate) etc.
var (
	ErrNullParam   = New(NullParam, "null parameter")
	ErrBadParam    = New(BadParam, "bad parameter")
	ErrDuplicate   = New(Duplicate, "duplicate")
	ErrNoSpace     = New(NoSpace, "no space")
	ErrShortData   = New(ShortData, "short data")
	ErrDecodeError = New(DecodeError, "decode error")
	ErrFrozen      = New(Frozen, "frozen")
	ErrMalformed   = New(Malformed, "malformed")
	ErrExhausted   = New(Exhausted, "exhausted")
)
