package processing

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure so the retry controller can dispatch on
// the class of the error rather than on its identity.
type Kind string

const (
	// KindMalformedPayload means the raw bytes could not be parsed into a
	// scan message: bad UTF-8, bad JSON, missing or mis-shaped fields, or an
	// unknown data version. Replaying the message cannot fix it.
	KindMalformedPayload Kind = "malformed_payload"

	// KindInvalidField means the payload parsed but a field fails a domain
	// constraint (port range, negative timestamp, unparseable IP). Also
	// permanent: the content is wrong, not the delivery.
	KindInvalidField Kind = "invalid_field"

	// KindStoreUnavailable means persistence failed for a transient
	// infrastructure reason and the write may succeed on retry.
	KindStoreUnavailable Kind = "store_unavailable"
)

// Error is a pipeline failure tagged with its kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Terminal reports whether err can never succeed on replay. Unclassified
// errors are treated as transient.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindMalformedPayload, KindInvalidField:
		return true
	}
	return false
}

func malformedf(format string, args ...any) error {
	return &Error{Kind: KindMalformedPayload, Err: fmt.Errorf(format, args...)}
}

func invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalidField, Err: fmt.Errorf(format, args...)}
}
