package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every failure surfaced by the core matches exactly one of
// these with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrExternalToolFailure = errors.New("external tool failure")
	ErrProtocolViolation   = errors.New("protocol violation")
)

// Error is a classified failure. Kind is one of the sentinels above, Op names
// the operation ("rewind", "open state store"), Subject the entity involved and
// Details the offending files or ids.
type Error struct {
	Kind    error
	Op      string
	Subject string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Subject != "" {
		b.WriteString(": ")
		b.WriteString(e.Subject)
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Details, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds an ErrNotFound error for subject.
func NotFound(op, subject string) error {
	return &Error{Kind: ErrNotFound, Op: op, Subject: subject}
}

// PreconditionFailed builds an ErrPreconditionFailed error listing details.
func PreconditionFailed(op, subject string, details ...string) error {
	return &Error{Kind: ErrPreconditionFailed, Op: op, Subject: subject, Details: details}
}

// IntegrityViolation builds an ErrIntegrityViolation error.
func IntegrityViolation(op, subject string, cause error) error {
	return &Error{Kind: ErrIntegrityViolation, Op: op, Subject: subject, Err: cause}
}

// ExternalToolFailure wraps cause, which stays reachable through errors.As.
func ExternalToolFailure(op, subject string, cause error) error {
	return &Error{Kind: ErrExternalToolFailure, Op: op, Subject: subject, Err: cause}
}

// ProtocolViolation builds an ErrProtocolViolation error.
func ProtocolViolation(subject string, cause error) error {
	return &Error{Kind: ErrProtocolViolation, Op: "bus", Subject: subject, Err: cause}
}

// DetailsOf returns the offending files or ids attached to err, if any.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
