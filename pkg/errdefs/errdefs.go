package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the server's failure taxonomy. Every error
// that crosses a component boundary carries exactly one kind; raw transport
// and library errors never reach callers.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindChain           Kind = "chain"
	KindContent         Kind = "content"
	KindDecryption      Kind = "decryption"
	KindGrantValidation Kind = "grant_validation"
	KindCompute         Kind = "compute"
	KindSandbox         Kind = "sandbox"
	KindInternal        Kind = "internal"
)

// Content fetch subtypes, carried alongside KindContent.
type ContentSubtype string

const (
	ContentTimeout     ContentSubtype = "timeout"
	ContentTooLarge    ContentSubtype = "too_large"
	ContentRateLimited ContentSubtype = "rate_limited"
	ContentTransport   ContentSubtype = "transport"
	ContentNotFound    ContentSubtype = "not_found"
)

// Error is the classified error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Subtype ContentSubtype // Only set for KindContent
	Message string
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a lower-level cause
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithSubtype attaches a content subtype to the error
func (e *Error) WithSubtype(st ContentSubtype) *Error {
	e.Subtype = st
	return e
}

// Constructors for common kinds

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Authentication(format string, args ...interface{}) *Error {
	return New(KindAuthentication, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return New(KindAuthorization, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Chain(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindChain, cause, format, args...)
}

func Content(st ContentSubtype, cause error, format string, args ...interface{}) *Error {
	return Wrap(KindContent, cause, format, args...).WithSubtype(st)
}

// Decryption reports envelope or payload failures. The message is
// intentionally generic: MAC mismatches and padding errors must be
// indistinguishable to callers.
func Decryption() *Error {
	return New(KindDecryption, "decryption failed")
}

func GrantValidation(format string, args ...interface{}) *Error {
	return New(KindGrantValidation, format, args...)
}

func Compute(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindCompute, cause, format, args...)
}

func Sandbox(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindSandbox, cause, format, args...)
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, cause, format, args...)
}

// GetKind returns the kind of a classified error, or KindInternal for
// anything unclassified.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// GetSubtype returns the content subtype of a classified error, if any
func GetSubtype(err error) ContentSubtype {
	var e *Error
	if errors.As(err, &e) {
		return e.Subtype
	}
	return ""
}
