// Package apierr classifies component errors into the small set of kinds
// the HTTP surface maps onto status codes.
package apierr

import "errors"

// Kind is one of the error kinds the API surface distinguishes.
type Kind int

const (
	// KindInternal covers database, process-spawn, and file I/O failures.
	KindInternal Kind = iota
	KindInvalidArgument
	KindUnauthenticated
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindUnavailable
	KindUpstreamFailed
)

// Error wraps a cause with a classification kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func new(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

func InvalidArgument(msg string) error        { return new(KindInvalidArgument, msg, nil) }
func Unauthenticated(msg string) error         { return new(KindUnauthenticated, msg, nil) }
func NotFound(msg string) error                { return new(KindNotFound, msg, nil) }
func MethodNotAllowed(msg string) error        { return new(KindMethodNotAllowed, msg, nil) }
func Conflict(msg string) error                { return new(KindConflict, msg, nil) }
func Unavailable(msg string, err error) error  { return new(KindUnavailable, msg, err) }
func Internal(msg string, err error) error     { return new(KindInternal, msg, err) }
func UpstreamFailed(msg string, err error) error { return new(KindUpstreamFailed, msg, err) }

// KindOf extracts the Kind of err, defaulting to KindInternal for plain
// errors that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
