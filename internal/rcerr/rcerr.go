// Package rcerr defines the error kinds distinguished by the dispatcher:
// invalid-argument (synchronous producer error), permanent (handler gives
// up), and transient (the default, retried with backoff). JoinNotReady is
// modeled as transient.
package rcerr

import (
	"errors"
	"fmt"
)

// kind tags a sentinel so errors.Is works across wrapped instances without
// string comparison.
type kind string

const (
	kindInvalidArgument kind = "invalid_argument"
	kindPermanent       kind = "permanent"
	kindJoinNotReady    kind = "join_not_ready"
	kindNotFound        kind = "not_found"
)

// classified is the wrapper type returned by the constructors below.
type classified struct {
	kind kind
	msg  string
	err  error
}

func (c *classified) Error() string {
	if c.err != nil {
		return fmt.Sprintf("%s: %s", c.msg, c.err)
	}
	return c.msg
}

func (c *classified) Unwrap() error { return c.err }

// sentinel values used as errors.Is targets; classified.Is compares kinds
// rather than identity so every InvalidArgument (for example) matches.
func (c *classified) Is(target error) bool {
	t, ok := target.(*classified)
	if !ok {
		return false
	}
	return t.kind == c.kind
}

var (
	// ErrInvalidArgument is the target for errors.Is checks against any
	// InvalidArgument error returned by this module.
	ErrInvalidArgument = &classified{kind: kindInvalidArgument, msg: "invalid argument"}
	// ErrPermanent is the target for errors.Is checks against any
	// Permanent (handler-originated, non-retryable) error.
	ErrPermanent = &classified{kind: kindPermanent, msg: "permanent failure"}
	// ErrJoinNotReady is the target for errors.Is checks against
	// JoinNotReady, which the dispatcher treats as transient.
	ErrJoinNotReady = &classified{kind: kindJoinNotReady, msg: "join not ready"}
	// ErrNotFound indicates a lookup (router key, join id) found nothing.
	ErrNotFound = &classified{kind: kindNotFound, msg: "not found"}
)

// InvalidArgument builds a synchronous parameter-validation error.
func InvalidArgument(format string, args ...any) error {
	return &classified{kind: kindInvalidArgument, msg: fmt.Sprintf(format, args...)}
}

// Permanent wraps cause as a non-retryable handler failure. The dispatcher
// calls fail() on sight of this kind, never abandon().
func Permanent(cause error) error {
	return &classified{kind: kindPermanent, msg: "permanent", err: cause}
}

// Permanentf builds a Permanent error directly from a format string.
func Permanentf(format string, args ...any) error {
	return &classified{kind: kindPermanent, msg: fmt.Sprintf(format, args...)}
}

// JoinNotReady indicates the join.wait handler was invoked before the
// join's expected step count was reached. The dispatcher abandons for
// retry, exactly like any other transient error.
func JoinNotReady(joinID string) error {
	return &classified{kind: kindJoinNotReady, msg: fmt.Sprintf("join %s not ready", joinID)}
}

// NotFound builds a not-found error from a format string and its args.
func NotFound(format string, args ...any) error {
	return &classified{kind: kindNotFound, msg: fmt.Sprintf(format, args...)}
}

// IsInvalidArgument reports whether err (or any error it wraps) is an
// InvalidArgument error.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsPermanent reports whether err (or any error it wraps) is a Permanent
// error.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsJoinNotReady reports whether err (or any error it wraps) is a
// JoinNotReady error.
func IsJoinNotReady(err error) bool { return errors.Is(err, ErrJoinNotReady) }

// IsNotFound reports whether err (or any error it wraps) is a NotFound
// error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether err should be treated as transient by the
// dispatcher: anything that is not InvalidArgument and not Permanent,
// including JoinNotReady and plain errors from handlers or stores.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsInvalidArgument(err) && !IsPermanent(err)
}
