package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind says whether retrying a failed call can help.
type Kind int

const (
	// Transient failures (timeouts, connectivity, 5xx, 408, 429) are
	// retried with backoff.
	Transient Kind = iota
	// Permanent failures (other 4xx, rejected input) fail at once.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is returned by every remote call.
type Error struct {
	Kind       Kind
	StatusCode int // 0 when no HTTP response was received
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%s, HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a remote error that must not be
// retried.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == Permanent
}

// IsTransient reports whether err is a remote error worth retrying.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == Transient
}

// KindForStatus classifies an HTTP status code.
func KindForStatus(code int) Kind {
	switch {
	case code >= 500:
		return Transient
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient
	case code >= 400:
		return Permanent
	}
	return Transient
}

func statusError(op string, code int, body string) *Error {
	msg := http.StatusText(code)
	if body != "" {
		msg = body
	}
	return &Error{Kind: KindForStatus(code), StatusCode: code, Op: op, Err: errors.New(msg)}
}

// transportError wraps a failure that produced no HTTP response. Every such
// failure, including a deadline or cancellation, is transient.
func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out: %w", err)
	}
	return &Error{Kind: Transient, Op: op, Err: err}
}
