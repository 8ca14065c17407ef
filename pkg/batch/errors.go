package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("batch: invalid config")

	// ErrCancelled marks requests that were never dispatched because the
	// submission context ended first.
	ErrCancelled = errors.New("batch: cancelled before dispatch")

	// ErrAllFailed is returned by Summary.Err when no request succeeded.
	ErrAllFailed = errors.New("batch: all requests failed")
)

// ErrorKind tells the coordinator whether a failure is worth retrying.
type ErrorKind int

const (
	// Permanent failures are reported without retry.
	Permanent ErrorKind = iota
	// Transient failures (timeouts, rate limits, dropped connections) are
	// retried with backoff.
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// RequestError is the failure outcome of one request.
type RequestError struct {
	ID       string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s failure after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("request %s: %s failure after %d attempt(s): %v", e.ID, e.Kind, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// MarkTransient tags err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{Kind: Transient, Err: err}
}

// MarkPermanent tags err as not retryable.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{Kind: Permanent, Err: err}
}

// Classify decides whether err is transient. Errors tagged by MarkTransient
// or MarkPermanent keep their tag. Deadline, network timeout and dropped
// connection errors are transient. Everything else is permanent.
func Classify(err error) ErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Permanent
}

// cause strips a classification wrapper so results carry the provider's
// own error.
func cause(err error) error {
	if re, ok := err.(*RequestError); ok && re.Attempts == 0 {
		return re.Err
	}
	return err
}
