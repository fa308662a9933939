package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by adapters for operations they do not
// implement. Stub adapters fail loudly rather than returning defaults.
var ErrUnsupported = errors.New("operation not supported by this broker")

// ErrNotPaper is returned when a paper-trading check fails at construction.
var ErrNotPaper = errors.New("broker did not verify as paper trading")

// Error wraps a failure from a broker call. Transient errors (network,
// rate limit, 5xx) may be retried on the next scheduled tick; everything
// else is fatal for the call.
type Error struct {
	Broker    string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s: %s error: %v", e.Broker, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newTransient wraps err as a retryable broker error.
func newTransient(brokerName, op string, err error) error {
	return &Error{Broker: brokerName, Op: op, Transient: true, Err: err}
}

// newFatal wraps err as a non-retryable broker error.
func newFatal(brokerName, op string, err error) error {
	return &Error{Broker: brokerName, Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is a transient
// broker error. Unknown errors are not transient.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// classifyHTTP maps an HTTP status code to transient or fatal.
// 429 and 5xx are transient; 4xx API errors are fatal for the call.
func classifyHTTP(brokerName, op string, status int, err error) error {
	if status == 429 || status >= 500 {
		return newTransient(brokerName, op, err)
	}
	return newFatal(brokerName, op, err)
}

// looksTransient inspects an error string for network-level failure
// signatures that never reach HTTP status classification.
func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"EOF",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
