package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// The engine distinguishes four error classes with different propagation
// rules: definition errors surface synchronously, transient errors count
// toward retry, predicate errors degrade to non-match, fatal errors abort the
// whole execution.

// DefinitionError marks an invalid workflow definition: bad cron expression,
// missing required node config, unsupported model. Never retried.
type DefinitionError struct {
	Err     error
	Subject string // node id, schedule id, or model name
	Message string
}

func (e *DefinitionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("definition error (%s): %v", e.Subject, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// TransientError marks an error that can be retried: adapter timeouts,
// database contention.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PredicateError marks a malformed filter tree. Callers log a warning and
// treat the predicate as false.
type PredicateError struct {
	Err     error
	Subject string
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate error (%s): %v", e.Subject, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// FatalError aborts the owning execution with status FAILED: workflow not
// found, corrupt graph.
type FatalError struct {
	Err     error
	Message string
}

func (e *FatalError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("fatal engine error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Constructors.

func NewDefinitionError(subject, format string, args ...any) *DefinitionError {
	return &DefinitionError{Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func NewTransient(err error) *TransientError {
	return &TransientError{Err: err}
}

func NewPredicateError(subject string, err error) *PredicateError {
	return &PredicateError{Subject: subject, Err: err}
}

func NewFatal(err error, format string, args ...any) *FatalError {
	return &FatalError{Err: err, Message: fmt.Sprintf(format, args...)}
}

// IsDefinition reports whether err is (or wraps) a DefinitionError.
func IsDefinition(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsPredicate reports whether err is (or wraps) a PredicateError.
func IsPredicate(err error) bool {
	var pe *PredicateError
	return errors.As(err, &pe)
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	if IsDefinition(err) || IsFatal(err) || IsPredicate(err) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if isSyscallError(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"deadlock",
		"serialization failure",
		"too many connections",
		"connection reset",
		"timeout",
		"temporarily unavailable",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
