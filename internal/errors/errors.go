// Package errors provides the error taxonomy of the bridge. It defines
// sentinel errors for every failure kind, typed errors carrying the context
// of the failed operation, and classification helpers.
//
// # Error Types
//
// Every failure is local to the operation that observed it:
//   - LinkError: a port or link operation failed (PortNotFound, AlreadyConnected,
//     AlreadyListening, LinkClosed)
//   - RemoteException: the peer answered a specific request with an error
//   - WorkerCrashError: a worker terminated abnormally while calls were outstanding
//   - TimeoutError: an operation ran past its deadline
//
// # Usage
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrPortNotFound) { ... }
//
//	var remote *errors.RemoteException
//	if errors.As(err, &remote) {
//	    log.Printf("remote failed: %s\n%s", remote.Message, remote.Stack)
//	}
//
// # Error Classification
//
//   - Retryable: the caller may try again (PortNotFound, timeouts)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Port and link sentinel errors
var (
	// ErrPortNotFound indicates that connect targeted a name with no listener.
	ErrPortNotFound = New("no such port")
	// ErrAlreadyConnected indicates that Connect was called twice on one link.
	ErrAlreadyConnected = New("link already connected")
	// ErrAlreadyListening indicates that a port name is already being listened on.
	ErrAlreadyListening = New("port already listening")
	// ErrLinkClosed indicates an operation on, or pending on, a closed link.
	ErrLinkClosed = New("link closed")
	// ErrNotTransferable indicates a link that cannot be handed to another context.
	ErrNotTransferable = New("link not transferable")
	// ErrNoTransport indicates a global operation without an attached transport.
	ErrNoTransport = New("no global transport attached")
)

// Wire sentinel errors
var (
	// ErrInvalidFrame indicates a malformed frame on the global transport.
	ErrInvalidFrame = New("invalid frame")
	// ErrMessageTooLarge indicates a message above the configured size limit.
	ErrMessageTooLarge = New("message too large")
)

// Worker sentinel errors
var (
	// ErrWorkerCrash indicates that a worker terminated abnormally.
	ErrWorkerCrash = New("worker exited")
	// ErrUnknownTarget indicates a module reference the worker cannot resolve.
	ErrUnknownTarget = New("unknown target")
	// ErrWorkerReleased indicates a call on a worker whose references were all released.
	ErrWorkerReleased = New("worker released")
	// ErrPoolClosed indicates a worker pool that no longer accepts work.
	ErrPoolClosed = New("worker pool closed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// BridgeError is the base interface for all typed bridge errors.
type BridgeError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed when retried by the caller.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Link Errors
// -----------------------------------------------------------------------------

// LinkError represents a failed port or link operation.
//
// Example:
//
//	err := errors.NewLinkError("connect failed", errors.ErrPortNotFound).WithPort("db")
//	fmt.Println(err) // "link error [port=db]: connect failed: no such port"
type LinkError struct {
	baseError
	Port   string
	LinkID string
	Global bool
}

// NewLinkError creates a new LinkError. PortNotFound causes are retryable.
func NewLinkError(message string, cause error) *LinkError {
	return &LinkError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrPortNotFound),
		},
	}
}

// WithPort adds a port name to the error context.
func (e *LinkError) WithPort(name string) *LinkError {
	e.Port = name
	return e
}

// WithLink adds a link id to the error context.
func (e *LinkError) WithLink(id string) *LinkError {
	e.LinkID = id
	return e
}

// WithGlobal marks the error as concerning a global port or link.
func (e *LinkError) WithGlobal(global bool) *LinkError {
	e.Global = global
	return e
}

// WithSeverity sets the error severity.
func (e *LinkError) WithSeverity(s Severity) *LinkError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *LinkError) Error() string {
	var parts []string
	if e.Port != "" {
		parts = append(parts, fmt.Sprintf("port=%s", e.Port))
	}
	if e.LinkID != "" {
		parts = append(parts, fmt.Sprintf("link=%s", e.LinkID))
	}
	if e.Global {
		parts = append(parts, "global")
	}

	prefix := "link error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("link error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Remote Exceptions
// -----------------------------------------------------------------------------

// RemoteException is an error the peer raised while handling one request.
// It is delivered only to the caller awaiting MsgID.
type RemoteException struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	// Kind is the error kind name on the remote side, if it reported one.
	Kind  string `json:"kind,omitempty"`
	MsgID uint64 `json:"-"`
}

// NewRemoteException creates a RemoteException from an error raised while
// answering msgid.
func NewRemoteException(err error, msgid uint64) *RemoteException {
	re := &RemoteException{Message: err.Error(), MsgID: msgid}
	var inner *RemoteException
	if As(err, &inner) {
		re.Stack = inner.Stack
		re.Kind = inner.Kind
		if err == error(inner) {
			re.Message = inner.Message
		}
	}
	return re
}

// Error returns the formatted error message.
func (e *RemoteException) Error() string {
	return fmt.Sprintf("remote exception (msgid %d): %s", e.MsgID, e.Message)
}

// Severity returns SeverityError.
func (e *RemoteException) Severity() Severity { return SeverityError }

// IsRetryable returns false: the peer rejected this request.
func (e *RemoteException) IsRetryable() bool { return false }

// Unwrap returns nil; the remote cause does not cross the link.
func (e *RemoteException) Unwrap() error { return nil }

// -----------------------------------------------------------------------------
// Worker Errors
// -----------------------------------------------------------------------------

// WorkerCrashError reports a worker that terminated abnormally.
//
// Example:
//
//	err := errors.NewWorkerCrashError("01J...", 1, cause)
//	fmt.Println(err) // "worker exited [worker=01J..., code=1]: boom"
type WorkerCrashError struct {
	baseError
	WorkerID string
	ExitCode int
	Stack    string
}

// NewWorkerCrashError creates a new WorkerCrashError.
func NewWorkerCrashError(workerID string, exitCode int, cause error) *WorkerCrashError {
	return &WorkerCrashError{
		baseError: baseError{
			message:  "worker exited",
			cause:    cause,
			severity: SeverityError,
		},
		WorkerID: workerID,
		ExitCode: exitCode,
	}
}

// WithStack attaches the worker-side stack trace.
func (e *WorkerCrashError) WithStack(stack string) *WorkerCrashError {
	e.Stack = stack
	return e
}

// Error returns the formatted error message.
func (e *WorkerCrashError) Error() string {
	prefix := fmt.Sprintf("worker exited [worker=%s, code=%d]", e.WorkerID, e.ExitCode)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return prefix
}

// Is matches ErrWorkerCrash in addition to the wrapped cause.
func (e *WorkerCrashError) Is(target error) bool {
	return target == ErrWorkerCrash
}

// -----------------------------------------------------------------------------
// Timeout Errors
// -----------------------------------------------------------------------------

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("worker call", 30*time.Second)
//	fmt.Println(err) // "timeout error: worker call (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is matches ErrTimeout in addition to the wrapped cause.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a condition the caller
// may retry, such as a connect to a port that is not listening yet.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var bridgeErr BridgeError
	if As(err, &bridgeErr) {
		return bridgeErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrPortNotFound)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BridgeError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var bridgeErr BridgeError
	if As(err, &bridgeErr) {
		return bridgeErr.Severity()
	}

	return SeverityError
}

// Kind returns the short taxonomy name of err, used when an error has to be
// described across a link.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrPortNotFound):
		return "PortNotFound"
	case Is(err, ErrAlreadyConnected):
		return "AlreadyConnected"
	case Is(err, ErrAlreadyListening):
		return "AlreadyListening"
	case Is(err, ErrLinkClosed):
		return "LinkClosed"
	case Is(err, ErrWorkerCrash):
		return "WorkerCrash"
	case Is(err, ErrTimeout):
		return "Timeout"
	case Is(err, ErrUnknownTarget):
		return "UnknownTarget"
	}
	var remote *RemoteException
	if As(err, &remote) {
		return "RemoteException"
	}
	return "Error"
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
