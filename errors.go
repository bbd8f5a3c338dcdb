package jobs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for common dispatch failure conditions.
// These errors can be used with errors.Is() on the cause of a DispatchError.
var (
	// ErrInvalidJobType indicates the job's type identity cannot be turned
	// into a routing name (empty, unnamed type, or malformed segment).
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrSerialize indicates the job failed to produce its payload.
	ErrSerialize = errors.New("job serialization failed")

	// ErrEmptyJobID indicates the server accepted the call but returned no identifier.
	ErrEmptyJobID = errors.New("server returned empty job id")

	// ErrUnsupportedMethod indicates a transport was asked to call a method it does not serve.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrTransportClosed indicates the transport connection has been shut down.
	ErrTransportClosed = errors.New("transport is closed")
)

// Well-known error codes carried by DispatchError and RemoteError.
const (
	// CodeUnknown is used when the underlying failure carries no code.
	CodeUnknown = 0

	// CodeBadRequest represents a malformed request rejected by the server.
	CodeBadRequest = 400

	// CodeNotFound represents an unknown job or pipeline.
	CodeNotFound = 404

	// CodeTimeout represents a server-side timeout.
	CodeTimeout = 408

	// CodeInternal represents an internal server failure.
	CodeInternal = 500

	// CodeUnavailable represents a server that cannot accept jobs right now.
	CodeUnavailable = 503
)

// ErrorCoder is implemented by errors that carry a numeric code.
// DispatchError propagates the first code found in the cause chain.
type ErrorCoder interface {
	ErrorCode() int
}

// DispatchError is the only error kind returned by Queue.Push.
//
// Every failure (transport disconnection, server rejection, naming or
// serialization failure) is flattened into a DispatchError that keeps the
// original message, a numeric code, and the original cause.
//
// Example usage:
//
//	id, err := q.Push(ctx, job, nil)
//	var de *jobs.DispatchError
//	if errors.As(err, &de) {
//		log.Printf("push %s failed with code %d: %v", de.Job, de.Code, de.Cause)
//	}
type DispatchError struct {
	// Message is the human-readable message of the underlying failure.
	Message string

	// Code is propagated from the cause when available, CodeUnknown otherwise.
	Code int

	// Job is the routing name, if it was resolved before the failure.
	Job string

	// Cause is the original failure.
	Cause error
}

// Error returns the message of the underlying failure.
func (e *DispatchError) Error() string {
	return e.Message
}

// Unwrap returns the original cause, allowing errors.Is() and errors.As()
// to see through the dispatch boundary.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements ErrorCoder.
func (e *DispatchError) ErrorCode() int {
	return e.Code
}

// newDispatchError flattens any failure into a DispatchError.
func newDispatchError(job string, cause error) *DispatchError {
	return &DispatchError{
		Message: cause.Error(),
		Code:    CodeOf(cause),
		Job:     job,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first ErrorCoder in err's chain,
// or CodeUnknown when there is none.
func CodeOf(err error) int {
	var coder ErrorCoder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return CodeUnknown
}

// RemoteError is a rejection reported by the job server.
// Transports translate their native error representation into a RemoteError.
type RemoteError struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// ErrorCode implements ErrorCoder.
func (e *RemoteError) ErrorCode() int {
	return e.Code
}

// NewRemoteError creates a RemoteError with a formatted message.
func NewRemoteError(code int, format string, args ...any) *RemoteError {
	return &RemoteError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. This is intended for use in defer statements to ensure
// cleanup errors are not silently ignored.
//
// If logger is nil, slog.Default() is used.
//
// Example usage:
//
//	defer jobs.CloseWithLog(conn, logger, "transport")
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
