package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrCanceled reports an abort the user or the engine asked for.
	ErrCanceled = errors.New("canceled")
	// ErrLoginCanceled reports that the user declined a credential prompt.
	ErrLoginCanceled = errors.New("login canceled")
	// ErrLoginFailed is wrapped by drivers when the server rejects credentials.
	ErrLoginFailed = errors.New("login failed")
	// ErrUnsupported is returned by drivers for operations the protocol lacks.
	ErrUnsupported = errors.ErrUnsupported
	// ErrNotFound is wrapped by drivers when a remote path does not exist.
	ErrNotFound = errors.New("not found")
)

// ConnectionError is a transport-level failure.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OperationError is a per-path protocol failure.
type OperationError struct {
	Op   string
	Path string
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// ResumeError reports that fewer bytes could be skipped than the resume
// offset asked for.
type ResumeError struct {
	Path     string
	Expected int64
	Skipped  int64
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume %s: skipped %d bytes instead of %d", e.Path, e.Skipped, e.Expected)
}

// IsCanceled reports whether err is a cancellation rather than a fault.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// isTransport guesses whether a raw driver error came from the socket.
func isTransport(err error) bool {
	if err == nil {
		return false
	}
	if IsConnectionError(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Failure is a structured error broadcast to error subscribers.
type Failure struct {
	Path    string
	Message string
	Err     error
}
