package hive

import (
	"fmt"
	"strings"
)

// Error is a structured runtime error carrying the failed operation and the
// service it concerns.
type Error struct {
	Op     string    // operation that failed (e.g. "LAUNCH", "REG", "send")
	Handle Handle    // service involved (0 if not applicable)
	Code   ErrorCode // high-level category
	Msg    string    // human-readable message
	Inner  error     // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("service=:%08x", uint32(e.Handle)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("hive: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("hive: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by category
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories. The codes are usable as
// sentinels with errors.Is.
type ErrorCode string

func (e ErrorCode) Error() string {
	return string(e)
}

const (
	ErrServiceNotFound ErrorCode = "service not found"
	ErrNameTaken       ErrorCode = "name already registered"
	ErrModuleNotFound  ErrorCode = "module not found"
	ErrInitFailed      ErrorCode = "service init failed"
	ErrMailboxClosed   ErrorCode = "service is exiting"
	ErrHandleExhausted ErrorCode = "handle space exhausted"
	ErrBadCommand      ErrorCode = "unknown command"
	ErrBadParameter    ErrorCode = "invalid parameters"
	ErrSocketClosed    ErrorCode = "socket closed"
	ErrNodeDown        ErrorCode = "node is shutting down"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewServiceError creates an error tied to a specific service
func NewServiceError(op string, h Handle, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Handle: h, Code: code, Msg: msg}
}

// WrapError wraps an existing error with runtime context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Handle: he.Handle,
			Code:   he.Code,
			Msg:    he.Msg,
			Inner:  he.Inner,
		}
	}
	if code, ok := inner.(ErrorCode); ok {
		return &Error{Op: op, Code: code, Msg: string(code), Inner: inner}
	}
	return &Error{Op: op, Code: ErrBadParameter, Msg: inner.Error(), Inner: inner}
}
