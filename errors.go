package binder

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured binder error with context and errno mapping.
type Error struct {
	Op     string         // Operation that failed (e.g. "OPEN", "TRANSACT", "WRITE_READ")
	Handle uint32         // Remote handle involved, if any (0 if not applicable)
	TxID   uint64         // Transaction id involved, if any (0 if not applicable)
	Code   BinderErrorCode // High-level error category
	Errno  syscall.Errno  // Kernel errno (0 if not applicable)
	Msg    string         // Human-readable message
	Inner  error          // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("handle=%d", e.Handle))
	}
	if e.TxID != 0 {
		parts = append(parts, fmt.Sprintf("tx=%d", e.TxID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("binder: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("binder: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, matching on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// BinderErrorCode represents high-level error categories, grouped by the
// layer that raises them (setup/transport/transaction/protocol/resource/
// wait), the taxonomy spec's error handling section lays out.
type BinderErrorCode string

const (
	// Setup
	ErrCodeDriverNotFound       BinderErrorCode = "binder driver not found"
	ErrCodeDriverVersionMismatch BinderErrorCode = "unsupported binder protocol version"
	ErrCodePermissionDenied     BinderErrorCode = "permission denied"

	// Transport
	ErrCodeIOError      BinderErrorCode = "I/O error"
	ErrCodeMmapFailed   BinderErrorCode = "mmap failed"
	ErrCodeShortWrite   BinderErrorCode = "short write to driver"

	// Transaction
	ErrCodeDeadObject     BinderErrorCode = "dead object"
	ErrCodeFailedReply    BinderErrorCode = "transaction failed"
	ErrCodeTxTimeout      BinderErrorCode = "transaction timed out"
	ErrCodeTxCancelled    BinderErrorCode = "transaction cancelled"
	ErrCodeUnknownHandle  BinderErrorCode = "unknown handle"
	ErrCodeUnknownObject  BinderErrorCode = "unknown local object"

	// Protocol / codec
	ErrCodeMalformedParcel BinderErrorCode = "malformed parcel"
	ErrCodeShortRead       BinderErrorCode = "short read"
	ErrCodeBadObjectOffset BinderErrorCode = "invalid object offset"

	// Resource
	ErrCodeInsufficientMemory BinderErrorCode = "insufficient memory"
	ErrCodeTooManyFds         BinderErrorCode = "too many file descriptors"
	ErrCodeBufferAlreadyFreed BinderErrorCode = "buffer already released"

	// Wait / concurrency
	ErrCodeLooperBlocked BinderErrorCode = "all loopers blocked"
	ErrCodeShuttingDown  BinderErrorCode = "ipc shutting down"
)

// NewError creates a new structured error.
func NewError(op string, code BinderErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code BinderErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewTxError creates a transaction-scoped error.
func NewTxError(op string, handle uint32, txID uint64, code BinderErrorCode, msg string) *Error {
	return &Error{Op: op, Handle: handle, TxID: txID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with binder context, mapping a bare
// syscall.Errno to a BinderErrorCode the same way the original.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Handle: be.Handle, TxID: be.TxID, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) BinderErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeDriverNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeMalformedParcel
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeDriverVersionMismatch
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTxTimeout
	case syscall.EFAULT:
		return ErrCodeDeadObject
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code BinderErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
