package binder

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("OPEN", ErrCodeDriverNotFound, "no binder device at path")

	if err.Op != "OPEN" {
		t.Errorf("Expected Op=OPEN, got %s", err.Op)
	}

	if err.Code != ErrCodeDriverNotFound {
		t.Errorf("Expected Code=ErrCodeDriverNotFound, got %s", err.Code)
	}

	expected := "binder: no binder device at path (op=OPEN)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("MMAP", ErrCodeMmapFailed, syscall.ENOMEM)

	if err.Errno != syscall.ENOMEM {
		t.Errorf("Expected Errno=ENOMEM, got %v", err.Errno)
	}

	if err.Code != ErrCodeMmapFailed {
		t.Errorf("Expected Code=ErrCodeMmapFailed, got %s", err.Code)
	}
}

func TestTxError(t *testing.T) {
	err := NewTxError("TRANSACT", 7, 99, ErrCodeDeadObject, "remote gone")

	if err.Handle != 7 {
		t.Errorf("Expected Handle=7, got %d", err.Handle)
	}
	if err.TxID != 99 {
		t.Errorf("Expected TxID=99, got %d", err.TxID)
	}

	expected := "binder: remote gone (op=TRANSACT, handle=7, tx=99)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOENT
	err := WrapError("OPEN", inner)

	if err.Code != ErrCodeDriverNotFound {
		t.Errorf("Expected Code=ErrCodeDriverNotFound, got %s", err.Code)
	}

	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	original := NewTxError("TRANSACT", 5, 10, ErrCodeTxTimeout, "timed out")
	wrapped := WrapError("RETRY", original)

	if wrapped.Code != ErrCodeTxTimeout {
		t.Errorf("Expected Code preserved across wrap, got %s", wrapped.Code)
	}
	if wrapped.Handle != 5 || wrapped.TxID != 10 {
		t.Errorf("Expected Handle/TxID preserved across wrap, got handle=%d tx=%d", wrapped.Handle, wrapped.TxID)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTxTimeout, "operation timed out")

	if !IsCode(err, ErrCodeTxTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTxTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("TEST", ErrCodeIOError, syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected BinderErrorCode
	}{
		{syscall.ENOENT, ErrCodeDriverNotFound},
		{syscall.EINVAL, ErrCodeMalformedParcel},
		{syscall.ENOSYS, ErrCodeDriverVersionMismatch},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTxTimeout},
		{syscall.EFAULT, ErrCodeDeadObject},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
