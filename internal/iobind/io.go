package iobind

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Parent describes the "has_parent" relationship a nested buffer object
// carries: the nested buffer is owned by the object at ParentIndex (its
// position in the transaction's offsets array) at byte ParentOffset inside
// that parent's data.
type Parent struct {
	Index  uint64
	Offset uint64
}

// TxData is the decoded form of BR_TRANSACTION/BR_REPLY: either a payload
// plus its object-offset table, or (when Flags has TfStatusCode set on the
// wire) a bare status code with no payload. DataPtr/OffsetsPtr are raw
// addresses inside the Driver's mmap'd receive region, not Go pointers —
// the kernel writes the payload directly into that mapping and the
// transaction_data struct merely points at it, so resolving DataPtr into a
// byte slice is the Driver's job (it knows the mapping's base address).
type TxData struct {
	Status      int32
	Code        uint32
	Flags       uint32
	Pid         int32
	Euid        uint32
	Target      uint64 // raw target.ptr, meaningful only for incoming transactions
	DataPtr     uint64
	DataSize    uint64
	OffsetsPtr  uint64
	OffsetsSize uint64
}

// BufferObjectInfo is the decoded form of a binder_buffer_object found
// inside a received transaction's object table.
type BufferObjectInfo struct {
	Data         uint64
	Size         uint64
	ParentOffset uint64
	HasParent    bool
}

// Io is the pointer-width-specific binder wire codec. Exactly one of Io32
// and Io64 is in play for the life of a Driver, selected by the width the
// kernel's BINDER_VERSION implies.
type Io interface {
	// Width is 4 or 8: sizeof(binder_uintptr_t)/sizeof(binder_size_t) on
	// the kernel this Io targets.
	Width() int
	Commands() CommandCodes
	Returns() ReturnCodes
	WriteReadIoctl() uint32

	ObjectSize(objType uint32) int
	ObjectDataSize(objType uint32, obj []byte) int

	EncodeLocalObject(out []byte, ptr uintptr) int
	EncodeWeakLocalObject(out []byte) int
	EncodeRemoteObject(out []byte, handle uint32) int
	EncodeRemoteNull(out []byte) int
	EncodeFdObject(out []byte, fd int) int
	EncodeBufferObject(out []byte, data uintptr, size uint64, parent *Parent) int
	EncodeHandleCookie(out []byte, handle uint32, cookie uint64) int
	EncodePtrCookie(out []byte, ptr uintptr, cookie uint64) int

	EncodeTransaction(out []byte, handle, code uint32, payload []byte, oneway bool, offsets []uint64, offsetsBuf []byte) int
	EncodeTransactionSG(out []byte, handle, code uint32, payload []byte, oneway bool, offsets []uint64, offsetsBuf []byte, buffersSize uint64) int
	EncodeReply(out []byte, handle, code uint32, payload []byte, offsets []uint64, offsetsBuf []byte) int
	EncodeReplySG(out []byte, handle, code uint32, payload []byte, offsets []uint64, offsetsBuf []byte, buffersSize uint64) int
	EncodeStatusReply(out []byte, status int32) int

	DecodeTransactionData(data []byte) TxData
	DecodeCookie(data []byte) uint64
	DecodePtrCookie(data []byte) uintptr
	DecodeBinderHandle(obj []byte) (uint32, bool)
	DecodeBufferObject(bufData []byte, offset int) (BufferObjectInfo, bool)
	DecodeFdObject(obj []byte) (int, bool)

	WriteRead(fd int, write []byte, writeConsumed *int, read []byte, readConsumed *int) error
}

// offsetSize returns sizeof(binder_size_t) for the given width; entries in
// an offsets array are always that wide regardless of which object they
// point at.
func offsetSize(width int) int { return width }

func putUintW(buf []byte, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(buf, v)
	}
}

func getUintW(buf []byte, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}

// systemIoctl issues a single binder ioctl and wraps any errno (EINTR and
// EAGAIN included) with the request number; it does not retry, so any
// retrying is left to the Driver.
func systemIoctl(fd int, req uint32, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return fmt.Errorf("binder ioctl 0x%x: %w", req, errno)
	}
	return nil
}

// RawIoctl exposes systemIoctl to callers outside this package (the
// Driver), for the handful of top-level binder ioctls that don't go
// through BINDER_WRITE_READ: BINDER_VERSION, BINDER_SET_MAX_THREADS,
// BINDER_SET_CONTEXT_MGR, BINDER_THREAD_EXIT.
func RawIoctl(fd int, req uint32, arg uintptr) error {
	return systemIoctl(fd, req, arg)
}
