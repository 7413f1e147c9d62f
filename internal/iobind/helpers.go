package iobind

import (
	"encoding/binary"
	"unsafe"
)

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// uintptrOf returns the address of a byte slice's backing array. The slice
// must outlive the returned pointer's use, which in every call site here
// means it must not be garbage-collected or moved before the pending
// BINDER_WRITE_READ ioctl completes; callers keep the backing buffers
// referenced on their stack for exactly that reason.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func writeRead64(fd int, write []byte, writeConsumed *int, read []byte, readConsumed *int) error {
	var bwr BinderWriteRead64
	if write != nil {
		bwr.WriteSize = uint64(len(write) - *writeConsumed)
		bwr.WriteBuffer = uint64(uintptrOf(write) + uintptr(*writeConsumed))
	}
	if read != nil {
		bwr.ReadSize = uint64(len(read) - *readConsumed)
		bwr.ReadBuffer = uint64(uintptrOf(read) + uintptr(*readConsumed))
	}
	if err := systemIoctl(fd, BinderWriteReadIoctl(8), uintptr(unsafe.Pointer(&bwr))); err != nil {
		return err
	}
	if write != nil {
		*writeConsumed += int(bwr.WriteConsumed)
	}
	if read != nil {
		*readConsumed += int(bwr.ReadConsumed)
	}
	return nil
}

func writeRead32(fd int, write []byte, writeConsumed *int, read []byte, readConsumed *int) error {
	var bwr BinderWriteRead32
	if write != nil {
		bwr.WriteSize = uint32(len(write) - *writeConsumed)
		bwr.WriteBuffer = uint32(uintptrOf(write)) + uint32(*writeConsumed)
	}
	if read != nil {
		bwr.ReadSize = uint32(len(read) - *readConsumed)
		bwr.ReadBuffer = uint32(uintptrOf(read)) + uint32(*readConsumed)
	}
	if err := systemIoctl(fd, BinderWriteReadIoctl(4), uintptr(unsafe.Pointer(&bwr))); err != nil {
		return err
	}
	if write != nil {
		*writeConsumed += int(bwr.WriteConsumed)
	}
	if read != nil {
		*readConsumed += int(bwr.ReadConsumed)
	}
	return nil
}
