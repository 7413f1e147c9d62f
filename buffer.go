package binder

import (
	"sync"

	"github.com/ehrlich-b/go-binder/internal/parcel"
	"golang.org/x/sys/unix"
)

// bufferFreer is the subset of Driver a Buffer needs in order to release
// its kernel-mapped region.
type bufferFreer interface {
	FreeBuffer(dataPtr uint64) error
}

// Buffer is an owning handle over a received transaction's payload: the
// kernel-mapped data bytes (via an embedded *parcel.ReaderCore), and any
// fds the kernel opened into this process while decoding the
// transaction's flat_binder_objects. Release issues exactly one
// BC_FREE_BUFFER and closes every fd the caller never claimed via ReadFd.
type Buffer struct {
	*parcel.ReaderCore

	mu       sync.Mutex
	driver   bufferFreer
	dataPtr  uint64
	fds      []int
	claimed  map[int]bool
	released bool
	resolve  parcel.Resolver
}

// NewBuffer wraps a received transaction's payload. fds lists every fd the
// kernel already dup'd into this process for BINDER_TYPE_FD objects found
// while the Driver decoded the transaction. resolve turns a nested HIDL
// buffer object's raw data pointer/size into a byte slice — a real
// Driver's mmap base-address arithmetic, or a loopback pair's direct
// same-process pointer reinterpretation.
func NewBuffer(driver bufferFreer, dataPtr uint64, reader *parcel.ReaderCore, fds []int, resolve parcel.Resolver) *Buffer {
	return &Buffer{
		ReaderCore: reader,
		driver:     driver,
		dataPtr:    dataPtr,
		fds:        fds,
		claimed:    make(map[int]bool, len(fds)),
		resolve:    resolve,
	}
}

// ReadHidlString reads a HIDL string field, resolving its nested buffer
// object through this Buffer's Resolver.
func (b *Buffer) ReadHidlString() (*string, error) {
	return b.ReaderCore.ReadHidlString(b.resolve)
}

// ReadHidlVec reads a HIDL vec<T> of fixed-size elements, resolving its
// nested buffer objects through this Buffer's Resolver.
func (b *Buffer) ReadHidlVec(elemSize int) ([]byte, int, error) {
	return b.ReaderCore.ReadHidlVec(elemSize, b.resolve)
}

// ReadHidlStringVec reads a HIDL vec<string>, resolving its nested buffer
// objects through this Buffer's Resolver.
func (b *Buffer) ReadHidlStringVec() ([]*string, error) {
	return b.ReaderCore.ReadHidlStringVec(b.resolve)
}

// ReadFmqDescriptor reads a wire-serialized MqDescriptor, resolving its
// GrantorDescriptor vec through this Buffer's Resolver and marking every
// fd it reads as claimed, exempting them from Release's close pass.
func (b *Buffer) ReadFmqDescriptor() (MqDescriptor, error) {
	desc, err := ReadFmqDescriptor(b.ReaderCore, b.resolve)
	if err != nil {
		return MqDescriptor{}, err
	}
	b.mu.Lock()
	for _, fd := range desc.Fds {
		b.claimed[fd] = true
	}
	b.mu.Unlock()
	return desc, nil
}

// ReadFd reads the next binder_fd_object and marks the returned fd as
// claimed by the caller, exempting it from Release's close-unclaimed pass.
func (b *Buffer) ReadFd() (int, error) {
	fd, err := b.ReaderCore.ReadFd()
	if err != nil {
		return fd, err
	}
	b.mu.Lock()
	b.claimed[fd] = true
	b.mu.Unlock()
	return fd, nil
}

// Release returns the buffer's mapped region to the driver via
// BC_FREE_BUFFER and closes every kernel-opened fd the caller never
// claimed with ReadFd. Safe to call more than once; only the first call
// has an effect.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true

	for _, fd := range b.fds {
		if !b.claimed[fd] {
			_ = unix.Close(fd)
		}
	}
	return b.driver.FreeBuffer(b.dataPtr)
}
