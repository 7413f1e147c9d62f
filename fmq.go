package binder

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-binder/internal/parcel"
	"golang.org/x/sys/unix"
)

// FmqType selects the synchronization discipline of an Fmq, mirroring
// GBINDER_FMQ_TYPE: a synchronized queue has exactly one reader and
// exactly one writer sharing a single read pointer; an unsynchronized
// queue allows multiple independent readers, each responsible for not
// falling behind the writer (a writer overflow silently advances every
// reader's view of the queue).
type FmqType int

const (
	FmqSyncReadWrite FmqType = iota
	FmqUnsyncWrite
)

const (
	futexWaitBitset  = 9
	futexWakeBitset  = 10
	futexPrivateFlag = 128
)

// Fmq is a shared-memory, lock-free single-producer ring buffer with a
// futex-based event flag, the same primitive HIDL's "fast message queue"
// exposes over a binder-transported memfd. Grounded on gbinder_fmq.c:
// read_ptr/write_ptr are 64-bit running counts of bytes read and written
// (taken modulo the ring size to index into it), advanced with
// atomic acquire/release ordering so a reader on one thread and a writer
// on another never need a lock to agree on how much data is available.
//
// read_ptr, write_ptr, the ring, and the optional event flag each live on
// their own page of the backing memfd, so Descriptor can hand a peer
// process a GrantorDescriptor per region with an mmap-legal (page
// aligned) offset, matching MQDescriptor's wire layout.
type Fmq struct {
	itemSize int
	numItems int
	flags    FmqType

	memFd   int
	mapSize int
	size    int

	readPtrOff  uint64
	writePtrOff uint64
	ringOff     uint64
	eventOff    uint64 // 0 when no event flag is configured

	mem       []byte
	extraMaps [][]byte // per-grantor mmaps owned by a peer-reconstructed Fmq (see NewFmqFromDescriptor)
	ring      []byte
	readPtr   *uint64
	writePtr  *uint64
	eventPtr  *uint32
}

// NewFmq allocates a new queue backed by a fresh memfd sized to hold
// numItems elements of itemSize bytes, plus its read/write counters and
// (if configureEventFlag) a futex word for Wait/Wake.
func NewFmq(itemSize, numItems int, flags FmqType, configureEventFlag bool) (*Fmq, error) {
	if itemSize <= 0 || numItems <= 0 {
		return nil, NewError("FMQ_NEW", ErrCodeMalformedParcel, "item size and item count must be positive")
	}

	page := unix.Getpagesize()
	ringBytes := align8Size(itemSize * numItems)

	readPtrOff := 0
	writePtrOff := page
	ringOff := 2 * page
	ringPages := pageAlign(ringBytes) / page
	if ringPages == 0 {
		ringPages = 1
	}
	total := ringOff + ringPages*page
	eventOff := 0
	if configureEventFlag {
		eventOff = total
		total += page
	}

	fd, err := unix.MemfdCreate("MessageQueue", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, NewErrorWithErrno("FMQ_MEMFD_CREATE", ErrCodeMmapFailed, err.(unix.Errno))
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return nil, NewErrorWithErrno("FMQ_FTRUNCATE", ErrCodeMmapFailed, err.(unix.Errno))
	}

	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, NewErrorWithErrno("FMQ_MMAP", ErrCodeMmapFailed, err.(unix.Errno))
	}

	f := &Fmq{
		itemSize:    itemSize,
		numItems:    numItems,
		flags:       flags,
		memFd:       fd,
		mapSize:     total,
		size:        ringBytes,
		readPtrOff:  uint64(readPtrOff),
		writePtrOff: uint64(writePtrOff),
		ringOff:     uint64(ringOff),
		mem:         mem,
		ring:        mem[ringOff : ringOff+ringBytes],
		readPtr:     (*uint64)(unsafe.Pointer(&mem[readPtrOff])),
		writePtr:    (*uint64)(unsafe.Pointer(&mem[writePtrOff])),
	}
	if configureEventFlag {
		f.eventOff = uint64(eventOff)
		f.eventPtr = (*uint32)(unsafe.Pointer(&mem[eventOff]))
	}
	return f, nil
}

func align8Size(n int) int { return (n + 7) &^ 7 }

func pageAlign(n int) int {
	page := unix.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}

// Close unmaps the queue's shared memory and closes its memfd.
func (f *Fmq) Close() error {
	if f.mem != nil {
		_ = unix.Munmap(f.mem)
	}
	for _, m := range f.extraMaps {
		_ = unix.Munmap(m)
	}
	return unix.Close(f.memFd)
}

// MemFd returns the underlying memfd, for handing to a remote process as
// a BINDER_TYPE_FD object inside the MQDescriptor parcel.
func (f *Fmq) MemFd() int { return f.memFd }

// GrantorDescriptor is the wire descriptor for one mapped region of an
// Fmq's backing fd: a byte offset/extent a peer mmaps independently of
// the rest of the queue. Mirrors android::hardware::GrantorDescriptor's
// {flags, fd_index, offset, extent} layout, u64-aligned so Extent sits
// on an 8-byte boundary (24 bytes total, 4 bytes of padding after
// Offset).
type GrantorDescriptor struct {
	Flags   uint32
	FdIndex uint32
	Offset  uint32
	_       uint32 // padding, keeps Extent 8-byte aligned on the wire
	Extent  uint64
}

// Fixed grantor positions within an MqDescriptor's Grantors, per
// spec.md's Fmq wire layout.
const (
	GrantorReadPtr = iota
	GrantorWritePtr
	GrantorRing
	GrantorEventFlag
)

// MqDescriptor is the wire-serializable handle to a shared Fmq: one
// GrantorDescriptor per mapped region (read pointer, write pointer,
// ring, and optionally the event flag) plus the fd(s) backing them and
// the queue's quantum (item size) and flags. A receiver reconstructs its
// own view of the queue by mmapping each grantor's [Offset, Offset+
// Extent) range of the named fd.
type MqDescriptor struct {
	Grantors []GrantorDescriptor
	Fds      []int
	Quantum  uint32
	Flags    uint32
}

// Descriptor builds the wire-serializable MqDescriptor for f, to be
// appended into a parcel (see AppendFmqDescriptor) and handed to a peer.
func (f *Fmq) Descriptor() MqDescriptor {
	grantors := []GrantorDescriptor{
		GrantorReadPtr:  {FdIndex: 0, Offset: uint32(f.readPtrOff), Extent: 8},
		GrantorWritePtr: {FdIndex: 0, Offset: uint32(f.writePtrOff), Extent: 8},
		GrantorRing:     {FdIndex: 0, Offset: uint32(f.ringOff), Extent: uint64(f.size)},
	}
	if f.eventPtr != nil {
		grantors = append(grantors, GrantorDescriptor{FdIndex: 0, Offset: uint32(f.eventOff), Extent: 4})
	}
	return MqDescriptor{
		Grantors: grantors,
		Fds:      []int{f.memFd},
		Quantum:  uint32(f.itemSize),
		Flags:    uint32(f.flags),
	}
}

// NewFmqFromDescriptor reconstructs a peer's view of an Fmq by mmapping
// each grantor's region of desc.Fds[0] independently, the receiving side
// of Descriptor. numItems is supplied separately since the wire
// descriptor only carries the ring's total byte extent, not the
// element count the original NewFmq call used.
func NewFmqFromDescriptor(desc MqDescriptor, numItems int) (*Fmq, error) {
	if len(desc.Grantors) < GrantorRing+1 || len(desc.Fds) == 0 {
		return nil, NewError("FMQ_FROM_DESC", ErrCodeMalformedParcel, "descriptor missing required grantors or fd")
	}
	fd := desc.Fds[0]

	mapRegion := func(g GrantorDescriptor) ([]byte, error) {
		mem, err := unix.Mmap(fd, int64(g.Offset), int(g.Extent), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, NewErrorWithErrno("FMQ_MMAP", ErrCodeMmapFailed, err.(unix.Errno))
		}
		return mem, nil
	}

	readMem, err := mapRegion(desc.Grantors[GrantorReadPtr])
	if err != nil {
		return nil, err
	}
	writeMem, err := mapRegion(desc.Grantors[GrantorWritePtr])
	if err != nil {
		_ = unix.Munmap(readMem)
		return nil, err
	}
	ringMem, err := mapRegion(desc.Grantors[GrantorRing])
	if err != nil {
		_ = unix.Munmap(readMem)
		_ = unix.Munmap(writeMem)
		return nil, err
	}

	f := &Fmq{
		itemSize:  int(desc.Quantum),
		numItems:  numItems,
		flags:     FmqType(desc.Flags),
		memFd:     fd,
		size:      int(desc.Grantors[GrantorRing].Extent),
		extraMaps: [][]byte{readMem, writeMem, ringMem},
		ring:      ringMem,
		readPtr:   (*uint64)(unsafe.Pointer(&readMem[0])),
		writePtr:  (*uint64)(unsafe.Pointer(&writeMem[0])),
	}
	if len(desc.Grantors) > GrantorEventFlag {
		eventMem, err := mapRegion(desc.Grantors[GrantorEventFlag])
		if err != nil {
			_ = unix.Munmap(readMem)
			_ = unix.Munmap(writeMem)
			_ = unix.Munmap(ringMem)
			return nil, err
		}
		f.eventPtr = (*uint32)(unsafe.Pointer(&eventMem[0]))
		f.extraMaps = append(f.extraMaps, eventMem)
	}
	return f, nil
}

func (f *Fmq) availableToReadBytes() uint64 {
	readPtr := atomic.LoadUint64(f.readPtr)
	writePtr := atomic.LoadUint64(f.writePtr)
	return writePtr - readPtr
}

func (f *Fmq) availableToWriteBytes() uint64 {
	return uint64(f.size) - f.availableToReadBytes()
}

// AvailableToRead returns how many whole items can currently be read.
func (f *Fmq) AvailableToRead() int {
	return int(f.availableToReadBytes()) / f.itemSize
}

// AvailableToWrite returns how many whole items can currently be written.
func (f *Fmq) AvailableToWrite() int {
	return int(f.availableToWriteBytes()) / f.itemSize
}

// Read copies items whole elements out of the queue into data (which must
// be items*itemSize bytes), returning false if fewer than items elements
// are available.
func (f *Fmq) Read(data []byte, items int) bool {
	if items <= 0 || len(data) < items*f.itemSize {
		return false
	}
	readPtr := atomic.LoadUint64(f.readPtr)
	writePtr := atomic.LoadUint64(f.writePtr)

	if writePtr-readPtr > uint64(f.size) {
		// Writer overflowed this reader; snap forward and report nothing
		// available this round, matching gbinder_fmq_begin_read.
		atomic.StoreUint64(f.readPtr, writePtr)
		return false
	}
	needed := uint64(items * f.itemSize)
	if writePtr-readPtr < needed {
		return false
	}

	size := uint64(f.size)
	start := readPtr % size
	if start+needed <= size {
		copy(data[:needed], f.ring[start:start+needed])
	} else {
		first := size - start
		copy(data[:first], f.ring[start:])
		copy(data[first:needed], f.ring[:needed-first])
	}

	atomic.StoreUint64(f.readPtr, readPtr+needed)
	return true
}

// Write copies items whole elements from data into the queue.
func (f *Fmq) Write(data []byte, items int) bool {
	if items <= 0 || len(data) < items*f.itemSize {
		return false
	}
	if f.flags == FmqSyncReadWrite && f.AvailableToWrite() < items {
		return false
	}
	needed := uint64(items * f.itemSize)
	if needed > uint64(f.size) {
		return false
	}

	writePtr := atomic.LoadUint64(f.writePtr)
	size := uint64(f.size)
	start := writePtr % size
	if start+needed <= size {
		copy(f.ring[start:start+needed], data[:needed])
	} else {
		first := size - start
		copy(f.ring[start:], data[:first])
		copy(f.ring[:needed-first], data[first:needed])
	}

	atomic.StoreUint64(f.writePtr, writePtr+needed)
	return true
}

// WaitTimeout blocks on the event flag until any bit in mask is set or
// timeout elapses (timeout < 0 blocks indefinitely), clearing the bits it
// observed and returning them.
func (f *Fmq) WaitTimeout(mask uint32, timeout time.Duration) (uint32, error) {
	if f.eventPtr == nil {
		return 0, NewError("FMQ_WAIT", ErrCodeDriverVersionMismatch, "event flag not configured")
	}
	if mask == 0 {
		return 0, NewError("FMQ_WAIT", ErrCodeMalformedParcel, "zero bit mask")
	}

	old := atomicFetchAndU32(f.eventPtr, ^mask)
	if set := old & mask; set != 0 {
		return set, nil
	}
	if timeout == 0 {
		return 0, NewError("FMQ_WAIT", ErrCodeTxTimeout, "wait timed out")
	}

	var ts *unix.Timespec
	if timeout > 0 {
		// FUTEX_WAIT_BITSET takes an absolute deadline on CLOCK_MONOTONIC.
		var now unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
			return 0, WrapError("FMQ_WAIT", err)
		}
		deadline := unix.NsecToTimespec(now.Nano() + int64(timeout))
		ts = &deadline
	}

	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(f.eventPtr)),
		uintptr(futexWaitBitset), uintptr(old), uintptr(unsafe.Pointer(ts)), 0, uintptr(mask))
	if errno != 0 && errno != unix.ETIMEDOUT {
		return 0, NewErrorWithErrno("FMQ_WAIT", ErrCodeTxTimeout, errno)
	}

	old = atomicFetchAndU32(f.eventPtr, ^mask)
	state := old & mask
	if state == 0 {
		return 0, NewError("FMQ_WAIT", ErrCodeTxTimeout, "wait timed out")
	}
	return state, nil
}

// Wake sets the given bits in the event flag and wakes any waiters.
func (f *Fmq) Wake(mask uint32) error {
	if f.eventPtr == nil {
		return NewError("FMQ_WAKE", ErrCodeDriverVersionMismatch, "event flag not configured")
	}
	if mask == 0 {
		return nil
	}
	old := atomicFetchOrU32(f.eventPtr, mask)
	if ^old&mask == 0 {
		return nil
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(f.eventPtr)),
		uintptr(futexWakeBitset), uintptr(0x7fffffff), 0, 0, uintptr(mask)) // INT_MAX: wake every waiter
	if errno != 0 {
		return NewErrorWithErrno("FMQ_WAKE", ErrCodeIOError, errno)
	}
	return nil
}

func atomicFetchAndU32(addr *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return old
		}
	}
}

func atomicFetchOrU32(addr *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|mask) {
			return old
		}
	}
}

const grantorDescriptorWireSize = 24

// AppendFmqDescriptor appends desc onto w as a HIDL vec<GrantorDescriptor>
// (each grantor flattened to its 24-byte wire layout via AppendHidlVec),
// an fd count followed by one BINDER_TYPE_FD object per desc.Fds entry,
// and a quantum/flags trailer — letting a LocalRequest/LocalReply carry
// an Fmq for a peer to reconstruct with ReadFmqDescriptor.
func AppendFmqDescriptor(w *parcel.WriterCore, desc MqDescriptor) {
	raw := make([]byte, len(desc.Grantors)*grantorDescriptorWireSize)
	for i, g := range desc.Grantors {
		off := i * grantorDescriptorWireSize
		binary.LittleEndian.PutUint32(raw[off:], g.Flags)
		binary.LittleEndian.PutUint32(raw[off+4:], g.FdIndex)
		binary.LittleEndian.PutUint32(raw[off+8:], g.Offset)
		binary.LittleEndian.PutUint64(raw[off+16:], g.Extent)
	}
	w.AppendHidlVec(raw, len(desc.Grantors), grantorDescriptorWireSize)

	w.AppendInt32(int32(len(desc.Fds)))
	for _, fd := range desc.Fds {
		w.AppendFd(fd)
	}
	w.AppendUint32(desc.Quantum)
	w.AppendUint32(desc.Flags)
}

// ReadFmqDescriptor is AppendFmqDescriptor's inverse, resolving the
// GrantorDescriptor vec's nested buffer object through resolve.
func ReadFmqDescriptor(r *parcel.ReaderCore, resolve parcel.Resolver) (MqDescriptor, error) {
	raw, count, err := r.ReadHidlVec(grantorDescriptorWireSize, resolve)
	if err != nil {
		return MqDescriptor{}, err
	}
	grantors := make([]GrantorDescriptor, count)
	for i := range grantors {
		off := i * grantorDescriptorWireSize
		grantors[i] = GrantorDescriptor{
			Flags:   binary.LittleEndian.Uint32(raw[off:]),
			FdIndex: binary.LittleEndian.Uint32(raw[off+4:]),
			Offset:  binary.LittleEndian.Uint32(raw[off+8:]),
			Extent:  binary.LittleEndian.Uint64(raw[off+16:]),
		}
	}

	numFds, err := r.ReadInt32()
	if err != nil {
		return MqDescriptor{}, err
	}
	fds := make([]int, numFds)
	for i := range fds {
		fd, err := r.ReadFd()
		if err != nil {
			return MqDescriptor{}, err
		}
		fds[i] = fd
	}

	quantum, err := r.ReadUint32()
	if err != nil {
		return MqDescriptor{}, err
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return MqDescriptor{}, err
	}
	return MqDescriptor{Grantors: grantors, Fds: fds, Quantum: quantum, Flags: flags}, nil
}
