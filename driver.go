package binder

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/logging"
	"github.com/ehrlich-b/go-binder/internal/parcel"
	"golang.org/x/sys/unix"
)

// openRetries bounds how many times Open retries a transient device-open
// failure (the device node can appear momentarily busy right after a
// context manager restarts) before giving up.
const openRetries = 5

// binderVMSize mirrors BINDER_VM_SIZE in ProcessState.cpp: one megabyte
// minus two pages, the receive region every binder client mmaps.
var binderVMSize = (1024*1024 - 2*unix.Getpagesize())

// readChunkSize is how much of a round trip's read half we ask the kernel
// to fill per BINDER_WRITE_READ call. The kernel happily fills more than
// one BR_* packet into a single call; we only need a buffer big enough to
// make forward progress each round, not one sized to the largest possible
// transaction, since the read loop keeps calling until no BR_* packets
// remain for the command at hand.
const readChunkSize = 4096

// Handler receives the return-side events a Driver decodes out of
// BINDER_WRITE_READ while draining either a synchronous Transact round
// trip or a Looper's dedicated read loop.
type Handler interface {
	HandleTransaction(req *RemoteRequest)
	HandleDeadBinder(cookie uint64)
	HandleSpawnLooper()
	HandleIncrefs(ptr uintptr, cookie uint64)
	HandleAcquire(ptr uintptr, cookie uint64)
	HandleRelease(ptr uintptr, cookie uint64)
	HandleDecrefs(ptr uintptr, cookie uint64)
}

// Transport is the subset of Driver that Ipc and Looper actually depend
// on. It exists so a test double can stand in for a real opened device —
// LoopbackDriver implements it by routing transactions directly between
// two in-process peers instead of issuing BINDER_WRITE_READ.
type Transport interface {
	Transact(req *LocalRequest, handler Handler) (*RemoteReply, error)
	SendReply(req *RemoteRequest, reply *LocalReply) error
	EnterLooper() error
	ExitLooper() error
	Poll(handler Handler) error
	FD() int
	SetMaxThreads(n int) error
	SetContextManager() error
	IncrefsDone(ptr uintptr, cookie uint64) error
	AcquireDone(ptr uintptr, cookie uint64) error
	Close() error
}

var _ Transport = (*Driver)(nil)

// Driver owns the open binder device fd and its mmap'd receive region,
// and is the only thing in this library that issues BINDER_WRITE_READ.
// Every BC_* command is funneled through writeCmd under writeMu so
// concurrent callers (the tx worker pool, the looper pool) never
// interleave half a command onto the wire.
type Driver struct {
	path   string
	fd     int
	io     iobind.Io
	logger *logging.Logger

	mmapAddr uintptr
	mmapBuf  []byte

	writeMu sync.Mutex
}

// Open opens path (typically /dev/binder, /dev/hwbinder, or /dev/vndbinder),
// negotiates the wire width via BINDER_VERSION, and mmaps the receive
// region the kernel uses to deliver transaction payloads.
func Open(path string, logger *logging.Logger) (*Driver, error) {
	if logger == nil {
		logger = logging.Default()
	}
	fd, err := openWithRetry(path)
	if err != nil {
		return nil, err
	}

	io, version, err := iobind.Detect(fd)
	if err != nil {
		unix.Close(fd)
		return nil, WrapError("BINDER_VERSION", err)
	}
	if version != iobind.BinderCurrentProtocolVersion {
		unix.Close(fd)
		return nil, NewError("BINDER_VERSION", ErrCodeDriverVersionMismatch,
			fmt.Sprintf("kernel protocol version %d, expected %d", version, iobind.BinderCurrentProtocolVersion))
	}

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(binderVMSize),
		unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_NORESERVE, uintptr(fd), 0)
	if errno != 0 {
		unix.Close(fd)
		return nil, NewErrorWithErrno("MMAP", ErrCodeMmapFailed, errno)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), binderVMSize)
	logger.Debug("opened binder device", "path", path, "width", io.Width(), "version", version)

	return &Driver{
		path:     path,
		fd:       fd,
		io:       io,
		logger:   logger,
		mmapAddr: addr,
		mmapBuf:  buf,
	}, nil
}

// openWithRetry retries a transient EBUSY/EAGAIN on the device node with
// exponential backoff, capped at openRetries attempts. A missing device
// node (ENOENT) fails immediately since no amount of retrying opens it.
func openWithRetry(path string) (int, error) {
	var lastErr error
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         500 * time.Millisecond,
	})
	defer ticker.Stop()

	for attempt := 0; attempt < openRetries; attempt++ {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, nil
		}
		errno, ok := err.(unix.Errno)
		if !ok || (errno != unix.EBUSY && errno != unix.EAGAIN) {
			return 0, NewErrorWithErrno("OPEN", ErrCodeDriverNotFound, errno)
		}
		lastErr = NewErrorWithErrno("OPEN", ErrCodeDriverNotFound, errno)
		if attempt == openRetries-1 {
			break
		}
		<-ticker.C
	}
	return 0, lastErr
}

// Close unmaps the receive region and closes the device fd.
func (d *Driver) Close() error {
	if d.mmapAddr != 0 {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, d.mmapAddr, uintptr(binderVMSize), 0)
		d.mmapAddr = 0
	}
	return unix.Close(d.fd)
}

// Io returns the pointer-width codec this Driver negotiated.
func (d *Driver) Io() iobind.Io { return d.io }

// FD returns the underlying device fd, for a Looper's poll loop.
func (d *Driver) FD() int { return d.fd }

// sliceAt resolves a raw mmap address the kernel handed back (DataPtr,
// OffsetsPtr, a buffer object's Data field) into a Go byte slice backed by
// the same memory, valid until the corresponding BC_FREE_BUFFER.
func (d *Driver) sliceAt(addr uint64, size uint64) []byte {
	if addr == 0 || size == 0 {
		return nil
	}
	off := uintptr(addr) - d.mmapAddr
	return d.mmapBuf[off : off+uintptr(size)]
}

func (d *Driver) writeCmd(buf []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	consumed := 0
	for consumed < len(buf) {
		if err := d.io.WriteRead(d.fd, buf, &consumed, nil, nil); err != nil {
			return WrapError("WRITE_READ", err)
		}
	}
	return nil
}

// FreeBuffer issues BC_FREE_BUFFER for a previously received transaction
// buffer. Implements the bufferFreer interface Buffer.Release depends on.
func (d *Driver) FreeBuffer(dataPtr uint64) error {
	buf := make([]byte, 4+d.io.Width())
	putCmd(buf, d.io.Commands().FreeBuffer)
	writePtr(buf[4:], d.io.Width(), dataPtr)
	return d.writeCmd(buf)
}

// Acquire/Release/Increfs/Decrefs issue the four kernel-strong/weak
// reference commands against a remote handle.
func (d *Driver) Acquire(handle uint32) error { return d.cmdInt32(d.io.Commands().Acquire, handle) }
func (d *Driver) Release(handle uint32) error { return d.cmdInt32(d.io.Commands().Release, handle) }
func (d *Driver) Increfs(handle uint32) error { return d.cmdInt32(d.io.Commands().Increfs, handle) }
func (d *Driver) Decrefs(handle uint32) error { return d.cmdInt32(d.io.Commands().Decrefs, handle) }

func (d *Driver) cmdInt32(cmd uint32, param uint32) error {
	buf := make([]byte, 8)
	putCmd(buf, cmd)
	putUint32At(buf[4:], param)
	return d.writeCmd(buf)
}

// IncrefsDone/AcquireDone acknowledge BR_INCREFS/BR_ACQUIRE for a local
// object identified by its pointer and cookie.
func (d *Driver) IncrefsDone(ptr uintptr, cookie uint64) error {
	return d.cmdPtrCookie(d.io.Commands().IncrefsDone, ptr, cookie)
}

func (d *Driver) AcquireDone(ptr uintptr, cookie uint64) error {
	return d.cmdPtrCookie(d.io.Commands().AcquireDone, ptr, cookie)
}

func (d *Driver) cmdPtrCookie(cmd uint32, ptr uintptr, cookie uint64) error {
	buf := make([]byte, 4+iobind.MaxPtrCookieSize)
	putCmd(buf, cmd)
	n := d.io.EncodePtrCookie(buf[4:], ptr, cookie)
	return d.writeCmd(buf[:4+n])
}

// RequestDeathNotification/ClearDeathNotification arm/disarm
// BR_DEAD_BINDER delivery for a remote handle.
func (d *Driver) RequestDeathNotification(handle uint32, cookie uint64) error {
	return d.cmdHandleCookie(d.io.Commands().RequestDeathNotification, handle, cookie)
}

func (d *Driver) ClearDeathNotification(handle uint32, cookie uint64) error {
	return d.cmdHandleCookie(d.io.Commands().ClearDeathNotification, handle, cookie)
}

func (d *Driver) cmdHandleCookie(cmd uint32, handle uint32, cookie uint64) error {
	buf := make([]byte, 4+iobind.MaxHandleCookieSize)
	putCmd(buf, cmd)
	n := d.io.EncodeHandleCookie(buf[4:], handle, cookie)
	return d.writeCmd(buf[:4+n])
}

// EnterLooper/ExitLooper/RegisterLooper are the three bare commands a
// Looper issues around its read loop.
func (d *Driver) EnterLooper() error    { return d.bareCmd(d.io.Commands().EnterLooper) }
func (d *Driver) ExitLooper() error     { return d.bareCmd(d.io.Commands().ExitLooper) }
func (d *Driver) RegisterLooper() error { return d.bareCmd(d.io.Commands().RegisterLooper) }

func (d *Driver) bareCmd(cmd uint32) error {
	buf := make([]byte, 4)
	putCmd(buf, cmd)
	return d.writeCmd(buf)
}

// SetMaxThreads issues BINDER_SET_MAX_THREADS, telling the kernel the
// ceiling on how many looper threads this process will ever register.
func (d *Driver) SetMaxThreads(n int) error {
	v := uint32(n)
	return WrapError("BINDER_SET_MAX_THREADS", iobind.RawIoctl(d.fd, iobind.BinderSetMaxThreadsIoctl(), uintptr(unsafe.Pointer(&v))))
}

// SetContextManager issues BINDER_SET_CONTEXT_MGR, registering this
// process as the binder context manager (the servicemanager's role).
func (d *Driver) SetContextManager() error {
	var flag int32
	return WrapError("BINDER_SET_CONTEXT_MGR", iobind.RawIoctl(d.fd, iobind.BinderSetContextMgrIoctl(), uintptr(unsafe.Pointer(&flag))))
}

func putCmd(buf []byte, cmd uint32) { putUint32At(buf, cmd) }

func putUint32At(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func writePtr(buf []byte, width int, v uint64) {
	if width == 4 {
		putUint32At(buf, uint32(v))
		return
	}
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// Transact performs a full synchronous round trip for req: it encodes
// BC_TRANSACTION[_SG], drains BR_* packets until it sees the matching
// BR_TRANSACTION_COMPLETE, and — unless req is one-way — keeps draining
// until BR_REPLY/BR_DEAD_REPLY/BR_FAILED_REPLY. Any BR_TRANSACTION or
// BR_*REFS*/BR_DEAD_BINDER packets seen along the way (the kernel is free
// to interleave an inbound call into the same read) are handed to
// handler, exactly as a Looper's own read loop would.
func (d *Driver) Transact(req *LocalRequest, handler Handler) (*RemoteReply, error) {
	oneway := req.Flags&iobind.TfOneWay != 0
	cmd := d.buildTransactionCmd(req)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	writeConsumed := 0
	readBuf := make([]byte, readChunkSize)
	sawComplete := false

	for {
		readConsumed := 0
		var write []byte
		if writeConsumed < len(cmd) {
			write = cmd
		}
		if err := d.io.WriteRead(d.fd, write, &writeConsumed, readBuf, &readConsumed); err != nil {
			return nil, WrapError("WRITE_READ", err)
		}

		reply, complete, err := d.dispatchReturns(readBuf[:readConsumed], handler)
		if err != nil {
			return nil, err
		}
		if complete {
			sawComplete = true
		}
		if reply != nil {
			return reply, nil
		}
		if oneway && sawComplete {
			return nil, nil
		}
	}
}

func (d *Driver) buildTransactionCmd(req *LocalRequest) []byte {
	payload := req.Bytes()
	offsets := req.Offsets()
	offsetsBuf := make([]byte, len(offsets)*d.io.Width())
	for i, off := range offsets {
		writePtr(offsetsBuf[i*d.io.Width():], d.io.Width(), off)
	}

	oneway := req.Flags&iobind.TfOneWay != 0
	if req.BuffersSize() > 0 {
		buf := make([]byte, 4+iobind.MaxBcTransactionSGSize)
		n := d.io.EncodeTransactionSG(buf[4:], req.Handle, req.Code, payload, oneway, offsets, offsetsBuf, req.BuffersSize())
		putCmd(buf, d.io.Commands().TransactionSG)
		return buf[:4+n]
	}
	buf := make([]byte, 4+iobind.MaxBcTransactionSize)
	n := d.io.EncodeTransaction(buf[4:], req.Handle, req.Code, payload, oneway, offsets, offsetsBuf)
	putCmd(buf, d.io.Commands().Transaction)
	return buf[:4+n]
}

// SendReply issues BC_REPLY[_SG] for a LocalReply computed by a
// TransactionHandler. req identifies the RemoteRequest being answered;
// the real kernel tracks that association implicitly per calling thread,
// so Driver ignores it, but a Transport double (e.g. LoopbackDriver)
// needs it to route the reply back to the right caller.
func (d *Driver) SendReply(req *RemoteRequest, reply *LocalReply) error {
	if reply == nil || reply.IsStatus() {
		status := int32(0)
		if reply != nil {
			status = normalizeStatus(reply.Status)
		}
		buf := make([]byte, 4+iobind.MaxBcReplySize)
		n := d.io.EncodeStatusReply(buf[4:], status)
		putCmd(buf, d.io.Commands().Reply)
		return d.writeCmd(buf[:4+n])
	}

	payload := reply.Bytes()
	offsets := reply.Offsets()
	offsetsBuf := make([]byte, len(offsets)*d.io.Width())
	for i, off := range offsets {
		writePtr(offsetsBuf[i*d.io.Width():], d.io.Width(), off)
	}

	if reply.BuffersSize() > 0 {
		buf := make([]byte, 4+iobind.MaxBcReplySGSize)
		n := d.io.EncodeReplySG(buf[4:], 0, 0, payload, offsets, offsetsBuf, reply.BuffersSize())
		putCmd(buf, d.io.Commands().ReplySG)
		return d.writeCmd(buf[:4+n])
	}
	buf := make([]byte, 4+iobind.MaxBcReplySize)
	n := d.io.EncodeReply(buf[4:], 0, 0, payload, offsets, offsetsBuf)
	putCmd(buf, d.io.Commands().Reply)
	return d.writeCmd(buf[:4+n])
}

// normalizeStatus remaps the status codes that would otherwise collide
// with the driver's own delivery-failure signaling (-EAGAIN, FAILED,
// DEAD_OBJECT) to -EFAULT.
func normalizeStatus(status int32) int32 {
	switch status {
	case -11 /* EAGAIN */, -1 /* generic FAILED */, -32 /* roughly DEAD_OBJECT */ :
		return -14 // EFAULT
	default:
		return status
	}
}

// Poll issues one BINDER_WRITE_READ with no write half, the shape a
// Looper's dedicated read loop uses, and dispatches whatever BR_* packets
// come back to handler.
func (d *Driver) Poll(handler Handler) error {
	readBuf := make([]byte, readChunkSize)
	readConsumed := 0
	if err := d.io.WriteRead(d.fd, nil, nil, readBuf, &readConsumed); err != nil {
		return WrapError("WRITE_READ", err)
	}
	_, _, err := d.dispatchReturns(readBuf[:readConsumed], handler)
	return err
}

// dispatchReturns walks every complete BR_* packet in buf, invoking
// handler for the ones that represent inbound events. If a BR_REPLY (or
// BR_DEAD_REPLY/BR_FAILED_REPLY) for the transaction this call initiated
// is found, it is returned directly rather than handed to handler.
func (d *Driver) dispatchReturns(buf []byte, handler Handler) (*RemoteReply, bool, error) {
	returns := d.io.Returns()
	pos := 0
	sawComplete := false

	for pos+4 <= len(buf) {
		code := getUint32At(buf[pos:])
		pos += 4

		switch code {
		case returns.Noop, returns.Ok:
			// no payload

		case returns.TransactionComplete:
			sawComplete = true

		case returns.SpawnLooper:
			if handler != nil {
				handler.HandleSpawnLooper()
			}

		case returns.Transaction:
			tx, n, err := d.decodeTx(buf[pos:])
			if err != nil {
				return nil, sawComplete, err
			}
			pos += n
			if handler != nil {
				handler.HandleTransaction(d.remoteRequestFromTx(tx))
			}

		case returns.Reply, returns.DeadReply, returns.FailedReply:
			tx, n, err := d.decodeTx(buf[pos:])
			if err != nil {
				return nil, sawComplete, err
			}
			pos += n
			return d.remoteReplyFromTx(code, returns, tx), sawComplete, nil

		case returns.Increfs, returns.Acquire, returns.Release, returns.Decrefs:
			ptr, cookie, n := d.decodePtrCookie(buf[pos:])
			pos += n
			d.dispatchRefcount(code, returns, handler, ptr, cookie)

		case returns.DeadBinder:
			cookie, n := d.decodeCookie(buf[pos:])
			pos += n
			if handler != nil {
				handler.HandleDeadBinder(cookie)
			}

		case returns.AcquireResult:
			pos += 4

		case returns.ClearDeathNotificationDone:
			pos += d.io.Width()

		case returns.Error:
			pos += 4

		case returns.Finished:
			// looper exit acknowledged, nothing to decode

		default:
			// Per the dispatch table's "other" row: warn and ignore rather
			// than abort, since a BR_TRANSACTION/BR_REPLY may still follow
			// this code later in the same read buffer.
			d.logger.Warn("ignoring unrecognized BR_* code", "code", fmt.Sprintf("0x%x", code))
		}
	}
	return nil, sawComplete, nil
}

func (d *Driver) dispatchRefcount(code uint32, returns iobind.ReturnCodes, handler Handler, ptr uintptr, cookie uint64) {
	if handler == nil {
		return
	}
	switch code {
	case returns.Increfs:
		handler.HandleIncrefs(ptr, cookie)
	case returns.Acquire:
		handler.HandleAcquire(ptr, cookie)
	case returns.Release:
		handler.HandleRelease(ptr, cookie)
	case returns.Decrefs:
		handler.HandleDecrefs(ptr, cookie)
	}
}

func (d *Driver) decodeTx(buf []byte) (iobind.TxData, int, error) {
	n := txDataSize(d.io.Width())
	if len(buf) < n {
		return iobind.TxData{}, 0, NewError("DECODE", ErrCodeShortRead, "truncated binder_transaction_data")
	}
	return d.io.DecodeTransactionData(buf[:n]), n, nil
}

func txDataSize(width int) int {
	if width == 4 {
		return 40
	}
	return 64
}

func (d *Driver) decodePtrCookie(buf []byte) (uintptr, uint64, int) {
	w := d.io.Width()
	n := 2 * w
	if len(buf) < n {
		return 0, 0, len(buf)
	}
	return d.io.DecodePtrCookie(buf[:w]), d.io.DecodeCookie(buf[w:n]), n
}

func (d *Driver) decodeCookie(buf []byte) (uint64, int) {
	n := d.io.Width()
	if len(buf) < n {
		return 0, len(buf)
	}
	return d.io.DecodeCookie(buf[:n]), n
}

func getUint32At(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func (d *Driver) remoteRequestFromTx(tx iobind.TxData) *RemoteRequest {
	data := d.sliceAt(tx.DataPtr, tx.DataSize)
	offsets := d.decodeOffsets(tx.OffsetsPtr, tx.OffsetsSize)
	reader := parcel.NewReaderCore(d.io, data, offsets)
	fds := d.extractFds(offsets, data)
	buf := NewBuffer(d, tx.DataPtr, reader, fds, d.sliceAt)
	return &RemoteRequest{
		Buffer:     buf,
		SenderPID:  tx.Pid,
		SenderEUID: tx.Euid,
		Code:       tx.Code,
		Flags:      tx.Flags,
		TargetPtr:  uintptr(tx.Target),
	}
}

func (d *Driver) remoteReplyFromTx(code uint32, returns iobind.ReturnCodes, tx iobind.TxData) *RemoteReply {
	if code == returns.DeadReply || code == returns.FailedReply {
		status := int32(-32)
		if code == returns.FailedReply {
			status = -1
		}
		return &RemoteReply{Status: status}
	}
	if tx.Flags&iobind.TfStatusCode != 0 {
		return &RemoteReply{Status: tx.Status}
	}
	data := d.sliceAt(tx.DataPtr, tx.DataSize)
	offsets := d.decodeOffsets(tx.OffsetsPtr, tx.OffsetsSize)
	reader := parcel.NewReaderCore(d.io, data, offsets)
	fds := d.extractFds(offsets, data)
	return &RemoteReply{Buffer: NewBuffer(d, tx.DataPtr, reader, fds, d.sliceAt)}
}

func (d *Driver) decodeOffsets(ptr uint64, size uint64) []uint64 {
	if ptr == 0 || size == 0 {
		return nil
	}
	raw := d.sliceAt(ptr, size)
	width := d.io.Width()
	out := make([]uint64, len(raw)/width)
	for i := range out {
		if width == 4 {
			out[i] = uint64(getUint32At(raw[i*4:]))
		} else {
			out[i] = getUint64At(raw[i*8:])
		}
	}
	return out
}

func getUint64At(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

// extractFds scans the object table for BINDER_TYPE_FD objects and
// returns the fds the kernel already installed into this process for
// them, so Buffer.Release can close whichever ones the reader never
// claimed via ReadFd.
func (d *Driver) extractFds(offsets []uint64, data []byte) []int {
	var fds []int
	for _, off := range offsets {
		if off+4 > uint64(len(data)) {
			continue
		}
		if getUint32At(data[off:]) != iobind.BinderTypeFd {
			continue
		}
		end := off + uint64(d.io.ObjectSize(iobind.BinderTypeFd))
		if end > uint64(len(data)) {
			continue
		}
		if fd, ok := d.io.DecodeFdObject(data[off:end]); ok {
			fds = append(fds, fd)
		}
	}
	return fds
}

var _ bufferFreer = (*Driver)(nil)
