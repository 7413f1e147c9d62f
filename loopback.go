package binder

import (
	"os"
	"sync"
	"unsafe"

	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/logging"
	"github.com/ehrlich-b/go-binder/internal/parcel"
	"golang.org/x/sys/unix"
)

// resolveLocalPointer reinterprets addr as a pointer into this process's
// own memory — valid because a loopback pair never leaves one address
// space, unlike a real Driver's kernel-mapped receive region. Used as the
// Resolver for HIDL buffer objects whose Data field was written by
// WriterCore.AppendHidlString/AppendHidlVec/AppendHidlStringVec as the
// raw address of a Go byte slice still referenced (and thus still alive)
// by the sender's own WriterCore.Cleanup list.
func resolveLocalPointer(addr, size uint64) []byte {
	if addr == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(size))
}

// LoopbackDriver is a Transport double standing in for a real opened
// binder device: two instances wired by NewLoopbackIpcPair hand
// LocalRequest/LocalReply traffic directly to each other in-process, with
// no ioctl or mmap involved. Follows the same stub-mode construction
// pattern as NewStubRunner/stubLoop in internal/queue/runner.go — a
// distinct type selected at construction time rather than a branch
// inside the real one, so the rest of the library can be exercised
// without the real kernel resource. Unlike that stub (which just blocks
// until cancelled), this one does genuine two-sided message routing,
// since binder's end-to-end scenarios need real replies.
type LoopbackDriver struct {
	io     iobind.Io
	logger *logging.Logger
	peer   *LoopbackDriver

	notifyR *os.File
	notifyW *os.File

	mu      sync.Mutex
	events  []*RemoteRequest
	pending map[*RemoteRequest]chan *RemoteReply
}

// NewLoopbackIpcPair builds two Ipc instances wired directly to each
// other instead of to a real device, for exercising PublishLocal/Looper/
// TransactSyncReply end to end in tests.
func NewLoopbackIpcPair(clientOpts, serverOpts *Options) (client *Ipc, server *Ipc, err error) {
	a, b, err := newLoopbackPair(logging.Default())
	if err != nil {
		return nil, nil, err
	}

	clientResolved := clientOpts.withDefaults()
	serverResolved := serverOpts.withDefaults()

	client, err = newIpcWithTransport("loopback:client", a, clientResolved)
	if err != nil {
		return nil, nil, err
	}
	server, err = newIpcWithTransport("loopback:server", b, serverResolved)
	if err != nil {
		client.Shutdown(clientResolved.Context)
		return nil, nil, err
	}
	return client, server, nil
}

func newLoopbackPair(logger *logging.Logger) (*LoopbackDriver, *LoopbackDriver, error) {
	a, err := newLoopbackDriver(logger)
	if err != nil {
		return nil, nil, err
	}
	b, err := newLoopbackDriver(logger)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	a.peer, b.peer = b, a
	return a, b, nil
}

func newLoopbackDriver(logger *logging.Logger) (*LoopbackDriver, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, WrapError("LOOPBACK_PIPE", err)
	}
	return &LoopbackDriver{
		io:      iobind.Io64,
		logger:  logger,
		notifyR: r,
		notifyW: w,
		pending: make(map[*RemoteRequest]chan *RemoteReply),
	}, nil
}

func (d *LoopbackDriver) FD() int { return int(d.notifyR.Fd()) }

func (d *LoopbackDriver) wake() { d.notifyW.Write([]byte{0}) }

// Transact builds a RemoteRequest directly out of req's already-encoded
// payload (no wire round trip needed between two peers in one process)
// and hands it to the peer's event queue. A two-way call blocks on a
// dedicated reply channel until the peer's SendReply delivers a result;
// a oneway call returns as soon as the peer has been notified.
func (d *LoopbackDriver) Transact(req *LocalRequest, handler Handler) (*RemoteReply, error) {
	peer := d.peer
	if peer == nil {
		return nil, NewError("LOOPBACK_TRANSACT", ErrCodeIOError, "driver has no wired peer")
	}
	oneway := req.Flags&iobind.TfOneWay != 0

	data := append([]byte(nil), req.Bytes()...)
	offsets := append([]uint64(nil), req.Offsets()...)
	fds, err := dupFdObjects(d.io, offsets, data)
	if err != nil {
		return nil, err
	}

	reader := parcel.NewReaderCore(d.io, data, offsets)
	rr := &RemoteRequest{
		Buffer:     NewBuffer(peer, 0, reader, fds, resolveLocalPointer),
		SenderPID:  int32(unix.Getpid()),
		SenderEUID: uint32(unix.Geteuid()),
		Code:       req.Code,
		Flags:      req.Flags,
		// No real kernel handle table exists for a loopback pair, so the
		// caller's handle addresses the peer's LocalObject pointer
		// directly — the two sides are expected to agree on ptr values
		// out of band, same as cmd/binder-echo's single object at ptr 0.
		TargetPtr: uintptr(req.Handle),
	}

	var replyCh chan *RemoteReply
	if !oneway {
		replyCh = make(chan *RemoteReply, 1)
		peer.mu.Lock()
		peer.pending[rr] = replyCh
		peer.mu.Unlock()
	}

	peer.mu.Lock()
	peer.events = append(peer.events, rr)
	peer.mu.Unlock()
	peer.wake()

	if oneway {
		return nil, nil
	}
	return <-replyCh, nil
}

// SendReply looks up the reply channel req's arrival registered on this
// side and delivers reply to whichever peer goroutine is blocked in
// Transact for it.
func (d *LoopbackDriver) SendReply(req *RemoteRequest, reply *LocalReply) error {
	d.mu.Lock()
	ch, ok := d.pending[req]
	if ok {
		delete(d.pending, req)
	}
	d.mu.Unlock()
	if !ok {
		return NewError("LOOPBACK_REPLY", ErrCodeIOError, "no pending request for this reply")
	}

	if reply == nil || reply.IsStatus() {
		status := int32(0)
		if reply != nil {
			status = reply.Status
		}
		ch <- &RemoteReply{Status: status}
		return nil
	}

	data := append([]byte(nil), reply.Bytes()...)
	offsets := append([]uint64(nil), reply.Offsets()...)
	fds, err := dupFdObjects(d.io, offsets, data)
	if err != nil {
		return err
	}
	reader := parcel.NewReaderCore(d.io, data, offsets)
	ch <- &RemoteReply{Buffer: NewBuffer(d.peer, 0, reader, fds, resolveLocalPointer)}
	return nil
}

// Poll drains exactly one queued event per notification byte, matching
// one Driver.Poll call draining one batch of BR_* packets.
func (d *LoopbackDriver) Poll(handler Handler) error {
	buf := make([]byte, 1)
	if _, err := d.notifyR.Read(buf); err != nil {
		return WrapError("LOOPBACK_POLL", err)
	}

	d.mu.Lock()
	if len(d.events) == 0 {
		d.mu.Unlock()
		return nil
	}
	req := d.events[0]
	d.events = d.events[1:]
	d.mu.Unlock()

	if handler != nil {
		handler.HandleTransaction(req)
	}
	return nil
}

func (d *LoopbackDriver) EnterLooper() error           { return nil }
func (d *LoopbackDriver) ExitLooper() error            { return nil }
func (d *LoopbackDriver) SetMaxThreads(n int) error    { return nil }
func (d *LoopbackDriver) SetContextManager() error     { return nil }
func (d *LoopbackDriver) IncrefsDone(uintptr, uint64) error { return nil }
func (d *LoopbackDriver) AcquireDone(uintptr, uint64) error { return nil }

// FreeBuffer is a no-op: a loopback Buffer's data is a plain Go slice
// copy, not a kernel-mapped region, so there is nothing to free.
func (d *LoopbackDriver) FreeBuffer(dataPtr uint64) error { return nil }

func (d *LoopbackDriver) Close() error {
	d.notifyR.Close()
	d.notifyW.Close()
	return nil
}

// dupFdObjects scans offsets for BINDER_TYPE_FD objects, dup()s each fd
// so the receiving side owns a distinct descriptor (the same fd-ownership
// semantics a real kernel transaction gives each side), and rewrites the
// object in place with the dup'd value.
func dupFdObjects(io iobind.Io, offsets []uint64, data []byte) ([]int, error) {
	var fds []int
	for _, off := range offsets {
		if off+4 > uint64(len(data)) {
			continue
		}
		if getUint32At(data[off:]) != iobind.BinderTypeFd {
			continue
		}
		end := off + uint64(io.ObjectSize(iobind.BinderTypeFd))
		if end > uint64(len(data)) {
			continue
		}
		srcFd, ok := io.DecodeFdObject(data[off:end])
		if !ok {
			continue
		}
		dupFd, err := unix.Dup(srcFd)
		if err != nil {
			return nil, NewErrorWithErrno("LOOPBACK_DUP", ErrCodeIOError, err.(unix.Errno))
		}
		io.EncodeFdObject(data[off:end], dupFd)
		fds = append(fds, dupFd)
	}
	return fds, nil
}

var _ Transport = (*LoopbackDriver)(nil)
