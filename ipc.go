package binder

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var _ Handler = (*Ipc)(nil)

// pendingTx tracks an in-flight asynchronous transaction posted via
// Transact, so Cancel can suppress its completion callback.
type pendingTx struct {
	id        uint64
	cancelled atomic.Bool
	onReply   func(*RemoteReply, error)
}

// Ipc is the per-device-path coordinator: it owns the Driver, the
// ObjectRegistry, a bounded pool of transaction worker goroutines, and
// the set of primary Loopers driving the blocking read loop. There is
// conceptually one Ipc per open device path, mirroring the teacher's
// per-queue Runner and gbinder_ipc's per-path singleton table, though
// this library leaves singleton caching to the caller rather than
// enforcing it here.
type Ipc struct {
	devicePath string
	driver     Transport
	registry   *ObjectRegistry
	protocol   RpcProtocol
	opts       *Options
	logger     *logging.Logger
	observer   Observer

	ctx    context.Context
	cancel context.CancelFunc

	workCh chan func()
	wg     sync.WaitGroup

	looperMu       sync.Mutex
	looperSeq      int
	primaryLoopers []*Looper
	blockedLoopers []*Looper

	nextTxID uint64
	txMu     sync.Mutex
	pending  map[uint64]*pendingTx

	shutdownOnce sync.Once
}

// NewIpc opens devicePath and builds an Ipc around it, wiring the
// registry's ensure_primary_looper hook the way gbinder_ipc's
// register_local_object does.
func NewIpc(devicePath string, opts *Options) (*Ipc, error) {
	resolved := opts.withDefaults()

	driver, err := Open(devicePath, resolved.Logger)
	if err != nil {
		return nil, err
	}

	return newIpcWithTransport(devicePath, driver, resolved)
}

// newIpcWithTransport builds an Ipc around any Transport — a real opened
// Driver (NewIpc) or a LoopbackDriver (NewLoopbackIpcPair) — so the rest
// of the coordinator never has to know which one it's driving.
func newIpcWithTransport(devicePath string, driver Transport, resolved *Options) (*Ipc, error) {
	ctx, cancel := context.WithCancel(resolved.Context)

	ipc := &Ipc{
		devicePath: devicePath,
		driver:     driver,
		registry:   NewObjectRegistry(),
		protocol:   NewAidlProtocol(),
		opts:       resolved,
		logger:     resolved.Logger,
		observer:   resolved.Observer,
		ctx:        ctx,
		cancel:     cancel,
		workCh:     make(chan func(), 64),
		pending:    make(map[uint64]*pendingTx),
	}
	ipc.registry.onFirstLocal = ipc.ensurePrimaryLooper

	if err := driver.SetMaxThreads(resolved.PrimaryLooperCeiling); err != nil {
		ipc.logger.Warn("BINDER_SET_MAX_THREADS failed", "error", err)
	}
	if resolved.ContextManager {
		if err := driver.SetContextManager(); err != nil {
			driver.Close()
			return nil, err
		}
	}

	for i := 0; i < resolved.WorkerPoolSize; i++ {
		ipc.wg.Add(1)
		go ipc.workerLoop()
	}

	return ipc, nil
}

// Registry returns the object registry backing this Ipc.
func (ipc *Ipc) Registry() *ObjectRegistry { return ipc.registry }

// Driver returns the underlying Transport, for callers that need direct
// access (diagnostics, or a loopback test double's extra inspection
// hooks).
func (ipc *Ipc) Driver() Transport { return ipc.driver }

func (ipc *Ipc) workerLoop() {
	defer ipc.wg.Done()
	for {
		select {
		case <-ipc.ctx.Done():
			return
		case task, ok := <-ipc.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// TransactSyncReply performs a blocking outbound transaction on the
// calling goroutine, using the Driver directly exactly as gbinder's
// gbinder_ipc_transact_sync_reply does.
func (ipc *Ipc) TransactSyncReply(handle uint32, code uint32, req *LocalRequest) (*RemoteReply, int32, error) {
	req.Handle = handle
	req.Code = code
	reply, err := ipc.driver.Transact(req, ipc)
	if err != nil {
		return nil, 0, err
	}
	if reply == nil {
		return nil, 0, nil
	}
	return reply, reply.Status, nil
}

// TransactSyncOneway performs a one-way blocking call: the kernel still
// round-trips a BR_TRANSACTION_COMPLETE, but no reply body is expected.
func (ipc *Ipc) TransactSyncOneway(handle uint32, code uint32, req *LocalRequest) (int32, error) {
	req.Handle = handle
	req.Code = code
	req.Oneway()
	_, status, err := ipc.TransactSyncReply(handle, code, req)
	return status, err
}

// Transact posts an asynchronous outbound transaction to the worker pool
// and returns its id immediately; onReply fires from a worker goroutine
// once the call completes. A call cancelled via Cancel skips onReply.
func (ipc *Ipc) Transact(handle uint32, code uint32, req *LocalRequest, onReply func(*RemoteReply, error)) uint64 {
	id := atomic.AddUint64(&ipc.nextTxID, 1)
	correlation := uuid.New().String()

	pt := &pendingTx{id: id, onReply: onReply}
	ipc.txMu.Lock()
	ipc.pending[id] = pt
	ipc.txMu.Unlock()

	select {
	case ipc.workCh <- func() {
		defer ipc.finishTx(id)
		log := ipc.logger.WithTx(id)
		log.Debug("transaction started", "correlation_id", correlation, "handle", handle, "code", code)
		reply, _, err := ipc.TransactSyncReply(handle, code, req)
		if pt.cancelled.Load() {
			return
		}
		if onReply != nil {
			onReply(reply, err)
		}
	}:
	case <-ipc.ctx.Done():
		ipc.finishTx(id)
	}
	return id
}

func (ipc *Ipc) finishTx(id uint64) {
	ipc.txMu.Lock()
	delete(ipc.pending, id)
	ipc.txMu.Unlock()
}

// Cancel marks a still-pending asynchronous transaction cancelled. If it
// hasn't started running yet this suppresses its onReply callback; if
// it's already running, the callback is skipped when the call completes.
func (ipc *Ipc) Cancel(id uint64) bool {
	ipc.txMu.Lock()
	pt, ok := ipc.pending[id]
	ipc.txMu.Unlock()
	if !ok {
		return false
	}
	pt.cancelled.Store(true)
	return true
}

// PublishLocal registers obj for incoming transactions, lazily spawning
// the first primary Looper via the registry's onFirstLocal hook.
func (ipc *Ipc) PublishLocal(obj *LocalObject) {
	ipc.registry.RegisterLocal(obj)
}

func (ipc *Ipc) ensurePrimaryLooper() {
	ipc.looperMu.Lock()
	defer ipc.looperMu.Unlock()
	ipc.spawnLooperLocked()
}

// spawnLooperLocked starts one more primary Looper, unless the primary
// set is already at PrimaryLooperCeiling. Callers must hold looperMu.
func (ipc *Ipc) spawnLooperLocked() {
	if len(ipc.primaryLoopers) >= ipc.opts.PrimaryLooperCeiling {
		return
	}
	ipc.looperSeq++
	looper := newLooper(ipc, ipc.looperSeq)
	ipc.primaryLoopers = append(ipc.primaryLoopers, looper)
	ipc.wg.Add(1)
	go func() {
		defer ipc.wg.Done()
		looper.run()
	}()
}

// looperBlocked migrates l from the primary set to the blocked set and,
// if there's still room under PrimaryLooperCeiling, spawns a replacement
// primary looper — the escalation spec.md §4.8 describes for a handler
// that calls Block and ties up its looper's thread until Complete.
func (ipc *Ipc) looperBlocked(l *Looper) {
	ipc.observer.ObserveLooperBlocked()
	ipc.looperMu.Lock()
	defer ipc.looperMu.Unlock()
	ipc.removeLooperLocked(&ipc.primaryLoopers, l)
	ipc.blockedLoopers = append(ipc.blockedLoopers, l)
	ipc.spawnLooperLocked()
}

// looperUnblocked migrates l back from the blocked set to the primary
// set once its BLOCKED transaction completes. If the primary set is
// already at or above the ceiling (the replacement looper spawned while
// l was blocked is still running), l is surplus capacity and is told to
// exit instead of rejoining.
func (ipc *Ipc) looperUnblocked(l *Looper) {
	ipc.looperMu.Lock()
	ipc.removeLooperLocked(&ipc.blockedLoopers, l)
	surplus := len(ipc.primaryLoopers) >= ipc.opts.PrimaryLooperCeiling
	if !surplus {
		ipc.primaryLoopers = append(ipc.primaryLoopers, l)
	}
	ipc.looperMu.Unlock()

	if surplus {
		l.exit()
	}
}

func (ipc *Ipc) removeLooperLocked(list *[]*Looper, l *Looper) {
	for i, cur := range *list {
		if cur == l {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// HandleSpawnLooper implements Handler: BR_SPAWN_LOOPER asks us to start
// one more primary looper, up to PrimaryLooperCeiling.
func (ipc *Ipc) HandleSpawnLooper() {
	ipc.ensurePrimaryLooper()
}

// HandleTransaction implements Handler for the no-dedicated-looper case:
// a transaction observed while Ipc itself is draining a synchronous
// outbound call (TransactSyncReply) rather than by one of the primary
// Loopers. There's no looper to escalate if the handler blocks.
func (ipc *Ipc) HandleTransaction(req *RemoteRequest) {
	ipc.dispatchTransaction(nil, req)
}

// classify decides, per spec.md §4.5 step 3, whether req's transaction
// should run inline on the thread that observed it (true) or through
// the full LooperTx state machine (false). obj's own Classifier
// override takes precedence; the default treats ping and dump probes as
// inline so framework health checks never queue behind ordinary
// traffic.
func (ipc *Ipc) classify(obj *LocalObject, code uint32) bool {
	if c := obj.getClassifier(); c != nil {
		return c(obj.primaryInterface(), code)
	}
	return code == ipc.protocol.PingTransactionCode() || code == ipc.protocol.DumpTransactionCode()
}

// dispatchTransaction looks up req's target LocalObject and either runs
// it inline (classify == true) or builds a LooperTx and drives it
// through run synchronously on the calling goroutine — which is looper's
// own thread when called from Looper.HandleTransaction, letting a
// Block-ing handler genuinely tie that thread up until Complete.
func (ipc *Ipc) dispatchTransaction(looper *Looper, req *RemoteRequest) {
	obj := ipc.registry.GetLocal(req.TargetPtr)
	if obj == nil {
		ipc.logger.Warn("transaction for unknown local object", "target", req.TargetPtr)
		req.Release()
		return
	}
	// The transaction holds its own application reference on obj;
	// runInline/finishTransaction drop it once the reply is sent.
	atomic.AddInt32(&obj.appRefs, 1)

	if ipc.classify(obj, req.Code) {
		ipc.runInline(obj, req)
		return
	}

	tx := newLooperTx(ipc, looper, obj, req)
	tx.run(ipc.ctx)
}

// runInline executes req's handler directly, bypassing both obj's
// dispatchMu serialization and the LooperTx state machine — used only
// for the classify-inline path (ping/dump), which never needs Block.
func (ipc *Ipc) runInline(obj *LocalObject, req *RemoteRequest) {
	defer obj.Release()
	reply, err := obj.handler(ipc.ctx, req)
	oneway := req.Flags&iobind.TfOneWay != 0
	ipc.sendReplyAndRelease(req, reply, err, oneway)
}

// finishTransaction sends req's reply (or a -1 status reply if err !=
// nil) unless req is oneway, then releases req's target object. Called
// from LooperTx.complete, which already holds the LocalObject tx was
// built against.
func (ipc *Ipc) finishTransaction(obj *LocalObject, req *RemoteRequest, reply *LocalReply, err error) {
	defer obj.Release()
	oneway := req.Flags&iobind.TfOneWay != 0
	ipc.sendReplyAndRelease(req, reply, err, oneway)
}

// sendReplyAndRelease sends reply over the Driver (or a -1 status reply
// if err != nil) unless oneway, then releases req.
func (ipc *Ipc) sendReplyAndRelease(req *RemoteRequest, reply *LocalReply, err error, oneway bool) {
	if err != nil {
		ipc.logger.Error("transaction handler failed", "error", err)
		if !oneway {
			_ = ipc.driver.SendReply(req, NewStatusReply(-1))
		}
		req.Release()
		return
	}
	if !oneway {
		if sendErr := ipc.driver.SendReply(req, reply); sendErr != nil {
			ipc.logger.Error("BC_REPLY failed", "error", sendErr)
		}
	}
	req.Release()
}

// HandleDeadBinder implements Handler for BR_DEAD_BINDER. The cookie is
// taken to be the dead remote's handle, so a notification armed through
// Driver.RequestDeathNotification has to use the target handle as its
// cookie for the remote to be marked dead here.
func (ipc *Ipc) HandleDeadBinder(cookie uint64) {
	ro := ipc.registry.GetRemote(uint32(cookie), true)
	if ro == nil {
		return
	}
	ro.MarkDead()
	ro.Release()
	ipc.logger.Warn("remote object died", "handle", ro.Handle())
}

// HandleIncrefs/HandleAcquire implement Handler for the kernel asking us
// to bump a LocalObject's reference counts; HandleRelease/HandleDecrefs
// are their inverse. This library does not distinguish weak from strong
// kernel references (both collapse onto LocalObject's single kernelRefs
// counter), matching gbinder's own simplification for non-weak-aware
// callers.
func (ipc *Ipc) HandleIncrefs(ptr uintptr, cookie uint64) {
	if obj := ipc.registry.GetLocal(ptr); obj != nil {
		obj.AcquireKernelRef()
	}
	if err := ipc.driver.IncrefsDone(ptr, cookie); err != nil {
		ipc.logger.Error("BC_INCREFS_DONE failed", "error", err)
	}
}

func (ipc *Ipc) HandleAcquire(ptr uintptr, cookie uint64) {
	if obj := ipc.registry.GetLocal(ptr); obj != nil {
		obj.AcquireKernelRef()
	}
	if err := ipc.driver.AcquireDone(ptr, cookie); err != nil {
		ipc.logger.Error("BC_ACQUIRE_DONE failed", "error", err)
	}
}

func (ipc *Ipc) HandleRelease(ptr uintptr, cookie uint64) {
	if obj := ipc.registry.GetLocal(ptr); obj != nil {
		obj.ReleaseKernelRef()
	}
}

func (ipc *Ipc) HandleDecrefs(ptr uintptr, cookie uint64) {
	if obj := ipc.registry.GetLocal(ptr); obj != nil {
		obj.ReleaseKernelRef()
	}
}

// Shutdown stops every Looper concurrently via errgroup, drains the
// worker pool, and closes the Driver.
func (ipc *Ipc) Shutdown(ctx context.Context) error {
	var err error
	ipc.shutdownOnce.Do(func() {
		ipc.looperMu.Lock()
		loopers := append([]*Looper(nil), ipc.primaryLoopers...)
		loopers = append(loopers, ipc.blockedLoopers...)
		ipc.looperMu.Unlock()

		g, _ := errgroup.WithContext(ctx)
		for _, l := range loopers {
			l := l
			g.Go(func() error {
				return l.stop()
			})
		}
		err = g.Wait()

		ipc.cancel()
		close(ipc.workCh)
		ipc.wg.Wait()

		err2 := ipc.driver.Close()
		if err == nil {
			err = err2
		}
	})
	return err
}
