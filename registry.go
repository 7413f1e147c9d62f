package binder

import (
	"context"
	"sync"
	"sync/atomic"
)

// TransactionHandler processes an incoming transaction addressed to a
// LocalObject and produces its reply.
type TransactionHandler func(ctx context.Context, req *RemoteRequest) (*LocalReply, error)

// Classifier decides, for a given interface name and transaction code,
// whether a transaction should run inline on whichever thread observed
// it (true) or be dispatched through the normal LooperTx path (false).
// A LocalObject's Classifier is nil by default, meaning Ipc.classify's
// own ping/dump default applies; SetClassifier installs an override, per
// spec.md §4.5 step 3.
type Classifier func(iface string, code uint32) bool

// LocalObject is an object published into the registry: a set of
// interface names it answers to, a transaction handler, and the two
// reference counts (application-held and kernel-held) that together
// determine its lifetime — it is destroyed only once both reach zero.
type LocalObject struct {
	mu         sync.Mutex
	ptr        uintptr
	interfaces map[string]bool
	handler    TransactionHandler
	classifier Classifier
	appRefs    int32
	kernelRefs int32
	registry   *ObjectRegistry

	// dispatchMu serializes this object's transaction handling end to
	// end, including across an asynchronous Block/Complete pair — a
	// LooperTx holds it for the full SCHEDULED..COMPLETE span, so at most
	// one transaction is ever mid-handler against this object at a time,
	// even though different LocalObjects are free to run concurrently
	// across the Looper pool.
	dispatchMu sync.Mutex
}

// NewLocalObject creates a LocalObject with one application reference. It
// is not visible to the registry until RegisterLocal is called.
func NewLocalObject(ptr uintptr, interfaces []string, handler TransactionHandler) *LocalObject {
	ifaceSet := make(map[string]bool, len(interfaces))
	for _, name := range interfaces {
		ifaceSet[name] = true
	}
	return &LocalObject{
		ptr:        ptr,
		interfaces: ifaceSet,
		handler:    handler,
		appRefs:    1,
	}
}

// Ptr returns the registry key this object is published under.
func (o *LocalObject) Ptr() uintptr { return o.ptr }

// Answers reports whether this object answers to the given interface name.
func (o *LocalObject) Answers(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interfaces[name]
}

// SetClassifier installs a per-object override for Ipc.classify's
// looper-handled vs event-thread-handled dispatch decision. Passing nil
// reverts to the default ping/dump classification.
func (o *LocalObject) SetClassifier(c Classifier) {
	o.mu.Lock()
	o.classifier = c
	o.mu.Unlock()
}

func (o *LocalObject) getClassifier() Classifier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.classifier
}

// primaryInterface returns an arbitrary interface name this object
// answers to, for passing to a Classifier. LocalObject doesn't track
// interface declaration order, so a Classifier that cares which
// interface it got should be installed on an object registered under
// exactly one interface.
func (o *LocalObject) primaryInterface() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name := range o.interfaces {
		return name
	}
	return ""
}

// AcquireKernelRef records a kernel strong-ref acquisition (BC_ACQUIRE).
func (o *LocalObject) AcquireKernelRef() {
	atomic.AddInt32(&o.kernelRefs, 1)
}

// ReleaseKernelRef records a kernel strong-ref release (BC_RELEASE). If
// this was the last reference held by either side, the object reports
// itself disposed to its registry.
func (o *LocalObject) ReleaseKernelRef() {
	if atomic.AddInt32(&o.kernelRefs, -1) == 0 && atomic.LoadInt32(&o.appRefs) == 0 {
		o.dispose()
	}
}

// Release drops the application's own reference to this object.
func (o *LocalObject) Release() {
	if atomic.AddInt32(&o.appRefs, -1) == 0 && atomic.LoadInt32(&o.kernelRefs) == 0 {
		o.dispose()
	}
}

func (o *LocalObject) dispose() {
	if o.registry != nil {
		o.registry.onLocalDisposed(o)
	}
}

// RemoteObject is a proxy for an object living in another process,
// identified by its 32-bit kernel handle. Two RemoteObjects for the same
// handle in the same process are always the same instance (registry-
// enforced). On BR_DEAD_BINDER the object transitions to dead and no
// further outbound transactions will succeed until (if ever) it is
// reanimated by the event loop.
type RemoteObject struct {
	handle   uint32
	dead     atomic.Bool
	refs     int32
	registry *ObjectRegistry
}

// Handle returns the object's kernel handle.
func (o *RemoteObject) Handle() uint32 { return o.handle }

// IsDead reports whether BR_DEAD_BINDER has been observed for this handle.
func (o *RemoteObject) IsDead() bool { return o.dead.Load() }

// MarkDead transitions the object to dead, called by the Ipc event loop
// on BR_DEAD_BINDER.
func (o *RemoteObject) MarkDead() { o.dead.Store(true) }

// Reanimate clears the dead flag, called by the Ipc event loop if the
// remote process is later observed alive again under the same handle.
func (o *RemoteObject) Reanimate() { o.dead.Store(false) }

// Release drops a reference to this remote proxy.
func (o *RemoteObject) Release() {
	if atomic.AddInt32(&o.refs, -1) == 0 && o.registry != nil {
		o.registry.onRemoteDisposed(o)
	}
}

// ObjectRegistry holds the two per-Ipc maps (local pointer → LocalObject,
// remote handle → RemoteObject), each protected by its own lock.
type ObjectRegistry struct {
	localMu sync.RWMutex
	local   map[uintptr]*LocalObject

	remoteMu sync.RWMutex
	remote   map[uint32]*RemoteObject

	// onFirstLocal is invoked (outside any lock) the first time a local
	// object is registered, letting the Ipc lazily spawn its primary
	// looper only once there's something to service.
	onFirstLocal func()
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{
		local:  make(map[uintptr]*LocalObject),
		remote: make(map[uint32]*RemoteObject),
	}
}

// GetLocal returns the LocalObject registered at ptr, or nil if absent.
func (r *ObjectRegistry) GetLocal(ptr uintptr) *LocalObject {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	return r.local[ptr]
}

// RegisterLocal publishes obj into the registry.
func (r *ObjectRegistry) RegisterLocal(obj *LocalObject) {
	r.localMu.Lock()
	obj.registry = r
	_, existed := r.local[obj.ptr]
	r.local[obj.ptr] = obj
	first := !existed && len(r.local) == 1
	r.localMu.Unlock()

	if first && r.onFirstLocal != nil {
		r.onFirstLocal()
	}
}

func (r *ObjectRegistry) onLocalDisposed(obj *LocalObject) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	// Re-check under the lock: another caller may have taken a fresh
	// reference between the disposal check and acquiring this lock.
	if atomic.LoadInt32(&obj.appRefs) == 0 && atomic.LoadInt32(&obj.kernelRefs) == 0 {
		delete(r.local, obj.ptr)
	}
}

// GetRemote returns the RemoteObject proxying handle, creating and
// inserting one under the lock if this is the first observation.
// allowDead lets the caller accept a proxy already marked dead instead of
// treating it as absent.
func (r *ObjectRegistry) GetRemote(handle uint32, allowDead bool) *RemoteObject {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()

	if ro, ok := r.remote[handle]; ok {
		if ro.IsDead() && !allowDead {
			return nil
		}
		atomic.AddInt32(&ro.refs, 1)
		return ro
	}

	ro := &RemoteObject{handle: handle, refs: 1, registry: r}
	r.remote[handle] = ro
	return ro
}

func (r *ObjectRegistry) onRemoteDisposed(obj *RemoteObject) {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()
	if atomic.LoadInt32(&obj.refs) == 0 {
		delete(r.remote, obj.handle)
	}
}

// LocalCount returns the number of currently registered local objects.
func (r *ObjectRegistry) LocalCount() int {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	return len(r.local)
}
