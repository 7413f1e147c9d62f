package iobind

// BinderObjectType is the 4-byte tag at the front of every flattened binder
// object. Values are the four-character codes the kernel driver expects:
// B_PACK_CHARS(c1,c2,c3,c4) = c1<<24 | c2<<16 | c3<<8 | c4, with the low
// byte fixed at 0x85 (B_TYPE_LARGE) for every large object type binder
// supports.
const (
	BinderTypeBinder      uint32 = 0x73622a85 // 's' 'b' '*' 0x85
	BinderTypeWeakBinder   uint32 = 0x77622a85 // 'w' 'b' '*' 0x85
	BinderTypeHandle       uint32 = 0x73682a85 // 's' 'h' '*' 0x85
	BinderTypeWeakHandle   uint32 = 0x77682a85 // 'w' 'h' '*' 0x85
	BinderTypeFd           uint32 = 0x66642a85 // 'f' 'd' '*' 0x85
	BinderTypeFda          uint32 = 0x66646185 // 'f' 'd' 'a' 0x85
	BinderTypePtr          uint32 = 0x70742a85 // 'p' 't' '*' 0x85
)

// flat_binder_object.flags
const (
	FlatBinderFlagPriorityMask  uint32 = 0xff
	FlatBinderFlagAcceptsFds    uint32 = 0x100
	FlatBinderFlagTxnSecurityCtx uint32 = 0x1000
)

// binder_buffer_object.flags
const (
	BinderBufferFlagHasParent uint32 = 0x01
)

// binder_transaction_data.flags
const (
	TfOneWay    uint32 = 0x01
	TfRootObject uint32 = 0x04
	TfStatusCode uint32 = 0x08
	TfAcceptFds  uint32 = 0x10
)

// BinderCurrentProtocolVersion is the value BINDER_VERSION returns on every
// kernel this package targets. A mismatch means the driver is older/newer
// than gbinder_io (and this package) was written against.
const BinderCurrentProtocolVersion int32 = 8

// Wire size ceilings, used to size stack/pool buffers before the exact
// encoded size of an object is known. Mirrors GBINDER_MAX_* in gbinder_io.h.
const (
	MaxPointerSize        = 8
	MaxCookieSize          = MaxPointerSize
	MaxBinderObjectSize    = 24
	MaxBufferObjectSize    = 40
	MaxHandleCookieSize    = 16
	MaxPtrCookieSize       = 16
	MaxBcTransactionSize   = 64
	MaxBcTransactionSGSize = 72
	MaxBcReplySize         = MaxBcTransactionSize
	MaxBcReplySGSize       = MaxBcTransactionSGSize
)

// ioctl encoding, mirroring Linux's <asm-generic/ioctl.h>. BC_*/BR_* and the
// top-level BINDER_* commands are all _IOC-encoded; the size field bakes in
// the width-dependent struct size, which is the real reason a 32-bit and a
// 64-bit client disagree on the wire about which integer means what.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioc builds an ioctl command number the same way _IOC()/_IOW()/_IOR() do.
func ioc(dir, typ, nr, size uint32) uint32 {
	return (dir << iocDirShift) |
		(size << iocSizeShift) |
		(typ << iocTypeShift) |
		(nr << iocNrShift)
}

func iow(typ byte, nr, size uint32) uint32 { return ioc(iocWrite, uint32(typ), nr, size) }
func ior(typ byte, nr, size uint32) uint32 { return ioc(iocRead, uint32(typ), nr, size) }
func io_(typ byte, nr uint32) uint32       { return ioc(iocNone, uint32(typ), nr, 0) }

// Binder ioctl type byte ('b' in <linux/binder.h>).
const binderIocType byte = 'b'

// Top-level device ioctls. BinderWriteRead's size depends on pointer width,
// so it is computed per-width below rather than as a single constant.
const (
	binderVersionNr        = 9
	binderSetMaxThreadsNr  = 5
	binderSetContextMgrNr  = 7
	binderThreadExitNr     = 8
	binderWriteReadNr      = 1
)

// BinderVersionIoctl returns BINDER_VERSION. Same on both widths: it carries
// a plain int32, not a pointer-sized field.
func BinderVersionIoctl() uint32 {
	return ior(binderIocType, binderVersionNr, uint32(sizeofBinderVersion))
}

// BinderWriteReadIoctl returns BINDER_WRITE_READ for the given pointer width
// (4 or 8 bytes).
func BinderWriteReadIoctl(width int) uint32 {
	if width == 4 {
		return iow(binderIocType, binderWriteReadNr, sizeofBinderWriteRead32)
	}
	return iow(binderIocType, binderWriteReadNr, sizeofBinderWriteRead64)
}

// BinderSetMaxThreadsIoctl returns BINDER_SET_MAX_THREADS, which carries a
// plain uint32 thread count regardless of pointer width.
func BinderSetMaxThreadsIoctl() uint32 {
	return iow(binderIocType, binderSetMaxThreadsNr, 4)
}

// BinderThreadExitIoctl returns BINDER_THREAD_EXIT.
func BinderThreadExitIoctl() uint32 {
	return iow(binderIocType, binderThreadExitNr, 4)
}

// BinderSetContextMgrIoctl returns BINDER_SET_CONTEXT_MGR, which carries a
// plain int32 (the security context flag) regardless of pointer width.
func BinderSetContextMgrIoctl() uint32 {
	return iow(binderIocType, binderSetContextMgrNr, 4)
}

const (
	sizeofBinderVersion      = 4
	sizeofBinderWriteRead32  = 24
	sizeofBinderWriteRead64  = 48
)

// CommandCodes holds the BC_* command numbers for one pointer width; every
// value here is _IOW-encoded against a struct whose size depends on that
// width, so BC_TRANSACTION on a 32-bit kernel is a different integer than
// BC_TRANSACTION on a 64-bit one even though both mean the same thing.
type CommandCodes struct {
	Transaction                 uint32
	Reply                       uint32
	AcquireResult               uint32
	FreeBuffer                  uint32
	Increfs                     uint32
	Acquire                     uint32
	Release                     uint32
	Decrefs                     uint32
	IncrefsDone                 uint32
	AcquireDone                 uint32
	AttemptAcquire              uint32
	RegisterLooper              uint32
	EnterLooper                 uint32
	ExitLooper                  uint32
	RequestDeathNotification    uint32
	ClearDeathNotification      uint32
	DeadBinderDone              uint32
	TransactionSG               uint32
	ReplySG                     uint32
}

// ReturnCodes holds the BR_* return numbers for one pointer width.
type ReturnCodes struct {
	Error                       uint32
	Ok                          uint32
	Transaction                 uint32
	Reply                       uint32
	AcquireResult               uint32
	DeadReply                   uint32
	TransactionComplete         uint32
	Increfs                     uint32
	Acquire                     uint32
	Release                     uint32
	Decrefs                     uint32
	AttemptAcquire              uint32
	Noop                        uint32
	SpawnLooper                 uint32
	Finished                    uint32
	DeadBinder                  uint32
	ClearDeathNotificationDone  uint32
	FailedReply                 uint32
}

func newCommandCodes(txSize, txSGSize, ptrCookieSize, handleCookieSize, ptrSize uint32) CommandCodes {
	const t = binderIocType
	return CommandCodes{
		Transaction:              iow(t, 0, txSize),
		Reply:                    iow(t, 1, txSize),
		AcquireResult:            iow(t, 2, 4),
		FreeBuffer:                iow(t, 3, ptrSize),
		Increfs:                  iow(t, 4, 4),
		Acquire:                  iow(t, 5, 4),
		Release:                  iow(t, 6, 4),
		Decrefs:                  iow(t, 7, 4),
		IncrefsDone:              iow(t, 8, ptrCookieSize),
		AcquireDone:              iow(t, 9, ptrCookieSize),
		AttemptAcquire:           iow(t, 10, 4),
		RegisterLooper:           io_(t, 11),
		EnterLooper:              io_(t, 12),
		ExitLooper:               io_(t, 13),
		RequestDeathNotification: iow(t, 14, handleCookieSize),
		ClearDeathNotification:   iow(t, 15, handleCookieSize),
		DeadBinderDone:           iow(t, 16, ptrSize),
		TransactionSG:            iow(t, 17, txSGSize),
		ReplySG:                  iow(t, 18, txSGSize),
	}
}

func newReturnCodes(txSize, ptrCookieSize, ptrSize uint32) ReturnCodes {
	const t = binderIocType
	return ReturnCodes{
		Error:                      ior(t, 0, 4),
		Ok:                         io_(t, 1),
		Transaction:                ior(t, 3, txSize),
		Reply:                      ior(t, 4, txSize),
		AcquireResult:              ior(t, 5, 4),
		DeadReply:                  io_(t, 6),
		TransactionComplete:        io_(t, 7),
		Increfs:                    ior(t, 8, ptrCookieSize),
		Acquire:                    ior(t, 9, ptrCookieSize),
		Release:                    ior(t, 10, ptrCookieSize),
		Decrefs:                    ior(t, 11, ptrCookieSize),
		AttemptAcquire:             ior(t, 12, ptrCookieSize),
		Noop:                       io_(t, 13),
		SpawnLooper:                io_(t, 14),
		Finished:                   io_(t, 15),
		DeadBinder:                 ior(t, 16, ptrSize),
		ClearDeathNotificationDone: ior(t, 17, ptrSize),
		FailedReply:                io_(t, 18),
	}
}

// CommandCodes32/ReturnCodes32 are the BC_*/BR_* numbers a 32-bit kernel
// expects; CommandCodes64/ReturnCodes64 are for a 64-bit one. Exactly one
// of these is in play for the lifetime of a Driver, chosen by the width
// BINDER_VERSION implies.
var (
	CommandCodes32 = newCommandCodes(40, 44, 8, 8, 4)
	ReturnCodes32  = newReturnCodes(40, 8, 4)
	CommandCodes64 = newCommandCodes(64, 72, 16, 16, 8)
	ReturnCodes64  = newReturnCodes(64, 16, 8)
)
