// Package iobind contains the raw binder wire structures and the
// pointer-width-dependent encode/decode logic that sits directly on top of
// the BINDER_WRITE_READ ioctl.
//
// The kernel binder protocol is defined in terms of binder_uintptr_t and
// binder_size_t, both of which are 4 bytes on a 32-bit kernel and 8 bytes
// on a 64-bit one. A 32-bit userspace client talking to a 64-bit kernel
// (or vice versa) is unsupported by the driver, so the struct layout in
// use is determined once, at open time, by asking the driver its
// BINDER_VERSION and assuming native width. gbinder solves the same
// problem by compiling gbinder_io.c twice, once per width, via a macro
// prefix; Go has no preprocessor, so the two widths are spelled out below
// as parallel struct families and selected at runtime (see Io32/Io64 in
// codec.go).
package iobind

import "unsafe"

// BinderObjectHeader is the common 4-byte type tag every flattened binder
// object (flat_binder_object, binder_fd_object, binder_buffer_object,
// binder_fd_array_object) begins with.
type BinderObjectHeader struct {
	Type uint32
}

var _ [4]byte = [unsafe.Sizeof(BinderObjectHeader{})]byte{}

// --- 64-bit wire layout (binder_uintptr_t / binder_size_t == uint64) ---

// FlatBinderObject64 mirrors struct flat_binder_object on a 64-bit kernel.
type FlatBinderObject64 struct {
	Hdr    BinderObjectHeader
	Flags  uint32
	Binder uint64 // union with Handle uint32, always written/read as 8 bytes
	Cookie uint64
}

var _ [24]byte = [unsafe.Sizeof(FlatBinderObject64{})]byte{}

func (o *FlatBinderObject64) Handle() uint32     { return uint32(o.Binder) }
func (o *FlatBinderObject64) SetHandle(h uint32) { o.Binder = uint64(h) }

// BinderFdObject64 mirrors struct binder_fd_object on a 64-bit kernel.
type BinderFdObject64 struct {
	Hdr      BinderObjectHeader
	PadFlags uint32
	PadPtr   uint64 // union with Fd uint32
	Cookie   uint64
}

var _ [24]byte = [unsafe.Sizeof(BinderFdObject64{})]byte{}

func (o *BinderFdObject64) Fd() int32    { return int32(o.PadPtr) }
func (o *BinderFdObject64) SetFd(fd int) { o.PadPtr = uint64(uint32(fd)) }

// BinderBufferObject64 mirrors struct binder_buffer_object (64-bit).
type BinderBufferObject64 struct {
	Hdr          BinderObjectHeader
	Flags        uint32
	Buffer       uint64
	Length       uint64
	Parent       uint64
	ParentOffset uint64
}

var _ [40]byte = [unsafe.Sizeof(BinderBufferObject64{})]byte{}

// BinderFdArrayObject64 mirrors struct binder_fd_array_object (64-bit).
type BinderFdArrayObject64 struct {
	Hdr          BinderObjectHeader
	_            uint32 // alignment pad, no field in the C struct
	NumFds       uint64
	Parent       uint64
	ParentOffset uint64
}

var _ [32]byte = [unsafe.Sizeof(BinderFdArrayObject64{})]byte{}

// transactionTarget64 is the target union of binder_transaction_data: a
// handle when sent to a remote, a raw pointer when delivered by the driver.
type transactionTarget64 struct {
	Handle uint64 // low 32 bits are the handle; ptr form uses the full word
}

// BinderTransactionData64 mirrors struct binder_transaction_data (64-bit).
type BinderTransactionData64 struct {
	Target      transactionTarget64
	Cookie      uint64
	Code        uint32
	Flags       uint32
	SenderPid   int32
	SenderEuid  uint32
	DataSize    uint64
	OffsetsSize uint64
	DataBuffer  uint64
	DataOffsets uint64
}

var _ [64]byte = [unsafe.Sizeof(BinderTransactionData64{})]byte{}

// BinderTransactionDataSG64 mirrors struct binder_transaction_data_sg.
type BinderTransactionDataSG64 struct {
	Transaction  BinderTransactionData64
	BuffersSize  uint64
}

var _ [72]byte = [unsafe.Sizeof(BinderTransactionDataSG64{})]byte{}

// BinderPtrCookie64 mirrors struct binder_ptr_cookie (64-bit): the pairing
// the driver echoes back in BR_INCREFS/BR_ACQUIRE/BR_RELEASE/BR_DECREFS.
type BinderPtrCookie64 struct {
	Ptr    uint64
	Cookie uint64
}

var _ [16]byte = [unsafe.Sizeof(BinderPtrCookie64{})]byte{}

// BinderHandleCookie64 mirrors struct binder_handle_cookie (64-bit),
// used for BC/BR_*_DEATH_NOTIFICATION.
type BinderHandleCookie64 struct {
	Handle uint32
	_      uint32 // alignment pad before the 8-byte cookie
	Cookie uint64
}

var _ [16]byte = [unsafe.Sizeof(BinderHandleCookie64{})]byte{}

// BinderWriteRead64 mirrors struct binder_write_read (64-bit); its 32-bit
// counterpart is BinderWriteRead32. The BINDER_WRITE_READ ioctl number is
// derived from sizeof(this struct), which is why BC/BR dispatch alone
// isn't enough to be width-agnostic.
type BinderWriteRead64 struct {
	WriteSize     uint64
	WriteConsumed uint64
	WriteBuffer   uint64
	ReadSize      uint64
	ReadConsumed  uint64
	ReadBuffer    uint64
}

var _ [48]byte = [unsafe.Sizeof(BinderWriteRead64{})]byte{}

// --- 32-bit wire layout (binder_uintptr_t / binder_size_t == uint32) ---

type transactionTarget32 struct {
	Handle uint32
}

// FlatBinderObject32 mirrors struct flat_binder_object on a 32-bit kernel.
type FlatBinderObject32 struct {
	Hdr    BinderObjectHeader
	Flags  uint32
	Binder uint32
	Cookie uint32
}

var _ [16]byte = [unsafe.Sizeof(FlatBinderObject32{})]byte{}

func (o *FlatBinderObject32) Handle() uint32     { return o.Binder }
func (o *FlatBinderObject32) SetHandle(h uint32) { o.Binder = h }

// BinderFdObject32 mirrors struct binder_fd_object on a 32-bit kernel.
type BinderFdObject32 struct {
	Hdr      BinderObjectHeader
	PadFlags uint32
	PadPtr   uint32
	Cookie   uint32
}

var _ [16]byte = [unsafe.Sizeof(BinderFdObject32{})]byte{}

func (o *BinderFdObject32) Fd() int32    { return int32(o.PadPtr) }
func (o *BinderFdObject32) SetFd(fd int) { o.PadPtr = uint32(fd) }

// BinderBufferObject32 mirrors struct binder_buffer_object (32-bit).
type BinderBufferObject32 struct {
	Hdr          BinderObjectHeader
	Flags        uint32
	Buffer       uint32
	Length       uint32
	Parent       uint32
	ParentOffset uint32
}

var _ [24]byte = [unsafe.Sizeof(BinderBufferObject32{})]byte{}

// BinderFdArrayObject32 mirrors struct binder_fd_array_object (32-bit).
type BinderFdArrayObject32 struct {
	Hdr          BinderObjectHeader
	NumFds       uint32
	Parent       uint32
	ParentOffset uint32
}

var _ [16]byte = [unsafe.Sizeof(BinderFdArrayObject32{})]byte{}

// BinderTransactionData32 mirrors struct binder_transaction_data (32-bit).
type BinderTransactionData32 struct {
	Target      transactionTarget32
	Cookie      uint32
	Code        uint32
	Flags       uint32
	SenderPid   int32
	SenderEuid  uint32
	DataSize    uint32
	OffsetsSize uint32
	DataBuffer  uint32
	DataOffsets uint32
}

var _ [40]byte = [unsafe.Sizeof(BinderTransactionData32{})]byte{}

// BinderTransactionDataSG32 mirrors struct binder_transaction_data_sg.
type BinderTransactionDataSG32 struct {
	Transaction BinderTransactionData32
	BuffersSize uint32
}

var _ [44]byte = [unsafe.Sizeof(BinderTransactionDataSG32{})]byte{}

// BinderPtrCookie32 mirrors struct binder_ptr_cookie (32-bit).
type BinderPtrCookie32 struct {
	Ptr    uint32
	Cookie uint32
}

var _ [8]byte = [unsafe.Sizeof(BinderPtrCookie32{})]byte{}

// BinderHandleCookie32 mirrors struct binder_handle_cookie (32-bit).
type BinderHandleCookie32 struct {
	Handle uint32
	Cookie uint32
}

var _ [8]byte = [unsafe.Sizeof(BinderHandleCookie32{})]byte{}

// BinderWriteRead32 mirrors struct binder_write_read (32-bit).
type BinderWriteRead32 struct {
	WriteSize     uint32
	WriteConsumed uint32
	WriteBuffer   uint32
	ReadSize      uint32
	ReadConsumed  uint32
	ReadBuffer    uint32
}

var _ [24]byte = [unsafe.Sizeof(BinderWriteRead32{})]byte{}

// BinderVersion mirrors struct binder_version, the same on both widths.
type BinderVersion struct {
	ProtocolVersion int32
}

var _ [4]byte = [unsafe.Sizeof(BinderVersion{})]byte{}
