package binder

import (
	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/parcel"
)

// LocalRequest is an outbound transaction parcel being built by the
// caller, before Ipc.Transact/TransactSyncReply hands it to the Driver.
// It wraps a WriterCore with the transaction metadata BC_TRANSACTION[_SG]
// needs alongside the encoded payload.
type LocalRequest struct {
	*parcel.WriterCore
	Handle uint32
	Code   uint32
	Flags  uint32 // TfOneWay, TfAcceptFds, etc.
}

// NewLocalRequest creates an empty outbound request targeting handle with
// the given transaction code.
func NewLocalRequest(io iobind.Io, handle uint32, code uint32) *LocalRequest {
	return &LocalRequest{
		WriterCore: parcel.NewWriterCore(io),
		Handle:     handle,
		Code:       code,
	}
}

// Oneway marks this request as a one-way (fire-and-forget) transaction.
func (r *LocalRequest) Oneway() *LocalRequest {
	r.Flags |= iobind.TfOneWay
	return r
}

// RemoteRequest is an incoming transaction parcel, decoded by the Driver
// and handed to a LocalObject's TransactionHandler. Its payload is
// accessed through the embedded Buffer (itself an embedded ReaderCore),
// which must be Released once the handler is done reading it.
type RemoteRequest struct {
	*Buffer
	SenderPID  int32
	SenderEUID uint32
	Code       uint32
	Flags      uint32
	TargetPtr  uintptr
}
