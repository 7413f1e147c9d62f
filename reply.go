package binder

import (
	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/parcel"
)

// LocalReply is a reply parcel being built by a LocalObject's
// TransactionHandler, to be sent back to the caller via BC_REPLY[_SG].
// A status-only reply (built by NewStatusReply, so it has no WriterCore
// and IsStatus reports true) is sent as a TF_STATUS_CODE reply carrying
// Status instead of a data parcel; Status values of -EAGAIN, FAILED, and DEAD_OBJECT are
// remapped to -EFAULT by the Driver to avoid colliding with the same
// codes used to signal delivery errors, per the transaction status wire
// ambiguity.
type LocalReply struct {
	*parcel.WriterCore
	Status int32
}

// NewLocalReply creates an empty data reply (Status == 0, OK).
func NewLocalReply(io iobind.Io) *LocalReply {
	return &LocalReply{WriterCore: parcel.NewWriterCore(io)}
}

// NewStatusReply creates a status-only reply (no WriterCore payload).
func NewStatusReply(status int32) *LocalReply {
	return &LocalReply{Status: status}
}

// IsStatus reports whether this reply carries a status code instead of a
// data payload.
func (r *LocalReply) IsStatus() bool {
	return r.WriterCore == nil
}

// RemoteReply is the reply parcel the Driver decoded for an outbound
// transaction this process issued, surfaced from
// Ipc.TransactSyncReply/the async Transact completion callback. Its
// payload is accessed through the embedded Buffer and must be Released
// once the caller is done reading it.
type RemoteReply struct {
	*Buffer
	Status int32
}

// IsStatus reports whether this reply carries a status code instead of a
// data payload (i.e. Buffer is nil).
func (r *RemoteReply) IsStatus() bool {
	return r.Buffer == nil
}
