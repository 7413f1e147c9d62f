package binder

// RpcProtocol is the pluggable codec for the interface header every
// transaction carries ahead of its payload, and for the ping transaction
// used to probe whether a remote object is alive. Concrete header formats
// (AIDL v1/v2/v3, HIDL) are peripheral to this library: callers supply
// the RpcProtocol that matches the remote side they're talking to.
type RpcProtocol interface {
	// WriteHeader appends the interface header for iface to req, ahead of
	// the transaction's own payload.
	WriteHeader(req *LocalRequest, iface string) error

	// ReadHeader consumes the interface header from req, returning the
	// interface name it names.
	ReadHeader(req *RemoteRequest) (string, error)

	// PingTransactionCode returns the transaction code used to ping a
	// remote object under this protocol.
	PingTransactionCode() uint32

	// DumpTransactionCode returns the transaction code used to ask a
	// remote object to dump its state, the other framework probe
	// Ipc.classify dispatches inline alongside PingTransactionCode.
	DumpTransactionCode() uint32
}

// aidlPingCode is the code AIDL/libbinder reserve for PING_TRANSACTION.
const aidlPingCode = 0x5f504e47 // B_PACK_CHARS('_','P','N','G')

// aidlDumpCode is the code AIDL/libbinder reserve for DUMP_TRANSACTION.
const aidlDumpCode = 0x5f444d50 // B_PACK_CHARS('_','D','M','P')

// AidlProtocol implements RpcProtocol the way AIDL-generated stubs do: the
// header is just the interface's UTF-16 descriptor string, written as the
// first field of the transaction payload.
type AidlProtocol struct{}

// NewAidlProtocol returns the default AIDL-style RpcProtocol.
func NewAidlProtocol() *AidlProtocol { return &AidlProtocol{} }

func (AidlProtocol) WriteHeader(req *LocalRequest, iface string) error {
	req.AppendString16(&iface)
	return nil
}

func (AidlProtocol) ReadHeader(req *RemoteRequest) (string, error) {
	s, err := req.ReadString16()
	if err != nil {
		return "", WrapError("RpcProtocol.ReadHeader", err)
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func (AidlProtocol) PingTransactionCode() uint32 {
	return aidlPingCode
}

func (AidlProtocol) DumpTransactionCode() uint32 {
	return aidlDumpCode
}

var _ RpcProtocol = AidlProtocol{}
