// Package unit holds fast, kernel-free tests of the public surface,
// mirroring the split the teacher keeps between its own plain unit tests
// and its root-requiring integration suite (here, the loopback-backed one
// in test/integration).
package unit

import (
	"testing"

	binder "github.com/ehrlich-b/go-binder"
	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/parcel"
)

func TestErrorCodesAreDistinct(t *testing.T) {
	seen := map[binder.BinderErrorCode]bool{}
	codes := []binder.BinderErrorCode{
		binder.ErrCodeDriverNotFound,
		binder.ErrCodeDriverVersionMismatch,
		binder.ErrCodePermissionDenied,
		binder.ErrCodeIOError,
		binder.ErrCodeMmapFailed,
		binder.ErrCodeDeadObject,
		binder.ErrCodeFailedReply,
		binder.ErrCodeTxTimeout,
		binder.ErrCodeMalformedParcel,
		binder.ErrCodeShortRead,
	}
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("duplicate error code %q", c)
		}
		seen[c] = true
	}
}

func TestNewErrorRoundTripsOpAndCode(t *testing.T) {
	err := binder.NewError("TEST_OP", binder.ErrCodeMalformedParcel, "bad parcel")
	if err.Op != "TEST_OP" || err.Code != binder.ErrCodeMalformedParcel {
		t.Fatalf("unexpected error fields: %+v", err)
	}
}

// noopFreer satisfies Buffer's unexported bufferFreer interface
// structurally, without this package needing to name it.
type noopFreer struct{}

func (noopFreer) FreeBuffer(uint64) error { return nil }

func TestAidlProtocolHeaderRoundTrip(t *testing.T) {
	protocol := binder.NewAidlProtocol()
	req := binder.NewLocalRequest(iobind.Io64, 0, 1)
	if err := protocol.WriteHeader(req, "ehrlich.binder.ITest"); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	reader := parcel.NewReaderCore(iobind.Io64, req.Bytes(), req.Offsets())
	remote := &binder.RemoteRequest{Buffer: binder.NewBuffer(noopFreer{}, 0, reader, nil, nil)}

	name, err := protocol.ReadHeader(remote)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if name != "ehrlich.binder.ITest" {
		t.Fatalf("got interface %q, want ehrlich.binder.ITest", name)
	}
}

func TestLocalObjectAnswersInterface(t *testing.T) {
	obj := binder.NewLocalObject(0, []string{"ehrlich.binder.IEcho"}, nil)
	if !obj.Answers("ehrlich.binder.IEcho") {
		t.Fatal("expected object to answer its own interface")
	}
	if obj.Answers("ehrlich.binder.IOther") {
		t.Fatal("object should not answer an unregistered interface")
	}
}

func TestObjectRegistryGetLocal(t *testing.T) {
	registry := binder.NewObjectRegistry()
	obj := binder.NewLocalObject(0, []string{"ehrlich.binder.IEcho"}, nil)
	registry.RegisterLocal(obj)

	if got := registry.GetLocal(0); got != obj {
		t.Fatalf("GetLocal(0) returned %v, want the registered object", got)
	}
	if got := registry.GetLocal(1); got != nil {
		t.Fatalf("GetLocal(1) should be nil, got %v", got)
	}
	if registry.LocalCount() != 1 {
		t.Fatalf("expected one registered local object, got %d", registry.LocalCount())
	}
}

func TestFmqRejectsNonPositiveDimensions(t *testing.T) {
	if _, err := binder.NewFmq(0, 8, binder.FmqSyncReadWrite, false); err == nil {
		t.Fatal("expected NewFmq to reject a zero item size")
	}
	if _, err := binder.NewFmq(4, 0, binder.FmqSyncReadWrite, false); err == nil {
		t.Fatal("expected NewFmq to reject a zero item count")
	}
}
