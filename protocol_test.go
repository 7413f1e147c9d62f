package binder

import (
	"testing"

	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/parcel"
)

func TestAidlProtocolRoundTrip(t *testing.T) {
	proto := NewAidlProtocol()

	req := NewLocalRequest(iobind.Io64, 1, 1)
	if err := proto.WriteHeader(req, "example.IFoo"); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	reader := parcel.NewReaderCore(iobind.Io64, req.Bytes(), req.Offsets())
	remote := &RemoteRequest{Buffer: &Buffer{ReaderCore: reader}}

	iface, err := proto.ReadHeader(remote)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if iface != "example.IFoo" {
		t.Errorf("expected example.IFoo, got %q", iface)
	}
}

func TestAidlProtocolPingCode(t *testing.T) {
	proto := NewAidlProtocol()
	if proto.PingTransactionCode() == 0 {
		t.Error("expected a nonzero ping transaction code")
	}
}
