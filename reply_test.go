package binder

import (
	"testing"

	"github.com/ehrlich-b/go-binder/internal/iobind"
)

func TestNewLocalReplyIsDataReply(t *testing.T) {
	reply := NewLocalReply(iobind.Io64)
	if reply.IsStatus() {
		t.Fatal("expected a data reply, got a status reply")
	}
	if reply.Status != 0 {
		t.Errorf("expected zero status on a data reply, got %d", reply.Status)
	}
}

func TestNewStatusReplyHasNoPayload(t *testing.T) {
	reply := NewStatusReply(-5)
	if !reply.IsStatus() {
		t.Fatal("expected a status reply")
	}
	if reply.Status != -5 {
		t.Errorf("expected status -5, got %d", reply.Status)
	}
}

func TestRemoteReplyIsStatusWithNilBuffer(t *testing.T) {
	reply := &RemoteReply{Status: -1}
	if !reply.IsStatus() {
		t.Fatal("expected IsStatus to be true when Buffer is nil")
	}
}
