package binder

import (
	"context"
	"testing"
)

func TestRegisterAndGetLocal(t *testing.T) {
	reg := NewObjectRegistry()
	obj := NewLocalObject(0x1000, []string{"example.IFoo"}, func(context.Context, *RemoteRequest) (*LocalReply, error) {
		return nil, nil
	})

	if got := reg.GetLocal(0x1000); got != nil {
		t.Fatal("expected no local object before registration")
	}

	reg.RegisterLocal(obj)

	got := reg.GetLocal(0x1000)
	if got != obj {
		t.Fatal("expected GetLocal to return the registered object")
	}
	if !got.Answers("example.IFoo") {
		t.Error("expected object to answer to example.IFoo")
	}
	if got.Answers("example.IBar") {
		t.Error("expected object to not answer to unregistered interface")
	}
}

func TestLocalObjectDisposalBothZero(t *testing.T) {
	reg := NewObjectRegistry()
	obj := NewLocalObject(0x2000, nil, nil)
	reg.RegisterLocal(obj)

	obj.AcquireKernelRef()
	obj.Release() // app ref dropped to 0, kernel ref still 1: must not be disposed

	if reg.GetLocal(0x2000) == nil {
		t.Fatal("object should remain registered while a kernel ref is outstanding")
	}

	obj.ReleaseKernelRef() // now both are zero

	if reg.GetLocal(0x2000) != nil {
		t.Fatal("object should be disposed once both ref counts reach zero")
	}
}

func TestLocalObjectResurrectionRace(t *testing.T) {
	reg := NewObjectRegistry()
	obj := NewLocalObject(0x3000, nil, nil)
	reg.RegisterLocal(obj)

	// Simulate a resurrection: a new reference is taken right after the
	// disposal condition was observed true, but before onLocalDisposed
	// acquires the lock.
	obj.appRefs = 0
	obj.kernelRefs = 0
	obj.AcquireKernelRef() // resurrect before dispose runs

	obj.dispose()

	if reg.GetLocal(0x3000) == nil {
		t.Fatal("resurrected object must not be removed by a stale disposal")
	}
}

func TestGetRemoteInsertsOnFirstObservation(t *testing.T) {
	reg := NewObjectRegistry()

	ro := reg.GetRemote(42, false)
	if ro == nil || ro.Handle() != 42 {
		t.Fatalf("expected a RemoteObject for handle 42, got %+v", ro)
	}

	ro2 := reg.GetRemote(42, false)
	if ro2 != ro {
		t.Fatal("expected the same RemoteObject instance for repeated handle lookups")
	}
}

func TestGetRemoteDeadWithoutAllowDead(t *testing.T) {
	reg := NewObjectRegistry()
	ro := reg.GetRemote(7, false)
	ro.MarkDead()

	if got := reg.GetRemote(7, false); got != nil {
		t.Error("expected nil for a dead remote when allowDead is false")
	}
	if got := reg.GetRemote(7, true); got != ro {
		t.Error("expected the dead remote back when allowDead is true")
	}
}

func TestRemoteObjectDisposal(t *testing.T) {
	reg := NewObjectRegistry()
	ro := reg.GetRemote(99, false)
	ro.Release()

	if reg.GetRemote(99, true) == ro {
		t.Error("expected a fresh RemoteObject after the prior one was disposed")
	}
}

func TestOnFirstLocalCallback(t *testing.T) {
	reg := NewObjectRegistry()
	fired := 0
	reg.onFirstLocal = func() { fired++ }

	reg.RegisterLocal(NewLocalObject(1, nil, nil))
	reg.RegisterLocal(NewLocalObject(2, nil, nil))

	if fired != 1 {
		t.Errorf("expected onFirstLocal to fire exactly once, got %d", fired)
	}
}
