// +build integration

// Package integration exercises the library end to end against a
// LoopbackDriver pair instead of a real /dev/binder — the double
// SPEC_FULL.md's scenarios are written against, grounded on the teacher's
// own root-gated test/integration suite but retargeted since a loopback
// pair needs no kernel resource and no root.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	binder "github.com/ehrlich-b/go-binder"
	"github.com/ehrlich-b/go-binder/internal/iobind"
	"golang.org/x/sys/unix"
)

const echoInterface = "ehrlich.binder.IEcho"

func newPair(t *testing.T) (*binder.Ipc, *binder.Ipc) {
	t.Helper()
	client, server, err := binder.NewLoopbackIpcPair(nil, nil)
	if err != nil {
		t.Fatalf("NewLoopbackIpcPair: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
		_ = server.Shutdown(ctx)
	})
	return client, server
}

// TestStringEcho covers scenario 1: the client sends [int32=1, "test"] as
// code 1, the server echoes "test" back with status 0.
func TestStringEcho(t *testing.T) {
	client, server := newPair(t)

	obj := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		kind, err := req.ReadInt32()
		if err != nil || kind != 1 {
			t.Errorf("server: unexpected kind %d err %v", kind, err)
		}
		s, err := req.ReadString16()
		if err != nil {
			t.Errorf("server: ReadString16: %v", err)
		}
		reply := binder.NewLocalReply(iobind.Io64)
		reply.AppendString16(s)
		return reply, nil
	})
	server.PublishLocal(obj)

	req := binder.NewLocalRequest(iobind.Io64, 0, 1)
	req.AppendInt32(1)
	msg := "test"
	req.AppendString16(&msg)

	reply, status, err := client.TransactSyncReply(0, 1, req)
	if err != nil {
		t.Fatalf("TransactSyncReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	got, err := reply.ReadString16()
	if err != nil {
		t.Fatalf("ReadString16: %v", err)
	}
	if got == nil || *got != "test" {
		t.Fatalf("expected echoed \"test\", got %v", got)
	}
	reply.Release()
}

// TestNullHidlVec covers scenario 2: the client sends a null HIDL vec
// (count -1) on a fixed-size-element vec, which the server observes as
// empty, and separately exercises the read_hidl_string_vec(
// write_hidl_string_vec(v)) round trip by echoing a real
// hidl_string_vec(["hello","world"]) back through the server.
func TestNullHidlVec(t *testing.T) {
	client, server := newPair(t)

	obj := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		if _, _, err := req.ReadHidlVec(4); err != nil {
			t.Errorf("server: ReadHidlVec: %v", err)
		}

		got, err := req.ReadHidlStringVec()
		if err != nil {
			t.Errorf("server: ReadHidlStringVec: %v", err)
		}
		if len(got) != 2 || got[0] == nil || *got[0] != "hello" || got[1] == nil || *got[1] != "world" {
			t.Errorf("server: unexpected hidl string vec %v", got)
		}

		reply := binder.NewLocalReply(iobind.Io64)
		reply.AppendHidlStringVec(got)
		return reply, nil
	})
	server.PublishLocal(obj)

	req := binder.NewLocalRequest(iobind.Io64, 0, 2)
	req.AppendHidlVec(nil, -1, 4)
	hello, world := "hello", "world"
	req.AppendHidlStringVec([]*string{&hello, &world})

	reply, status, err := client.TransactSyncReply(0, 2, req)
	if err != nil {
		t.Fatalf("TransactSyncReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	got, err := reply.ReadHidlStringVec()
	if err != nil {
		t.Fatalf("ReadHidlStringVec: %v", err)
	}
	if len(got) != 2 || got[0] == nil || *got[0] != "hello" || got[1] == nil || *got[1] != "world" {
		t.Fatalf("expected [\"hello\",\"world\"], got %v", got)
	}
	reply.Release()
}

// TestFdPassing covers scenario 3: the client passes a pipe's read end,
// the server reads "hello" from it, and the fd integers on each side are
// distinct (dup semantics), not aliases of the same descriptor.
func TestFdPassing(t *testing.T) {
	client, server := newPair(t)

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	readFd, writeFd := fds[0], fds[1]
	defer unix.Close(writeFd)
	if _, err := unix.Write(writeFd, []byte("hello")); err != nil {
		t.Fatalf("write to pipe: %v", err)
	}

	var serverFd int
	obj := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		fd, err := req.ReadFd()
		if err != nil {
			t.Errorf("server: ReadFd: %v", err)
			return binder.NewStatusReply(-1), nil
		}
		serverFd = fd
		buf := make([]byte, 5)
		n, err := unix.Read(fd, buf)
		if err != nil || n != 5 || string(buf) != "hello" {
			t.Errorf("server: unexpected pipe contents %q (n=%d err=%v)", buf[:n], n, err)
		}
		return binder.NewStatusReply(0), nil
	})
	server.PublishLocal(obj)

	req := binder.NewLocalRequest(iobind.Io64, 0, 3)
	req.AppendFd(readFd)

	_, status, err := client.TransactSyncReply(0, 3, req)
	if err != nil {
		t.Fatalf("TransactSyncReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if serverFd == readFd {
		t.Fatalf("server's fd %d should be a distinct dup of the client's %d", serverFd, readFd)
	}
	unix.Close(readFd)
	unix.Close(serverFd)
}

// TestOnewayFlood covers scenario 4: 1000 oneway transactions arrive in
// ascending order, each incrementing the server's count.
func TestOnewayFlood(t *testing.T) {
	client, server := newPair(t)

	const n = 1000
	var mu sync.Mutex
	next := 0
	mismatched := false
	done := make(chan struct{})

	obj := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		v, err := req.ReadInt32()
		if err != nil {
			t.Errorf("server: ReadInt32: %v", err)
		}
		mu.Lock()
		if int(v) != next {
			mismatched = true
		}
		next++
		if next == n {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	})
	server.PublishLocal(obj)

	for i := 0; i < n; i++ {
		req := binder.NewLocalRequest(iobind.Io64, 0, 7)
		req.AppendInt32(int32(i))
		req.Oneway()
		if _, _, err := client.TransactSyncReply(0, 7, req); err != nil {
			t.Fatalf("oneway transaction %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all 1000 oneway transactions to land")
	}
	if mismatched {
		t.Fatal("observed out-of-order oneway delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	if next != n {
		t.Fatalf("expected to observe %d transactions, got %d", n, next)
	}
}

// TestBlockedHandlerConcurrentCalls covers scenario 5: a handler that
// calls binder.Block and finishes asynchronously from another goroutine
// ties up its own Looper's thread for the duration, but a second call to
// a different LocalObject is still serviced by another Looper in the
// meantime rather than queueing behind it — the blocked-looper
// escalation spec.md §4.8 describes, not mere serial servicing. The
// second call's completion is asserted to happen strictly before the
// first's, which is only possible if they genuinely overlapped.
func TestBlockedHandlerConcurrentCalls(t *testing.T) {
	client, server := newPair(t)

	blockEngaged := make(chan struct{})
	slowDone := make(chan time.Time, 1)
	slow := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		v, err := req.ReadInt32()
		if err != nil {
			return nil, err
		}
		if !binder.Block(ctx) {
			t.Error("slow handler: Block returned false")
		}
		close(blockEngaged)
		go func() {
			time.Sleep(75 * time.Millisecond)
			reply := binder.NewLocalReply(iobind.Io64)
			reply.AppendInt32(v * 2)
			binder.Complete(ctx, reply, nil)
			slowDone <- time.Now()
		}()
		return nil, nil
	})
	server.PublishLocal(slow)

	fastDone := make(chan time.Time, 1)
	fast := binder.NewLocalObject(1, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		v, err := req.ReadInt32()
		if err != nil {
			return nil, err
		}
		reply := binder.NewLocalReply(iobind.Io64)
		reply.AppendInt32(v * 3)
		fastDone <- time.Now()
		return reply, nil
	})
	server.PublishLocal(fast)

	var wg sync.WaitGroup
	var slowResult, fastResult int32
	var slowErr, fastErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		req := binder.NewLocalRequest(iobind.Io64, 0, 42)
		req.AppendInt32(21)
		reply, _, err := client.TransactSyncReply(0, 42, req)
		if err != nil {
			slowErr = err
			return
		}
		slowResult, slowErr = reply.ReadInt32()
		reply.Release()
	}()

	select {
	case <-blockEngaged:
	case <-time.After(time.Second):
		t.Fatal("slow handler never reached Block")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		req := binder.NewLocalRequest(iobind.Io64, 1, 42)
		req.AppendInt32(7)
		reply, _, err := client.TransactSyncReply(1, 42, req)
		if err != nil {
			fastErr = err
			return
		}
		fastResult, fastErr = reply.ReadInt32()
		reply.Release()
	}()

	wg.Wait()

	if slowErr != nil {
		t.Fatalf("slow call failed: %v", slowErr)
	}
	if fastErr != nil {
		t.Fatalf("fast call failed: %v", fastErr)
	}
	if slowResult != 42 {
		t.Fatalf("slow call: got %d, want 42", slowResult)
	}
	if fastResult != 21 {
		t.Fatalf("fast call: got %d, want 21", fastResult)
	}

	ft := <-fastDone
	st := <-slowDone
	if !ft.Before(st) {
		t.Fatal("fast call did not complete before the blocked slow call — looper escalation did not free a thread for it")
	}
}

// TestFmqDescriptorHandoff covers the Fmq wire-serialization scenario:
// the client allocates an Fmq, writes into it, hands its MqDescriptor to
// the server inside an ordinary transaction, and the server reconstructs
// its own view of the same queue from that descriptor and reads back
// what the client wrote.
func TestFmqDescriptorHandoff(t *testing.T) {
	client, server := newPair(t)

	q, err := binder.NewFmq(4, 8, binder.FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()
	if !q.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 2) {
		t.Fatal("expected write of 2 items to succeed")
	}

	done := make(chan struct{})
	obj := binder.NewLocalObject(0, []string{echoInterface}, func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		desc, err := req.ReadFmqDescriptor()
		if err != nil {
			t.Errorf("server: ReadFmqDescriptor: %v", err)
			return binder.NewStatusReply(-1), nil
		}
		peerQ, err := binder.NewFmqFromDescriptor(desc, 8)
		if err != nil {
			t.Errorf("server: NewFmqFromDescriptor: %v", err)
			return binder.NewStatusReply(-1), nil
		}
		defer peerQ.Close()

		if peerQ.AvailableToRead() != 2 {
			t.Errorf("server: expected 2 items available, got %d", peerQ.AvailableToRead())
		}
		got := make([]byte, 8)
		if !peerQ.Read(got, 2) {
			t.Error("server: expected to read 2 items from the handed-off queue")
		}
		want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("server: fmq payload mismatch at byte %d: got %v want %v", i, got, want)
			}
		}
		close(done)
		return binder.NewStatusReply(0), nil
	})
	server.PublishLocal(obj)

	req := binder.NewLocalRequest(iobind.Io64, 0, 8)
	binder.AppendFmqDescriptor(req.WriterCore, q.Descriptor())

	_, status, err := client.TransactSyncReply(0, 8, req)
	if err != nil {
		t.Fatalf("TransactSyncReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server handler never completed")
	}
}

// TestFmqRingWrap covers scenario 6: a SYNC fmq of item_size 4, capacity
// 8, exercised across a write that wraps the ring.
func TestFmqRingWrap(t *testing.T) {
	q, err := binder.NewFmq(4, 8, binder.FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	seq := func(start, n int) []byte {
		out := make([]byte, n*4)
		for i := 0; i < n; i++ {
			v := byte(start + i)
			out[i*4], out[i*4+1], out[i*4+2], out[i*4+3] = v, v, v, v
		}
		return out
	}

	if !q.Write(seq(0, 6), 6) {
		t.Fatal("expected initial write of 6 items to succeed")
	}
	first := make([]byte, 16)
	if !q.Read(first, 4) {
		t.Fatal("expected read of 4 items to succeed")
	}
	if !q.Write(seq(6, 4), 4) {
		t.Fatal("expected wrapping write of 4 items to succeed")
	}
	second := make([]byte, 24)
	if !q.Read(second, 6) {
		t.Fatal("expected read of remaining 6 items to succeed")
	}

	want := append(append([]byte{}, seq(4, 2)...), seq(6, 4)...)
	for i := range want {
		if second[i] != want[i] {
			t.Fatalf("ring-wrap sequence mismatch at byte %d: got %v, want %v", i, second, want)
		}
	}
	if q.AvailableToRead() != 0 {
		t.Fatalf("expected queue empty after final read, got %d items available", q.AvailableToRead())
	}
}
