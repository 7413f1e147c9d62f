package binder

import (
	"testing"
	"time"
)

func TestFmqWriteReadRoundTrip(t *testing.T) {
	q, err := NewFmq(4, 8, FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	if got := q.AvailableToWrite(); got != 8 {
		t.Fatalf("expected 8 free items, got %d", got)
	}

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !q.Write(payload, 2) {
		t.Fatal("expected write of 2 items to succeed")
	}
	if got := q.AvailableToRead(); got != 2 {
		t.Fatalf("expected 2 readable items, got %d", got)
	}
	if got := q.AvailableToWrite(); got != 6 {
		t.Fatalf("expected 6 free items, got %d", got)
	}

	out := make([]byte, 8)
	if !q.Read(out, 2) {
		t.Fatal("expected read of 2 items to succeed")
	}
	if string(out) != string(payload) {
		t.Fatalf("round trip mismatch: got %v, want %v", out, payload)
	}
	if got := q.AvailableToRead(); got != 0 {
		t.Fatalf("expected queue empty after read, got %d available", got)
	}
}

func TestFmqReadFailsWhenNotEnoughAvailable(t *testing.T) {
	q, err := NewFmq(4, 8, FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	out := make([]byte, 4)
	if q.Read(out, 1) {
		t.Fatal("expected read to fail on an empty queue")
	}
}

func TestFmqWriteWraparound(t *testing.T) {
	q, err := NewFmq(4, 4, FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	first := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if !q.Write(first, 3) {
		t.Fatal("expected initial write of 3 items to succeed")
	}
	out := make([]byte, 8)
	if !q.Read(out, 2) {
		t.Fatal("expected read of 2 items to succeed")
	}

	// read_ptr is now at item 2, write_ptr at item 3: writing 3 more items
	// wraps the 4-item ring, exercising the split-copy path in Write/Read.
	more := []byte{4, 4, 4, 4, 5, 5, 5, 5, 6, 6, 6, 6}
	if !q.Write(more, 3) {
		t.Fatal("expected wrap-around write of 3 items to succeed")
	}

	final := make([]byte, 16)
	if !q.Read(final, 4) {
		t.Fatal("expected reading the remaining 4 items to succeed")
	}
	want := []byte{3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 6, 6, 6, 6}
	for i := range want {
		if final[i] != want[i] {
			t.Fatalf("wraparound mismatch at byte %d: got %v, want %v", i, final, want)
		}
	}
}

func TestFmqWaitTimeoutReturnsImmediatelyWhenBitsAlreadySet(t *testing.T) {
	q, err := NewFmq(4, 4, FmqSyncReadWrite, true)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	if err := q.Wake(0x1); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	state, err := q.WaitTimeout(0x1, time.Second)
	if err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	if state&0x1 == 0 {
		t.Fatalf("expected bit 0x1 set in returned state, got %#x", state)
	}
}

func TestFmqWaitTimeoutFailsWithoutEventFlag(t *testing.T) {
	q, err := NewFmq(4, 4, FmqSyncReadWrite, false)
	if err != nil {
		t.Fatalf("NewFmq: %v", err)
	}
	defer q.Close()

	if _, err := q.WaitTimeout(0x1, time.Millisecond); err == nil {
		t.Fatal("expected WaitTimeout to fail when no event flag is configured")
	}
}
