package binder

import (
	"os"
	"testing"

	"github.com/ehrlich-b/go-binder/internal/iobind"
	"github.com/ehrlich-b/go-binder/internal/parcel"
	"golang.org/x/sys/unix"
)

type fakeBufferFreer struct {
	freed   []uint64
	freeErr error
}

func (f *fakeBufferFreer) FreeBuffer(dataPtr uint64) error {
	f.freed = append(f.freed, dataPtr)
	return f.freeErr
}

func newPipeFd(t *testing.T) int {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	fd := int(w.Fd())
	t.Cleanup(func() { w.Close() })
	return fd
}

func isFdOpen(fd int) bool {
	var st unix.Stat_t
	return unix.Fstat(fd, &st) == nil
}

func TestBufferReleaseClosesUnclaimedFds(t *testing.T) {
	w := parcel.NewWriterCore(iobind.Io64)
	fd1 := newPipeFd(t)
	fd2 := newPipeFd(t)
	w.AppendFd(fd1)
	w.AppendFd(fd2)

	r := parcel.NewReaderCore(iobind.Io64, w.Bytes(), w.Offsets())
	freer := &fakeBufferFreer{}
	buf := NewBuffer(freer, 0xdead, r, []int{fd1, fd2}, nil)

	got, err := buf.ReadFd()
	if err != nil {
		t.Fatalf("ReadFd: %v", err)
	}
	if got != fd1 {
		t.Fatalf("ReadFd = %d, want %d", got, fd1)
	}

	if err := buf.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if len(freer.freed) != 1 || freer.freed[0] != 0xdead {
		t.Errorf("expected FreeBuffer(0xdead) exactly once, got %v", freer.freed)
	}

	if !isFdOpen(fd1) {
		t.Error("claimed fd1 should remain open after Release")
	}
	if isFdOpen(fd2) {
		t.Error("unclaimed fd2 should be closed by Release")
	}
}

func TestBufferReleaseIsIdempotent(t *testing.T) {
	w := parcel.NewWriterCore(iobind.Io64)
	r := parcel.NewReaderCore(iobind.Io64, w.Bytes(), w.Offsets())
	freer := &fakeBufferFreer{}
	buf := NewBuffer(freer, 42, r, nil, nil)

	if err := buf.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := buf.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if len(freer.freed) != 1 {
		t.Errorf("expected exactly one FreeBuffer call across two Release calls, got %d", len(freer.freed))
	}
}
