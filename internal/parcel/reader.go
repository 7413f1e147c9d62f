package parcel

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/ehrlich-b/go-binder/internal/iobind"
)

// ErrShortRead is returned when a read operation would run past the end
// of the parcel.
var ErrShortRead = errors.New("parcel: short read")

// ReaderCore is the decode side of a parcel: a cursor over a received byte
// buffer plus the object-offset table the driver (or WriterCore, for
// loopback/testing) produced alongside it. Mirrors GBinderReaderPriv in
// gbinder_reader.c — start/end/ptr track the cursor, objects is the
// (already offset-validated) list of binder-object positions.
type ReaderCore struct {
	io      iobind.Io
	data    []byte
	pos     int
	objects []uint64
}

// NewReaderCore wraps data for reading, using offsets as the object table
// (each entry must point at the start of a flat/buffer object within
// data; the table is assumed pre-validated by the caller, e.g. Driver's
// decode of BR_TRANSACTION/BR_REPLY).
func NewReaderCore(io iobind.Io, data []byte, offsets []uint64) *ReaderCore {
	return &ReaderCore{io: io, data: data, objects: offsets}
}

// Io returns the wire codec this reader was constructed with, so callers
// building a reply can reuse it without threading it through separately.
func (r *ReaderCore) Io() iobind.Io { return r.io }

// BytesRead returns the cursor's current position.
func (r *ReaderCore) BytesRead() int { return r.pos }

// BytesRemaining returns how many bytes are left unread.
func (r *ReaderCore) BytesRemaining() int { return len(r.data) - r.pos }

func (r *ReaderCore) canRead(n int) bool {
	return n >= 0 && r.pos+n <= len(r.data)
}

// canReadObject reports whether the cursor sits exactly at the start of a
// recorded object — can_read_object in gbinder_reader.c requires an exact
// position match, not merely "some object starts within range".
func (r *ReaderCore) canReadObject() (uint64, bool) {
	for _, off := range r.objects {
		if off == uint64(r.pos) {
			return off, true
		}
	}
	return 0, false
}

// ReadBool reads a 4-byte-padded boolean.
func (r *ReaderCore) ReadBool() (bool, error) {
	if !r.canRead(4) {
		return false, ErrShortRead
	}
	v := r.data[r.pos] != 0
	r.pos += 4
	return v, nil
}

// ReadInt32 reads a little-endian int32.
func (r *ReaderCore) ReadInt32() (int32, error) {
	if !r.canRead(4) {
		return 0, ErrShortRead
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return v, nil
}

// ReadUint32 reads a little-endian uint32.
func (r *ReaderCore) ReadUint32() (uint32, error) {
	if !r.canRead(4) {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt64 reads a little-endian int64.
func (r *ReaderCore) ReadInt64() (int64, error) {
	if !r.canRead(8) {
		return 0, ErrShortRead
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

// ReadUint64 reads a little-endian uint64.
func (r *ReaderCore) ReadUint64() (uint64, error) {
	if !r.canRead(8) {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadFloat32 reads an IEEE-754 single.
func (r *ReaderCore) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads an IEEE-754 double.
func (r *ReaderCore) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadString8 reads a NUL-terminated byte string, 4-byte padded. The
// string must actually be NUL-terminated within the parcel; gbinder scans
// for the terminator rather than trusting a length prefix.
func (r *ReaderCore) ReadString8() (string, error) {
	nul := -1
	for i := r.pos; i < len(r.data); i++ {
		if r.data[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", ErrShortRead
	}
	s := string(r.data[r.pos:nul])
	padded := align4(nul + 1 - r.pos)
	if !r.canRead(padded) {
		return "", ErrShortRead
	}
	r.pos += padded
	return s, nil
}

// ReadString16 reads a nullable UTF-16LE string: an int32 code unit count
// (-1 for nil), the units, a trailing NUL unit, 4-byte padded.
func (r *ReaderCore) ReadString16() (*string, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	padded := align4(int(n+1) * 2)
	if !r.canRead(padded) {
		return nil, ErrShortRead
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(r.data[r.pos+2*i:])
	}
	r.pos += padded
	s := utf16Decode(units)
	return &s, nil
}

// ReadByteArray reads an int32 length-prefixed byte array. len <= 0
// (including the nil/-1 sentinel) returns a non-nil zero-length slice,
// matching gbinder's "any non-NULL pointer just to indicate success"
// convention for distinguishing a present-but-empty array from a genuine
// short read.
//
// The cursor advances by exactly len raw bytes, NOT by the 4-byte-padded,
// 0xFF-filled length the writer actually emits (see WriterCore.
// AppendByteArray) — this mirrors gbinder_reader_read_byte_array exactly;
// callers that read another field immediately after a byte array must
// account for the up-to-3 stray padding bytes themselves, same as real
// binder clients do.
func (r *ReaderCore) ReadByteArray() ([]byte, error) {
	if !r.canRead(4) {
		return nil, ErrShortRead
	}
	n := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	if n <= 0 {
		r.pos += 4
		return []byte{}, nil
	}
	if !r.canRead(4 + int(n)) {
		return nil, ErrShortRead
	}
	r.pos += 4
	data := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return data, nil
}

// ReadFd reads a binder_fd_object and returns the fd as seen by this
// process (already dup'd in by the kernel).
func (r *ReaderCore) ReadFd() (int, error) {
	off, ok := r.canReadObject()
	if !ok {
		return -1, ErrShortRead
	}
	fd, ok := r.io.DecodeFdObject(r.data[off:])
	if !ok {
		return -1, ErrShortRead
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypeFd)
	return fd, nil
}

// ReadBinderHandle reads a flat_binder_object of type BINDER_TYPE_HANDLE
// and returns the remote handle.
func (r *ReaderCore) ReadBinderHandle() (uint32, bool, error) {
	off, ok := r.canReadObject()
	if !ok {
		return 0, false, ErrShortRead
	}
	handle, ok := r.io.DecodeBinderHandle(r.data[off:])
	if !ok {
		return 0, false, nil
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypeHandle)
	return handle, true, nil
}

// SkipBuffer advances past a binder_buffer_object without decoding it.
func (r *ReaderCore) SkipBuffer() error {
	off, ok := r.canReadObject()
	if !ok {
		return ErrShortRead
	}
	if _, ok := r.io.DecodeBufferObject(r.data, int(off)); !ok {
		return ErrShortRead
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)
	return nil
}

// ReadBufferObject reads the binder_buffer_object at the cursor and
// returns its decoded descriptor; resolving Data/Size into an actual byte
// slice is the Driver's job since it requires the mmap base address.
func (r *ReaderCore) ReadBufferObject() (iobind.BufferObjectInfo, error) {
	off, ok := r.canReadObject()
	if !ok {
		return iobind.BufferObjectInfo{}, ErrShortRead
	}
	info, ok := r.io.DecodeBufferObject(r.data, int(off))
	if !ok {
		return iobind.BufferObjectInfo{}, ErrShortRead
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)
	return info, nil
}
