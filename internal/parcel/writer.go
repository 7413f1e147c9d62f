package parcel

import (
	"encoding/binary"
	"math"

	"github.com/ehrlich-b/go-binder/internal/iobind"
)

// align4 rounds n up to the next multiple of 4, the padding every
// primitive value and string gets in the binder wire format.
func align4(n int) int { return (n + 3) &^ 3 }

// align8 rounds n up to the next multiple of 8. The driver requires every
// SG buffer's data size to be 8-byte aligned regardless of the declared
// buffer's own alignment.
func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// WriterCore is the append-only encode side of a parcel: a growable byte
// buffer, the offsets table recording where each flat/buffer object
// begins (handed to the driver alongside the payload so it knows which
// bytes to interpret as binder objects rather than opaque data), the
// running buffers_size total BC_TRANSACTION_SG needs, and a cleanup list
// for anything allocated along the way. Mirrors GBinderWriterData in
// gbinder_writer_p.h.
type WriterCore struct {
	io          iobind.Io
	bytes       []byte
	offsets     []uint64
	buffersSize uint64
	cleanup     Cleanup
}

// NewWriterCore creates an empty WriterCore using the given wire codec.
func NewWriterCore(io iobind.Io) *WriterCore {
	return &WriterCore{io: io, bytes: getBuffer(0)}
}

// Bytes returns the encoded payload accumulated so far.
func (w *WriterCore) Bytes() []byte { return w.bytes }

// Offsets returns the recorded binder-object offsets into Bytes.
func (w *WriterCore) Offsets() []uint64 { return w.offsets }

// BuffersSize returns the running total of SG buffer sizes.
func (w *WriterCore) BuffersSize() uint64 { return w.buffersSize }

// Cleanup returns the writer's deferred-action list.
func (w *WriterCore) Cleanup() *Cleanup { return &w.cleanup }

// Release runs the writer's cleanup actions. The byte buffer itself is not
// returned to the pool here; callers that obtained it via NewWriterCore
// from a pooled slice do that explicitly via Recycle once the transaction
// has actually been handed to the driver (the backing array must outlive
// the write_read ioctl).
func (w *WriterCore) Release() {
	w.cleanup.Release()
}

// Recycle returns the writer's backing array to the shared pool. Must not
// be called before the driver has consumed the bytes.
func (w *WriterCore) Recycle() {
	putBuffer(w.bytes)
	w.bytes = nil
}

func (w *WriterCore) appendPadded4(b []byte) {
	n := align4(len(b))
	start := len(w.bytes)
	w.bytes = append(w.bytes, make([]byte, n)...)
	copy(w.bytes[start:], b)
}

func (w *WriterCore) recordOffset(off uint64) {
	w.offsets = append(w.offsets, off)
}

// OverwriteInt32 patches the int32 at byte offset pos — previously
// returned by len(w.Bytes()) just before an AppendInt32 placeholder was
// written there — with v. For sentinels and forward references: reserve
// a slot, keep writing, then come back and fill in the real value once
// it's known.
func (w *WriterCore) OverwriteInt32(pos int, v int32) {
	binary.LittleEndian.PutUint32(w.bytes[pos:pos+4], uint32(v))
}

// AppendBool writes a single boolean, 4-byte padded.
func (w *WriterCore) AppendBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	w.appendPadded4([]byte{b})
}

// AppendInt32 writes a little-endian int32, 4-byte padded (i.e. exact fit).
func (w *WriterCore) AppendInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.appendPadded4(b[:])
}

// AppendUint32 writes a little-endian uint32.
func (w *WriterCore) AppendUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.appendPadded4(b[:])
}

// AppendInt64 writes a little-endian int64 (already 8-byte, so also
// 4-byte aligned; no extra padding needed).
func (w *WriterCore) AppendInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.bytes = append(w.bytes, b[:]...)
}

// AppendUint64 writes a little-endian uint64.
func (w *WriterCore) AppendUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.bytes = append(w.bytes, b[:]...)
}

// AppendFloat32 writes an IEEE-754 single, 4-byte padded.
func (w *WriterCore) AppendFloat32(v float32) {
	w.AppendUint32(math.Float32bits(v))
}

// AppendFloat64 writes an IEEE-754 double.
func (w *WriterCore) AppendFloat64(v float64) {
	w.AppendUint64(math.Float64bits(v))
}

// AppendString16 writes a UTF-16LE string the way Java/AIDL expects it: an
// int32 UTF-16 code unit count (-1 for nil), the code units themselves,
// a trailing NUL code unit, all padded to a 4-byte boundary.
func (w *WriterCore) AppendString16(s *string) {
	if s == nil {
		w.AppendInt32(-1)
		return
	}
	units := utf16Encode(*s)
	w.AppendInt32(int32(len(units)))
	buf := make([]byte, 2*(len(units)+1))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	// trailing NUL code unit already zero
	w.appendPadded4(buf)
}

// AppendString8 writes a NUL-terminated byte string, 4-byte padded.
func (w *WriterCore) AppendString8(s string) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	w.appendPadded4(buf)
}

// AppendByteArray writes an int32 length prefix (-1 for nil/empty-as-nil,
// matching the driver's own convention) followed by the raw bytes, padded
// to 4 bytes with 0xFF rather than zero.
//
// The matching reader does NOT skip this trailing padding: gbinder's own
// read_byte_array advances the cursor by exactly the declared length, not
// the padded length. That asymmetry is preserved here deliberately — this
// wire format is what real binder services on the other end of the
// transaction expect, and byte arrays are conventionally the last field a
// caller appends for exactly that reason.
func (w *WriterCore) AppendByteArray(data []byte) {
	if data == nil {
		w.AppendInt32(-1)
		return
	}
	w.AppendInt32(int32(len(data)))
	padded := align4(len(data))
	start := len(w.bytes)
	w.bytes = append(w.bytes, make([]byte, padded)...)
	copy(w.bytes[start:], data)
	for i := len(data); i < padded; i++ {
		w.bytes[start+i] = 0xff
	}
}

// AppendFd appends a flat binder_fd_object wrapping fd. The caller keeps
// ownership; the kernel dups the fd into the receiving process.
func (w *WriterCore) AppendFd(fd int) {
	off := uint64(len(w.bytes))
	buf := make([]byte, iobind.MaxBinderObjectSize)
	n := w.io.EncodeFdObject(buf, fd)
	w.bytes = append(w.bytes, buf[:n]...)
	w.recordOffset(off)
}

// AppendLocalObject appends a flat_binder_object referencing a local
// (server-side) object by its registry pointer. ptr == 0 encodes a weak
// null binder reference.
func (w *WriterCore) AppendLocalObject(ptr uintptr) {
	off := uint64(len(w.bytes))
	buf := make([]byte, iobind.MaxBinderObjectSize)
	n := w.io.EncodeLocalObject(buf, ptr)
	w.bytes = append(w.bytes, buf[:n]...)
	w.recordOffset(off)
}

// AppendRemoteObject appends a flat_binder_object referencing a remote
// object by handle. handle == 0 with ok == false encodes a null reference.
func (w *WriterCore) AppendRemoteObject(handle uint32, ok bool) {
	off := uint64(len(w.bytes))
	buf := make([]byte, iobind.MaxBinderObjectSize)
	var n int
	if ok {
		n = w.io.EncodeRemoteObject(buf, handle)
	} else {
		n = w.io.EncodeRemoteNull(buf)
	}
	w.bytes = append(w.bytes, buf[:n]...)
	w.recordOffset(off)
}

// AppendBufferObject appends a binder_buffer_object pointing at data, with
// an optional parent relationship for nested (HIDL vec/string) encoding.
// Returns the object's index in the offsets table, the value a subsequent
// Parent.Index refers to.
func (w *WriterCore) AppendBufferObject(data []byte, parent *iobind.Parent) int {
	index := len(w.offsets)
	off := uint64(len(w.bytes))
	buf := make([]byte, iobind.MaxBufferObjectSize)
	var ptr uintptr
	if len(data) > 0 {
		ptr = uintptrOfBytes(data)
		w.cleanup.Add(func() { _ = data }) // keep data alive until Release
	}
	n := w.io.EncodeBufferObject(buf, ptr, uint64(len(data)), parent)
	w.bytes = append(w.bytes, buf[:n]...)
	w.recordOffset(off)
	w.buffersSize += align8(uint64(len(data)))
	return index
}

// The HIDL string and vec descriptors that binder_buffer_object points at
// are built as raw byte slices (see AppendHidlString/AppendHidlVec): a
// pointer/length pair the kernel copies verbatim and then fixes up (per
// the buffer object's parent/parent_offset) to point into the receiver's
// own mapped memory. The constants below are the offsets of the
// io.Width()-sized pointer field within those descriptors.
const hidlStringBufferOffset = 0 // offset of "data.str" within GBinderHidlString
const hidlVecBufferOffset = 0    // offset of "data.ptr" within GBinderHidlVec

// AppendHidlString appends a HIDL vec<string>-compatible string: a
// descriptor buffer object (pointer + length) followed by a payload
// buffer object parented at the descriptor's pointer field. A nil s
// encodes the HIDL null string.
func (w *WriterCore) AppendHidlString(s *string) {
	width := w.io.Width()
	desc := make([]byte, 2*width) // {data.str, len} — owns_buffer is local bookkeeping, not wire-relevant
	descIndex := w.AppendBufferObject(desc, nil)

	if s == nil {
		w.AppendBufferObject(nil, &iobind.Parent{Index: uint64(descIndex), Offset: hidlStringBufferOffset})
		return
	}
	payload := append([]byte(*s), 0) // NUL-terminated
	putUintWidth(desc, width, uint64(uintptrOfBytes(payload)))
	putUintWidth(desc[width:], width, uint64(len(*s)))
	w.AppendBufferObject(payload, &iobind.Parent{Index: uint64(descIndex), Offset: hidlStringBufferOffset})
}

// AppendHidlVec appends a HIDL vec<T> of fixed-size elements: a vector
// descriptor buffer object followed by a payload buffer object holding
// count*elemSize raw bytes, parented at the descriptor's data pointer.
func (w *WriterCore) AppendHidlVec(data []byte, count, elemSize int) {
	width := w.io.Width()
	desc := make([]byte, 2*width) // {data.ptr, count} with count packed into a uint32-sized slot below
	descIndex := w.AppendBufferObject(desc, nil)

	total := count * elemSize
	var payload []byte
	if total > 0 {
		payload = data[:total]
		putUintWidth(desc, width, uint64(uintptrOfBytes(payload)))
	}
	binary.LittleEndian.PutUint32(desc[width:], uint32(count))
	w.AppendBufferObject(payload, &iobind.Parent{Index: uint64(descIndex), Offset: hidlVecBufferOffset})
}

// AppendHidlStringVec appends a HIDL vec<string>: a vector descriptor
// buffer object, a payload buffer object holding len(strs) string
// descriptors {data.str, len} parented at the vector descriptor, and
// then each string's own payload buffer object parented at its slot
// within that descriptor array. Like AppendHidlVec, a nil and a
// zero-length strs both encode as a zero-count vec with a null data
// pointer — the wire format has no way to tell the two apart, so
// ReadHidlStringVec always returns the zero-length case as non-nil.
func (w *WriterCore) AppendHidlStringVec(strs []*string) {
	width := w.io.Width()
	vecDesc := make([]byte, 2*width) // {data.ptr, count}
	vecDescIndex := w.AppendBufferObject(vecDesc, nil)

	elemSize := 2 * width
	elemArray := make([]byte, len(strs)*elemSize)
	if len(strs) > 0 {
		putUintWidth(vecDesc, width, uint64(uintptrOfBytes(elemArray)))
	}
	binary.LittleEndian.PutUint32(vecDesc[width:], uint32(len(strs)))
	arrayIndex := w.AppendBufferObject(elemArray, &iobind.Parent{Index: uint64(vecDescIndex), Offset: hidlVecBufferOffset})

	for i, s := range strs {
		slot := i * elemSize
		if s == nil {
			w.AppendBufferObject(nil, &iobind.Parent{Index: uint64(arrayIndex), Offset: uint64(slot)})
			continue
		}
		payload := append([]byte(*s), 0) // NUL-terminated
		putUintWidth(elemArray[slot:], width, uint64(uintptrOfBytes(payload)))
		putUintWidth(elemArray[slot+width:], width, uint64(len(*s)))
		w.AppendBufferObject(payload, &iobind.Parent{Index: uint64(arrayIndex), Offset: uint64(slot)})
	}
}

func putUintWidth(b []byte, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(b, v)
	}
}
