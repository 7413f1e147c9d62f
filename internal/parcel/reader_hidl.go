package parcel

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-binder/internal/iobind"
)

// Resolver turns a binder_buffer_object's raw data pointer/size into an
// actual byte slice. A real Driver resolves it against its mmap'd receive
// region (addr - mmapBase); the in-process loopback double used for tests
// can resolve it by reconstructing the slice directly, since in that case
// the "kernel" never actually copied anything — sender and receiver share
// the same address space.
type Resolver func(addr, size uint64) []byte

const (
	hidlStringBufferSize = 2 // in units of the pointer width: {data.str, len}
	hidlVecBufferSize    = 2 // {data.ptr, count+padding}
)

// ReadHidlString reads a HIDL string: a descriptor buffer object (pointer
// + length) followed by a payload buffer object parented at the
// descriptor's pointer field. Returns nil for the HIDL null-string case
// (payload buffer object present with a zero pointer and zero size).
//
// Mirrors gbinder_reader_read_hidl_string's validation: the payload
// object must declare has_parent with parent_offset equal to the
// descriptor's "data.str" field offset (0, the struct's first field), and
// its advertised size must be len+1 (the NUL terminator is part of the
// wire length).
func (r *ReaderCore) ReadHidlString(resolve Resolver) (*string, error) {
	descOff, ok := r.canReadObject()
	if !ok {
		return nil, ErrShortRead
	}
	desc, ok := r.io.DecodeBufferObject(r.data, int(descOff))
	if !ok || int(desc.Size) != hidlStringBufferSize*r.io.Width() {
		return nil, ErrShortRead
	}
	descIndex := r.objectIndex(descOff)
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	payloadOff, ok := r.canReadObject()
	if !ok {
		return nil, ErrShortRead
	}
	payload, ok := r.io.DecodeBufferObject(r.data, int(payloadOff))
	if !ok || !payload.HasParent || int64(payload.ParentOffset) != 0 {
		return nil, ErrShortRead
	}
	_ = descIndex
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	if payload.Data == 0 && payload.Size == 0 {
		return nil, nil
	}
	width := r.io.Width()
	descBytes := resolve(desc.Data, desc.Size)
	if len(descBytes) < 2*width {
		return nil, ErrShortRead
	}
	strLen := uint64(binary.LittleEndian.Uint32(descBytes[width:]))
	if width == 8 {
		strLen = binary.LittleEndian.Uint64(descBytes[width:])
	}
	if payload.Size != strLen+1 {
		return nil, ErrShortRead
	}
	raw := resolve(payload.Data, payload.Size)
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return nil, ErrShortRead
	}
	s := string(raw[:len(raw)-1])
	return &s, nil
}

// ReadHidlVec reads a HIDL vec<T> of fixed-size elements: a vector
// descriptor buffer object (pointer + count) followed by a payload buffer
// object of count*elemSize bytes, parented at the descriptor's pointer
// field. An empty vector with a null data pointer is valid and returns a
// non-nil, zero-length slice.
func (r *ReaderCore) ReadHidlVec(elemSize int, resolve Resolver) ([]byte, int, error) {
	descOff, ok := r.canReadObject()
	if !ok {
		return nil, 0, ErrShortRead
	}
	desc, ok := r.io.DecodeBufferObject(r.data, int(descOff))
	if !ok {
		return nil, 0, ErrShortRead
	}
	descBytes := resolve(desc.Data, desc.Size)
	if len(descBytes) < 4 {
		return nil, 0, ErrShortRead
	}
	count := int(int32(binary.LittleEndian.Uint32(descBytes[r.io.Width():])))
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	payloadOff, ok := r.canReadObject()
	if !ok {
		return nil, 0, ErrShortRead
	}
	payload, ok := r.io.DecodeBufferObject(r.data, int(payloadOff))
	if !ok || !payload.HasParent {
		return nil, 0, ErrShortRead
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	// count <= 0 covers both a genuine zero-length vec and the -1
	// null-vec convention AppendHidlVec uses (total = count*elemSize
	// never exceeds 0, so it never wrote a payload pointer either).
	if count <= 0 && payload.Data == 0 && payload.Size == 0 {
		return []byte{}, 0, nil
	}
	if int(payload.Size) != count*elemSize {
		return nil, 0, ErrShortRead
	}
	return resolve(payload.Data, payload.Size), count, nil
}

// ReadHidlStringVec reads a HIDL vec<string>: a vector descriptor buffer
// object, a payload buffer object of count string descriptors parented at
// the vector descriptor, then each element's own HIDL string payload
// parented at its slot within that descriptor array. Mirrors
// AppendHidlStringVec's layout the way ReadHidlVec mirrors AppendHidlVec.
// A zero-count vec decodes as a non-nil, zero-length slice — the wire
// format has no distinct null-vec encoding, same as ReadHidlVec.
func (r *ReaderCore) ReadHidlStringVec(resolve Resolver) ([]*string, error) {
	descOff, ok := r.canReadObject()
	if !ok {
		return nil, ErrShortRead
	}
	desc, ok := r.io.DecodeBufferObject(r.data, int(descOff))
	if !ok {
		return nil, ErrShortRead
	}
	width := r.io.Width()
	descBytes := resolve(desc.Data, desc.Size)
	count := 0
	if len(descBytes) >= width+4 {
		count = int(binary.LittleEndian.Uint32(descBytes[width:]))
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	arrayOff, ok := r.canReadObject()
	if !ok {
		return nil, ErrShortRead
	}
	array, ok := r.io.DecodeBufferObject(r.data, int(arrayOff))
	if !ok || !array.HasParent || int64(array.ParentOffset) != hidlVecBufferOffset {
		return nil, ErrShortRead
	}
	r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

	elemSize := 2 * width
	if count == 0 {
		return []*string{}, nil
	}
	if int(array.Size) != count*elemSize {
		return nil, ErrShortRead
	}

	out := make([]*string, count)
	for i := range out {
		payloadOff, ok := r.canReadObject()
		if !ok {
			return nil, ErrShortRead
		}
		payload, ok := r.io.DecodeBufferObject(r.data, int(payloadOff))
		if !ok || !payload.HasParent || int(payload.ParentOffset) != i*elemSize {
			return nil, ErrShortRead
		}
		r.pos += r.io.ObjectSize(iobind.BinderTypePtr)

		if payload.Data == 0 && payload.Size == 0 {
			continue // null element string
		}
		raw := resolve(payload.Data, payload.Size)
		if len(raw) == 0 || raw[len(raw)-1] != 0 {
			return nil, ErrShortRead
		}
		s := string(raw[:len(raw)-1])
		out[i] = &s
	}
	return out, nil
}

func (r *ReaderCore) objectIndex(off uint64) int {
	for i, o := range r.objects {
		if o == off {
			return i
		}
	}
	return -1
}
