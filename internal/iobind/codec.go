package iobind

// codec implements Io for one pointer width. gbinder_io.c is compiled twice
// (gbinder_io_32.c / gbinder_io_64.c) with a macro prefix selecting the
// width; here the same function bodies are written once and parameterized
// by the width field instead.
type codec struct {
	width int
	cmd   CommandCodes
	ret   ReturnCodes
}

// Io32 is the wire codec for a 32-bit kernel (binder_uintptr_t == uint32).
var Io32 Io = &codec{width: 4, cmd: CommandCodes32, ret: ReturnCodes32}

// Io64 is the wire codec for a 64-bit kernel (binder_uintptr_t == uint64).
var Io64 Io = &codec{width: 8, cmd: CommandCodes64, ret: ReturnCodes64}

func (c *codec) Width() int               { return c.width }
func (c *codec) Commands() CommandCodes   { return c.cmd }
func (c *codec) Returns() ReturnCodes     { return c.ret }
func (c *codec) WriteReadIoctl() uint32   { return BinderWriteReadIoctl(c.width) }

func (c *codec) flatObjectSize() int {
	// flat_binder_object: 4 (hdr) + 4 (flags) + width (binder/handle) + width (cookie)
	return 8 + 2*c.width
}

func (c *codec) bufferObjectSize() int {
	// binder_buffer_object: 4 (hdr) + 4 (flags) + 4*width (buffer/length/parent/parent_offset)
	return 8 + 4*c.width
}

func (c *codec) ObjectSize(objType uint32) int {
	switch objType {
	case BinderTypeBinder, BinderTypeWeakBinder, BinderTypeHandle, BinderTypeWeakHandle:
		return c.flatObjectSize()
	case BinderTypeFd:
		return c.flatObjectSize()
	case BinderTypeFda:
		// binder_fd_array_object: 4 (hdr), then num_fds/parent/parent_offset
		// at width each. The 64-bit layout needs a 4-byte alignment pad
		// before those fields; the 32-bit one doesn't.
		return c.fdaHeaderSize() + 3*c.width
	case BinderTypePtr:
		return c.bufferObjectSize()
	}
	return 0
}

func (c *codec) ObjectDataSize(objType uint32, obj []byte) int {
	switch objType {
	case BinderTypePtr:
		// length field sits right after hdr+flags
		return int(getUintW(obj[8:], c.width))
	case BinderTypeFda:
		numFds := getUintW(obj[c.fdaHeaderSize():], c.width)
		return int(numFds) * 4
	}
	return 0
}

// fdaHeaderSize is the number of bytes before num_fds in
// binder_fd_array_object: just the type header on a 32-bit kernel, plus a
// 4-byte alignment pad on a 64-bit one (num_fds is a binder_size_t and
// must land on an 8-byte boundary).
func (c *codec) fdaHeaderSize() int {
	if c.width == 8 {
		return 8
	}
	return 4
}

func (c *codec) encodeFlatHeader(out []byte, objType, flags uint32) {
	putUint32(out[0:4], objType)
	putUint32(out[4:8], flags)
}

func (c *codec) EncodeLocalObject(out []byte, ptr uintptr) int {
	zero(out[:c.flatObjectSize()])
	if ptr != 0 {
		c.encodeFlatHeader(out, BinderTypeBinder, 0x7f|FlatBinderFlagAcceptsFds)
		putUintW(out[8:], c.width, uint64(ptr))
	} else {
		c.encodeFlatHeader(out, BinderTypeWeakBinder, 0)
	}
	return c.flatObjectSize()
}

func (c *codec) EncodeWeakLocalObject(out []byte) int {
	zero(out[:c.flatObjectSize()])
	c.encodeFlatHeader(out, BinderTypeWeakBinder, 0)
	return c.flatObjectSize()
}

func (c *codec) EncodeRemoteObject(out []byte, handle uint32) int {
	zero(out[:c.flatObjectSize()])
	c.encodeFlatHeader(out, BinderTypeHandle, FlatBinderFlagAcceptsFds)
	putUintW(out[8:], c.width, uint64(handle))
	return c.flatObjectSize()
}

func (c *codec) EncodeRemoteNull(out []byte) int {
	zero(out[:c.flatObjectSize()])
	c.encodeFlatHeader(out, BinderTypeBinder, 0)
	return c.flatObjectSize()
}

func (c *codec) EncodeFdObject(out []byte, fd int) int {
	zero(out[:c.flatObjectSize()])
	c.encodeFlatHeader(out, BinderTypeFd, 0x7f|FlatBinderFlagAcceptsFds)
	putUintW(out[8:], c.width, uint64(uint32(fd)))
	return c.flatObjectSize()
}

func (c *codec) EncodeBufferObject(out []byte, data uintptr, size uint64, parent *Parent) int {
	n := c.bufferObjectSize()
	zero(out[:n])
	var flags uint32
	putUint32(out[0:4], BinderTypePtr)
	putUintW(out[8:], c.width, uint64(data))
	putUintW(out[8+c.width:], c.width, size)
	if parent != nil {
		flags |= BinderBufferFlagHasParent
		putUintW(out[8+2*c.width:], c.width, parent.Index)
		putUintW(out[8+3*c.width:], c.width, parent.Offset)
	}
	putUint32(out[4:8], flags)
	return n
}

func (c *codec) EncodeHandleCookie(out []byte, handle uint32, cookie uint64) int {
	putUint32(out[0:4], handle)
	// 4 bytes of alignment padding before the width-sized cookie field,
	// matching struct binder_handle_cookie's layout on a 64-bit kernel;
	// on 32-bit there is no gap.
	cookieOff := 4
	if c.width == 8 {
		cookieOff = 8
	}
	putUintW(out[cookieOff:], c.width, cookie)
	return cookieOff + c.width
}

func (c *codec) EncodePtrCookie(out []byte, ptr uintptr, cookie uint64) int {
	putUintW(out[0:], c.width, uint64(ptr))
	putUintW(out[c.width:], c.width, cookie)
	return 2 * c.width
}

// txDataSize is sizeof(struct binder_transaction_data) for this width.
func (c *codec) txDataSize() int {
	// target(width) + cookie(width) + code(4) + flags(4) + pid(4) + euid(4)
	// + data_size(width) + offsets_size(width) + data.ptr.buffer(width)
	// + data.ptr.offsets(width)
	return 16 + 6*c.width
}

func (c *codec) fillTransactionData(out []byte, handle, code uint32, payload []byte, flags uint32, offsets []uint64, offsetsBuf []byte) {
	zero(out[:c.txDataSize()])
	w := c.width
	putUintW(out[0:], w, uint64(handle)) // target.handle (low bytes of the union)
	// out[w:2w] is cookie, left zero
	putUint32(out[2*w:2*w+4], code)
	putUint32(out[2*w+4:2*w+8], flags)
	// sender_pid/sender_euid (out[2w+8:2w+16]) are filled in by the driver
	dataSizeOff := 2*w + 16
	putUintW(out[dataSizeOff:], w, uint64(len(payload)))
	offsetsSizeOff := dataSizeOff + w
	bufferOff := offsetsSizeOff + w
	offsetsPtrOff := bufferOff + w
	if len(payload) > 0 {
		putUintW(out[bufferOff:], w, uint64(uintptrOf(payload)))
	}
	if len(offsets) > 0 {
		putUintW(out[offsetsSizeOff:], w, uint64(len(offsets)*c.width))
		for i, off := range offsets {
			putUintW(offsetsBuf[i*c.width:], w, off)
		}
		putUintW(out[offsetsPtrOff:], w, uint64(uintptrOf(offsetsBuf)))
	}
}

func (c *codec) EncodeTransaction(out []byte, handle, code uint32, payload []byte, oneway bool, offsets []uint64, offsetsBuf []byte) int {
	flags := uint32(TfAcceptFds)
	if oneway {
		flags |= TfOneWay
	}
	c.fillTransactionData(out, handle, code, payload, flags, offsets, offsetsBuf)
	return c.txDataSize()
}

func (c *codec) EncodeTransactionSG(out []byte, handle, code uint32, payload []byte, oneway bool, offsets []uint64, offsetsBuf []byte, buffersSize uint64) int {
	c.EncodeTransaction(out, handle, code, payload, oneway, offsets, offsetsBuf)
	aligned := (buffersSize + 7) &^ 7 // G_ALIGN8: driver requires 8-byte alignment
	putUintW(out[c.txDataSize():], c.width, aligned)
	return c.txDataSize() + c.width
}

func (c *codec) EncodeReply(out []byte, handle, code uint32, payload []byte, offsets []uint64, offsetsBuf []byte) int {
	c.fillTransactionData(out, handle, code, payload, 0, offsets, offsetsBuf)
	return c.txDataSize()
}

func (c *codec) EncodeReplySG(out []byte, handle, code uint32, payload []byte, offsets []uint64, offsetsBuf []byte, buffersSize uint64) int {
	c.EncodeReply(out, handle, code, payload, offsets, offsetsBuf)
	aligned := (buffersSize + 7) &^ 7
	putUintW(out[c.txDataSize():], c.width, aligned)
	return c.txDataSize() + c.width
}

func (c *codec) EncodeStatusReply(out []byte, status int32) int {
	zero(out[:c.txDataSize()])
	w := c.width
	putUint32(out[2*w+4:2*w+8], TfStatusCode)
	dataSizeOff := 2*w + 16
	bufferOff := dataSizeOff + 2*w
	putUintW(out[dataSizeOff:], w, 4)
	statusBuf := make([]byte, 4)
	putUint32(statusBuf, uint32(status))
	putUintW(out[bufferOff:], w, uint64(uintptrOf(statusBuf)))
	return c.txDataSize()
}

func (c *codec) DecodeTransactionData(data []byte) TxData {
	w := c.width
	var tx TxData
	tx.Code = getUint32(data[2*w : 2*w+4])
	flagsRaw := getUint32(data[2*w+4 : 2*w+8])
	tx.Pid = int32(getUint32(data[2*w+8 : 2*w+12]))
	tx.Euid = getUint32(data[2*w+12 : 2*w+16])
	tx.Target = getUintW(data[0:], w)

	dataSizeOff := 2*w + 16
	offsetsSizeOff := dataSizeOff + w
	bufferOff := offsetsSizeOff + w
	offsetsPtrOff := bufferOff + w

	if flagsRaw&TfStatusCode != 0 {
		// The status is the 4-byte payload itself, inline at data.ptr.buffer's
		// address; the caller resolves that address through the mmap region
		// the same way it would for a normal payload.
		tx.Status = 0
		tx.DataPtr = getUintW(data[bufferOff:], w)
		tx.DataSize = 4
		return tx
	}

	tx.Status = 0 // GBINDER_STATUS_OK
	if flagsRaw&TfOneWay != 0 {
		tx.Flags |= TfOneWay
	}
	tx.DataSize = getUintW(data[dataSizeOff:], w)
	tx.OffsetsSize = getUintW(data[offsetsSizeOff:], w)
	tx.DataPtr = getUintW(data[bufferOff:], w)
	tx.OffsetsPtr = getUintW(data[offsetsPtrOff:], w)
	return tx
}

func (c *codec) DecodeCookie(data []byte) uint64 {
	return getUintW(data, c.width)
}

func (c *codec) DecodePtrCookie(data []byte) uintptr {
	return uintptr(getUintW(data, c.width))
}

func (c *codec) DecodeBinderHandle(obj []byte) (uint32, bool) {
	if len(obj) < c.flatObjectSize() {
		return 0, false
	}
	if getUint32(obj[0:4]) != BinderTypeHandle {
		return 0, false
	}
	return uint32(getUintW(obj[8:], c.width)), true
}

func (c *codec) DecodeBufferObject(bufData []byte, offset int) (BufferObjectInfo, bool) {
	if offset >= len(bufData) {
		return BufferObjectInfo{}, false
	}
	data := bufData[offset:]
	n := c.bufferObjectSize()
	if len(data) < n || getUint32(data[0:4]) != BinderTypePtr {
		return BufferObjectInfo{}, false
	}
	flags := getUint32(data[4:8])
	return BufferObjectInfo{
		Data:         getUintW(data[8:], c.width),
		Size:         getUintW(data[8+c.width:], c.width),
		ParentOffset: getUintW(data[8+3*c.width:], c.width),
		HasParent:    flags&BinderBufferFlagHasParent != 0,
	}, true
}

func (c *codec) DecodeFdObject(obj []byte) (int, bool) {
	if len(obj) < c.flatObjectSize() {
		return -1, false
	}
	if getUint32(obj[0:4]) != BinderTypeFd {
		return -1, false
	}
	return int(int32(getUintW(obj[8:], c.width))), true
}

func (c *codec) WriteRead(fd int, write []byte, writeConsumed *int, read []byte, readConsumed *int) error {
	if c.width == 4 {
		return writeRead32(fd, write, writeConsumed, read, readConsumed)
	}
	return writeRead64(fd, write, writeConsumed, read, readConsumed)
}
