package iobind

import "unsafe"

// Detect queries BINDER_VERSION on fd and returns the matching Io. The
// driver's reported protocol version doesn't vary with pointer width, so
// width is inferred the same way gbinder does: native width on the arch
// this binary was built for, since a cross-width client/kernel pairing
// isn't supported by the driver in the first place.
func Detect(fd int) (Io, int32, error) {
	var v BinderVersion
	if err := systemIoctl(fd, BinderVersionIoctl(), uintptr(unsafe.Pointer(&v))); err != nil {
		return nil, 0, err
	}
	if unsafe.Sizeof(uintptr(0)) == 4 {
		return Io32, v.ProtocolVersion, nil
	}
	return Io64, v.ProtocolVersion, nil
}
