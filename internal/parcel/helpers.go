package parcel

import "unsafe"

// uintptrOfBytes returns the address of a byte slice's backing array. The
// slice must be kept referenced (see WriterCore's cleanup list) for as
// long as anything holds this address, since nothing else pins it.
func uintptrOfBytes(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// utf16Encode converts a Go string to UTF-16 code units, the representation
// AIDL/Java string16 fields use on the wire.
func utf16Encode(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xffff {
			out = append(out, uint16(r))
			continue
		}
		r -= 0x10000
		out = append(out, uint16(0xd800+(r>>10)), uint16(0xdc00+(r&0x3ff)))
	}
	return out
}

// utf16Decode converts UTF-16 code units back to a Go string.
func utf16Decode(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xd800 && u <= 0xdbff && i+1 < len(units) {
			u2 := units[i+1]
			if u2 >= 0xdc00 && u2 <= 0xdfff {
				runes = append(runes, rune(0x10000+(int(u)-0xd800)<<10+(int(u2)-0xdc00)))
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}
