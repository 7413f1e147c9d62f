package binder

import "testing"

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in, want int32
	}{
		{0, 0},
		{-11, -14},
		{-1, -14},
		{-32, -14},
		{-5, -5},
	}
	for _, c := range cases {
		if got := normalizeStatus(c.in); got != c.want {
			t.Errorf("normalizeStatus(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTxDataSize(t *testing.T) {
	if got := txDataSize(4); got != 40 {
		t.Errorf("txDataSize(4) = %d, want 40", got)
	}
	if got := txDataSize(8); got != 64 {
		t.Errorf("txDataSize(8) = %d, want 64", got)
	}
}

func TestGetUint32And64At(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if got := getUint32At(buf); got != 0x04030201 {
		t.Errorf("getUint32At = 0x%x, want 0x04030201", got)
	}
	if got := getUint64At(buf); got != 0x0807060504030201 {
		t.Errorf("getUint64At = 0x%x, want 0x0807060504030201", got)
	}
}

func TestPutUint32AtRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	putUint32At(buf, 0xdeadbeef)
	if got := getUint32At(buf); got != 0xdeadbeef {
		t.Errorf("round trip = 0x%x, want 0xdeadbeef", got)
	}
}

func TestWritePtrRoundTrip(t *testing.T) {
	buf32 := make([]byte, 4)
	writePtr(buf32, 4, 0x11223344)
	if got := getUint32At(buf32); got != 0x11223344 {
		t.Errorf("32-bit round trip = 0x%x", got)
	}

	buf64 := make([]byte, 8)
	writePtr(buf64, 8, 0x1122334455667788)
	if got := getUint64At(buf64); got != 0x1122334455667788 {
		t.Errorf("64-bit round trip = 0x%x", got)
	}
}
