package parcel

import "sync"

// Parcel payloads under 4KB are common (most transactions are small
// argument lists) and allocating fresh for every transaction pressures the
// GC under sustained load. Buffers above bufPoolMaxSize are allocated
// individually instead of pooled, the same cutoff reasoning the
// teacher's queue.BufferPool applies to its largest bucket.
const bufPoolMaxSize = 256 * 1024

var bufPools = []struct {
	size int
	pool *sync.Pool
}{
	{size: 4 * 1024, pool: &sync.Pool{}},
	{size: 16 * 1024, pool: &sync.Pool{}},
	{size: 64 * 1024, pool: &sync.Pool{}},
	{size: 256 * 1024, pool: &sync.Pool{}},
}

func init() {
	for i := range bufPools {
		size := bufPools[i].size
		bufPools[i].pool.New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
}

// getBuffer returns a byte slice of length size, borrowed from the
// smallest pool bucket that fits it, or freshly allocated if size exceeds
// every bucket.
func getBuffer(size int) []byte {
	for _, bucket := range bufPools {
		if size <= bucket.size {
			bp := bucket.pool.Get().(*[]byte)
			return (*bp)[:size]
		}
	}
	return make([]byte, size)
}

// putBuffer returns a buffer obtained from getBuffer to its pool. Buffers
// larger than the biggest bucket are left for the GC.
func putBuffer(buf []byte) {
	c := cap(buf)
	for _, bucket := range bufPools {
		if c == bucket.size {
			b := buf[:c]
			bucket.pool.Put(&b)
			return
		}
	}
}
