package ops

import (
	"sync"
	"sync/atomic"
)

// convWorkers is the default goroutine count for Conv2D when the caller
// passes Workers == 0. Values <= 1 mean sequential.
var convWorkers atomic.Int32

// SetConvWorkers sets the default worker count used by Conv2D.
// n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	n = min(max(n, 0), maxInt32)

	convWorkers.Store(int32(n))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

// scratchPools is a size-class pool for reusable im2col buffers.
// Size classes are powers of two from 2^10 to 2^26 floats.
var scratchPools [17]sync.Pool

// getScratch returns a zeroed []float32 of exactly n elements.
// The caller must call putScratch when done.
func getScratch(n int) []float32 {
	cls := scratchClass(n)

	sz := 1 << (cls + 10)
	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		buf, ok := v.([]float32)
		if !ok {
			return make([]float32, n)
		}

		buf = buf[:n]
		clear(buf)

		return buf
	}

	return make([]float32, sz)[:n]
}

// putScratch returns a buffer obtained from getScratch to its pool.
// Oversized buffers are dropped.
func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) < c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}

func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	bits := 0

	for v := n - 1; v > 0; v >>= 1 {
		bits++
	}

	return min(max(bits-10, 0), 16)
}
