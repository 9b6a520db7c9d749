// Package kheap serves the kernel's own dynamic allocations: objects
// too small or too short-lived to deserve a whole frame from
// internal/mem (trap contexts, region bookkeeping, syscall argument
// scratch). Hosted on a garbage-collected runtime the heap could be bare
// allocation; this thin, size-classed wrapper over sync.Pool adds the
// one thing bare allocation doesn't, a running byte count that can be
// charged against a quota.
package kheap

import "sync"

// Size classes chosen to cover the kernel's actual allocation shapes: a
// trap context (33 words + header, rounds to 512B), a region bookkeeping
// struct, and a syscall scratch buffer (4 KiB, one page).
const (
	class512  = 512
	class2048 = 2048
	class4096 = 4096
)

var pools = []struct {
	size int
	pool *sync.Pool
}{
	{class512, &sync.Pool{New: func() interface{} { return make([]byte, class512) }}},
	{class2048, &sync.Pool{New: func() interface{} { return make([]byte, class2048) }}},
	{class4096, &sync.Pool{New: func() interface{} { return make([]byte, class4096) }}},
}

var live int64

/// Live returns the number of bytes currently checked out of the kernel
/// heap, for internal/limits to charge against a process's quota.
func Live() int64 { return live }

/// Alloc returns a zeroed byte slice of at least n bytes from the smallest
/// fitting size class, falling back to a one-off allocation for oversized
/// requests.
func Alloc(n int) []byte {
	for _, c := range pools {
		if n <= c.size {
			buf := c.pool.Get().([]byte)[:c.size]
			for i := range buf {
				buf[i] = 0
			}
			live += int64(c.size)
			return buf[:n]
		}
	}
	live += int64(n)
	return make([]byte, n)
}

/// Free returns buf to its size class's pool. buf must have been obtained
/// from Alloc at its original, unsliced capacity class; callers that
/// resliced it must pass buf[:cap(buf)].
func Free(buf []byte) {
	c := cap(buf)
	live -= int64(c)
	for _, p := range pools {
		if c == p.size {
			p.pool.Put(buf[:c])
			return
		}
	}
}
