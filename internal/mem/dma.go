package mem

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

// DMAAllocator hands out contiguous page ranges for device buffers (the
// virtio-style console/block rings) out of a pool separate from the
// regular frame allocator. Since this kernel has no real bus-addressable
// RAM, the DMA pool is a second same-process pageArena: what a fixed
// physical window would provide on hardware comes from carving out a
// second arena up front.
type DMAAllocator struct {
	arena *pageArena
	base  PPN
	npg   int

	// sem bounds the number of pages concurrently on loan so that a
	// runaway device driver cannot starve the rest of the DMA pool; its
	// weight equals the pool's total page count.
	sem *semaphore.Weighted

	mu    sync.Mutex
	used  []bool
	nfree int
}

/// NewDMAAllocator reserves npages contiguous pages for DMA use, disjoint
/// from the regular frame allocator's pool.
func NewDMAAllocator(npages int) *DMAAllocator {
	return &DMAAllocator{
		arena: &pageArena{pages: make([]Page, npages)},
		npg:   npages,
		sem:   semaphore.NewWeighted(int64(npages)),
		used:  make([]bool, npages),
		nfree: npages,
	}
}

/// DMARegion is a contiguous run of pages on loan from a DMAAllocator.
type DMARegion struct {
	a     *DMAAllocator
	start int
	n     int
}

/// PA returns the physical address of the start of the region.
func (r *DMARegion) PA() PA { return PPN(r.start).PA() }

/// Bytes returns the region's backing pages as one contiguous byte slice.
func (r *DMARegion) Bytes() []byte {
	out := make([]byte, 0, r.n*PGSIZE)
	for i := 0; i < r.n; i++ {
		pg := r.a.arena.at(PPN(r.start + i))
		out = append(out, pg[:]...)
	}
	return out
}

// findRun scans for n contiguous free pages. The DMA pool is small and
// device rings are short-lived, so a linear bitmap scan under the lock
// beats a buddy allocator's bookkeeping.
func (a *DMAAllocator) findRun(n int) (int, bool) {
	run := 0
	for i, u := range a.used {
		if u {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

/// Alloc reserves n contiguous DMA pages, retrying with exponential
/// backoff while the pool is merely contended (another device's transfer
/// still in flight) rather than failing on the first collision, and
/// giving up once ctx is done or the pool is fragmented past recovery.
func (a *DMAAllocator) Alloc(ctx context.Context, n int) (*DMARegion, error) {
	if err := a.sem.Acquire(ctx, int64(n)); err != nil {
		return nil, err
	}
	op := func() (*DMARegion, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		start, ok := a.findRun(n)
		if !ok {
			return nil, &backoff.RetryAfterError{Duration: time.Millisecond}
		}
		for i := start; i < start+n; i++ {
			a.used[i] = true
		}
		a.nfree -= n
		return &DMARegion{a: a, start: start, n: n}, nil
	}
	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	if err != nil {
		a.sem.Release(int64(n))
		return nil, err
	}
	return r, nil
}

/// Free returns a DMA region to the pool.
func (r *DMARegion) Free() {
	a := r.a
	a.mu.Lock()
	for i := r.start; i < r.start+r.n; i++ {
		if !a.used[i] {
			a.mu.Unlock()
			panic("double free of dma region")
		}
		a.used[i] = false
	}
	a.nfree += r.n
	a.mu.Unlock()
	a.sem.Release(int64(r.n))
}
