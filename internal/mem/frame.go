package mem

import (
	"fmt"
	"sync"
)

/// Page is a 4 KiB page of bytes. It is the unit the frame allocator hands
/// out and the page-table engine maps.
type Page [PGSIZE]byte

// pageArena backs every Page this kernel ever allocates. Real hardware
// would simply have physical RAM at these addresses; running hosted on the
// Go runtime, "physical memory" is this arena, and a PA is an index into
// it rather than a bus address (see package doc in addr.go).
type pageArena struct {
	pages []Page
}

func (a *pageArena) at(n PPN) *Page {
	if int(n) >= len(a.pages) {
		panic("ppn out of range of physical memory")
	}
	return &a.pages[n]
}

/// Allocator is the frame allocator's state: a stack/free-list allocator
/// handing out ascending pages until exhausted, then reusing freed
/// frames LIFO.
type Allocator struct {
	mu sync.Mutex

	arena *pageArena

	// nextn is the next never-yet-allocated PPN; frames below it that are
	// not currently out on loan sit on the LIFO freelist instead.
	nextn  PPN
	lastn  PPN
	free   []PPN
	outnow map[PPN]bool
}

/// Physmem is the global frame allocator, initialized by Init.
var Physmem = &Allocator{}

/// Init reserves npages contiguous 4 KiB pages starting at PPN 0 as the
/// pool the frame allocator hands out — the [ekernel, end) range a real
/// boot path would carve out after the kernel image.
func Init(npages int) {
	Physmem.mu.Lock()
	defer Physmem.mu.Unlock()
	Physmem.arena = &pageArena{pages: make([]Page, npages)}
	Physmem.nextn = 0
	Physmem.lastn = PPN(npages)
	Physmem.outnow = make(map[PPN]bool, npages)
	fmt.Printf("Reserved %v pages (%vKB)\n", npages, npages*PGSIZE/1024)
}

/// Frame is an owned physical page. It is RAII: Free (or letting a Frame's
/// owner drop it via the address space/region teardown path) returns the
/// page to the allocator exactly once. A Frame whose Free has already run
/// must never be used again.
type Frame struct {
	ppn  PPN
	live bool
}

/// PPN returns the physical page number this frame owns.
func (f *Frame) PPN() PPN { return f.ppn }

/// PA returns the physical address of the start of this frame.
func (f *Frame) PA() PA { return f.ppn.PA() }

/// Bytes returns the frame's backing page for direct manipulation.
func (f *Frame) Bytes() *Page { return Physmem.arena.at(f.ppn) }

/// Alloc hands out one zeroed frame, or ok=false if the allocator is
/// exhausted.
func (a *Allocator) Alloc() (*Frame, bool) {
	ppn, ok := a.allocPPN()
	if !ok {
		return nil, false
	}
	pg := a.arena.at(ppn)
	*pg = Page{}
	return &Frame{ppn: ppn, live: true}, true
}

/// AllocNoZero is like Alloc but skips zeroing, for callers about to
/// overwrite the entire page anyway (e.g. a fork copy).
func (a *Allocator) AllocNoZero() (*Frame, bool) {
	ppn, ok := a.allocPPN()
	if !ok {
		return nil, false
	}
	return &Frame{ppn: ppn, live: true}, true
}

func (a *Allocator) allocPPN() (PPN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		ppn := a.free[n-1]
		a.free = a.free[:n-1]
		a.outnow[ppn] = true
		return ppn, true
	}
	if a.nextn >= a.lastn {
		return 0, false
	}
	ppn := a.nextn
	a.nextn++
	a.outnow[ppn] = true
	return ppn, true
}

/// Free returns the frame to the allocator. Calling Free twice on the
/// same Frame, or freeing a PPN the allocator did not hand out, is a
/// kernel invariant violation: it panics rather than silently corrupting
/// the freelist.
func (f *Frame) Free() {
	if !f.live {
		panic("double free of frame")
	}
	f.live = false
	Physmem.dealloc(f.ppn)
}

func (a *Allocator) dealloc(ppn PPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.outnow[ppn] {
		panic("dealloc of frame not currently allocated")
	}
	delete(a.outnow, ppn)
	a.free = append(a.free, ppn)
}

/// Dmap returns a slice over the bytes of the physical page containing
/// a, starting at a's offset within that page. This is the "direct map":
/// with the kernel's identity mapping, every physical address is always
/// addressable with no page-table walk.
func Dmap(a PA) []byte {
	ppn := PPNOf(a)
	pg := Physmem.arena.at(ppn)
	off := uint64(a) & uint64(PGSIZE-1)
	return pg[off:]
}

/// Avail reports the number of never-allocated pages remaining plus the
/// number of freed pages available for reuse.
func (a *Allocator) Avail() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.lastn-a.nextn) + len(a.free)
}
