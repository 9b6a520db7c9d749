// Package vm implements the address-space model and the user-buffer
// translator: named regions over internal/pgtbl's three-level table,
// the identity-mapped kernel space, per-process dynamically-mapped user
// spaces, ELF loading, and fork's deep copy. There is no copy-on-write:
// fork duplicates every frame byte for byte.
package vm

import (
	"debug/elf"
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/bounds"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/pgtbl"
	"github.com/biscuit-kernel/sv39kernel/internal/res"
)

// Fixed region names; per-tid and per-phdr names are constructed at
// runtime.
const (
	RegionTrapText = "trap_text"
	RegionFrameBuf = "framebuffer"
)

func RegionTrapContext(tid defs.Tid_t) string { return "trap_context." + itoa(tid) }
func RegionUserStack(tid defs.Tid_t) string   { return "usr_stack." + itoa(tid) }
func RegionPhdr(idx int) string { return "phdr." + itoa(defs.Tid_t(idx)) }

func itoa(v defs.Tid_t) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Perm is the region permission set R/W/X/U.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermU
)

func (p Perm) flags() pgtbl.Flag {
	var f pgtbl.Flag
	if p&PermR != 0 {
		f |= pgtbl.R
	}
	if p&PermW != 0 {
		f |= pgtbl.W
	}
	if p&PermX != 0 {
		f |= pgtbl.X
	}
	if p&PermU != 0 {
		f |= pgtbl.U
	}
	return f
}

/// VRange is a half-open virtual address range [Lo, Hi).
type VRange struct {
	Lo, Hi mem.VA
}

func (r VRange) empty() bool    { return r.Hi <= r.Lo }
func (r VRange) overlaps(o VRange) bool {
	return r.Lo < o.Hi && o.Lo < r.Hi
}

// region is one named mapping within an address space: either an identity
// region (VA==PA, kernel table only) or a framed region owning one Frame
// per covered page.
type region struct {
	rng    VRange
	perm   Perm
	ident  bool
	frames map[mem.VPN]*mem.Frame
}

/// As is a process (or the kernel's) address space: a page table plus a
/// named-region map.
type As struct {
	sync.Mutex

	Table   *pgtbl.Table
	regions map[string]*region
}

/// NewUser creates an empty dynamic address space for a user process.
func NewUser() *As {
	return &As{Table: pgtbl.NewDynamic(), regions: map[string]*region{}}
}

/// NewKernel creates the kernel's static identity-mapped address space.
func NewKernel() *As {
	return &As{Table: pgtbl.NewStatic(), regions: map[string]*region{}}
}

/// AddRegion reserves [rng.Lo, rng.Hi) under name with the given
/// permissions. Rejects empty/inverted ranges, duplicate names, and
/// overlap with any existing region.
func (as *As) AddRegion(name string, rng VRange, perm Perm, ident bool) bool {
	as.Lock()
	defer as.Unlock()
	if rng.empty() {
		return false
	}
	if _, dup := as.regions[name]; dup {
		return false
	}
	for _, r := range as.regions {
		if r.rng.overlaps(rng) {
			return false
		}
	}
	as.regions[name] = &region{rng: rng, perm: perm, ident: ident, frames: map[mem.VPN]*mem.Frame{}}
	if ident {
		for va := rng.Lo; va < rng.Hi; va += mem.VA(mem.PGSIZE) {
			ppn := mem.PPNOf(mem.PA(va))
			as.Table.Map4k(mem.VPNOf(va), ppn, perm.flags())
		}
	}
	return true
}

/// AddIdentityRegion reserves an identity mapping (VA == PA, kernel
/// table only) using the large-page split: [lo, up2m(lo)) at 4 KiB,
/// [up2m(lo), down2m(hi)) as 2 MiB blocks, [down2m(hi), hi) at 4 KiB.
/// On a dynamic table it falls back to 4 KiB throughout.
func (as *As) AddIdentityRegion(name string, rng VRange, perm Perm) bool {
	as.Lock()
	defer as.Unlock()
	if rng.empty() {
		return false
	}
	if _, dup := as.regions[name]; dup {
		return false
	}
	for _, r := range as.regions {
		if r.rng.overlaps(rng) {
			return false
		}
	}
	as.regions[name] = &region{rng: rng, perm: perm, ident: true, frames: map[mem.VPN]*mem.Frame{}}
	lo, hi := uint64(rng.Lo), uint64(rng.Hi)
	mid0, mid1 := mem.Up2m(lo), mem.Down2m(hi)
	map4k := func(from, to uint64) {
		for va := from; va < to; va += uint64(mem.PGSIZE) {
			as.Table.Map4k(mem.VPNOf(mem.VA(va)), mem.PPNOf(mem.PA(va)), perm.flags())
		}
	}
	if !as.Table.Static() || mid1 <= mid0 {
		map4k(lo, hi)
		return true
	}
	map4k(lo, mid0)
	for va := mid0; va < mid1; va += uint64(mem.BLOCKSIZE) {
		as.Table.MapBlock2m(mem.VPNOf(mem.VA(va)), mem.PPNOf(mem.PA(va)), perm.flags())
	}
	map4k(mid1, hi)
	return true
}

/// RemoveRegion unmaps and releases a named region's pages.
func (as *As) RemoveRegion(name string) {
	as.Lock()
	defer as.Unlock()
	r, ok := as.regions[name]
	if !ok {
		return
	}
	as.unmapRegionLocked(r)
	delete(as.regions, name)
}

func (as *As) unmapRegionLocked(r *region) {
	for va := r.rng.Lo; va < r.rng.Hi; va += mem.VA(mem.PGSIZE) {
		vpn := mem.VPNOf(va)
		as.Table.Unmap4k(vpn)
		if f, ok := r.frames[vpn]; ok {
			f.Free()
			delete(r.frames, vpn)
		}
	}
}

// allocFramed maps count pages starting at lo as a newly-framed region,
// zeroing each frame as it's handed out.
func (as *As) allocFramed(name string, lo mem.VA, pages int, perm Perm) (*region, bool) {
	rng := VRange{Lo: lo, Hi: lo + mem.VA(pages*mem.PGSIZE)}
	if !as.AddRegion(name, rng, perm, false) {
		return nil, false
	}
	as.Lock()
	r := as.regions[name]
	as.Unlock()
	for i := 0; i < pages; i++ {
		va := lo + mem.VA(i*mem.PGSIZE)
		f, ok := mem.Physmem.Alloc()
		if !ok {
			return nil, false
		}
		vpn := mem.VPNOf(va)
		as.Table.Map4k(vpn, f.PPN(), perm.flags())
		r.frames[vpn] = f
	}
	return r, true
}

/// AddUserStack maps the per-tid user stack at its fixed virtual range;
/// the guard page below it stays unmapped.
func (as *As) AddUserStack(tid defs.Tid_t) bool {
	lo, _ := UserStackRange(tid)
	_, ok := as.allocFramed(RegionUserStack(tid), lo, UserStackPages, PermR|PermW|PermU)
	return ok
}

/// AddKernelStack maps a kernel stack in the given kernel-stack slot.
/// Kernel-stack regions are named by the slot's decimal id (the
/// system-wide thread number, since every live thread owns exactly one
/// slot).
func (as *As) AddKernelStack(slot int) bool {
	lo, _ := KstackRange(slot)
	_, ok := as.allocFramed(itoa(defs.Tid_t(slot)), lo, KstackPages, PermR|PermW)
	return ok
}

/// MapTrapText (re)maps the single shared trap-entry frame at the top of
/// the address space with R|X. It is the only page whose physical frame
/// is shared across address spaces.
func (as *As) MapTrapText(f *mem.Frame) {
	as.Lock()
	defer as.Unlock()
	lo := TrapTextVA
	rng := VRange{Lo: lo, Hi: lo + mem.VA(mem.PGSIZE)}
	if _, dup := as.regions[RegionTrapText]; !dup {
		as.regions[RegionTrapText] = &region{rng: rng, perm: PermR | PermX, frames: map[mem.VPN]*mem.Frame{}}
		as.Table.Map4k(mem.VPNOf(TrapTextVA), f.PPN(), (PermR | PermX).flags())
	}
}

/// TrapContextFrame returns the frame backing tid's trap-context page.
func (as *As) TrapContextFrame(tid defs.Tid_t) (*mem.Frame, bool) {
	as.Lock()
	defer as.Unlock()
	r, ok := as.regions[RegionTrapContext(tid)]
	if !ok {
		return nil, false
	}
	f, ok := r.frames[mem.VPNOf(TrapContextVA(tid))]
	return f, ok
}

/// Teardown releases every framed region and the page table itself. The
/// shared trap-text frame is not owned by any address space and survives.
func (as *As) Teardown() {
	as.Lock()
	defer as.Unlock()
	for name, r := range as.regions {
		if name == RegionTrapText {
			continue
		}
		for vpn, f := range r.frames {
			f.Free()
			delete(r.frames, vpn)
		}
	}
	as.regions = map[string]*region{}
	as.Table.Teardown()
}

/// AddTrapContext maps the per-tid trap-context page.
func (as *As) AddTrapContext(tid defs.Tid_t) bool {
	lo := TrapContextVA(tid)
	_, ok := as.allocFramed(RegionTrapContext(tid), lo, 1, PermR|PermW)
	return ok
}

/// MapFramebuffer maps [down4k(pa), up4k(pa+len)) into the user's
/// address space at FramebufferVA with R|W|U, returning that VA.
func (as *As) MapFramebuffer(pa mem.PA, length int) mem.VA {
	lo := mem.PA(mem.Down4k(uint64(pa)))
	hi := mem.PA(mem.Up4k(uint64(pa) + uint64(length)))
	npages := (int(hi-lo) + mem.PGSIZE - 1) / mem.PGSIZE

	as.Lock()
	defer as.Unlock()
	rng := VRange{Lo: FramebufferVA, Hi: FramebufferVA + mem.VA(npages*mem.PGSIZE)}
	if _, dup := as.regions[RegionFrameBuf]; !dup {
		as.regions[RegionFrameBuf] = &region{rng: rng, perm: PermR | PermW | PermU, frames: map[mem.VPN]*mem.Frame{}}
	}
	for i := 0; i < npages; i++ {
		va := FramebufferVA + mem.VA(i*mem.PGSIZE)
		ppn := mem.PPNOf(lo + mem.PA(i*mem.PGSIZE))
		as.Table.Map4k(mem.VPNOf(va), ppn, (PermR | PermW | PermU).flags())
	}
	return FramebufferVA
}

// The four-byte ELF magic, checked before anything else is believed.
var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

/// LoadELF parses an ELF image, maps one framed region per LOAD program
/// header (named by header index, permissions translated from
/// PF_R/W/X plus U), copies each header's file bytes page-by-page (the
/// remainder of the last page is zero because frames start zeroed), and
/// returns the entry point VA.
func (as *As) LoadELF(image []byte) (mem.VA, defs.Err_t) {
	if len(image) < 4 || [4]byte(image[:4]) != elfMagic {
		return 0, defs.EINVAL
	}
	f, err := elf.NewFile(byteReaderAt(image))
	if err != nil {
		return 0, defs.EINVAL
	}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perm := PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		lo := mem.VA(mem.Down4k(prog.Vaddr))
		hi := mem.VA(mem.Up4k(prog.Vaddr + prog.Memsz))
		pages := int(hi-lo) / mem.PGSIZE
		r, ok := as.allocFramed(RegionPhdr(i), lo, pages, perm)
		if !ok {
			return 0, defs.ENOMEM
		}
		data := make([]byte, prog.Filesz)
		if _, rerr := prog.ReaderAt.ReadAt(data, 0); rerr != nil {
			return 0, defs.EINVAL
		}
		off := prog.Vaddr - uint64(lo)
		for w := uint64(0); w < uint64(len(data)); {
			va := lo + mem.VA(off+w)
			vpn := mem.VPNOf(va)
			fr, ok := r.frames[vpn]
			if !ok {
				return 0, defs.EFAULT
			}
			pageoff := va.Offset()
			n := uint64(mem.PGSIZE) - pageoff
			if n > uint64(len(data))-w {
				n = uint64(len(data)) - w
			}
			copy(fr.Bytes()[pageoff:], data[w:w+n])
			w += n
		}
	}
	return mem.VA(f.Entry), 0
}

func byteReaderAt(b []byte) *bytesReaderAt { return &bytesReaderAt{b} }

type bytesReaderAt struct{ b []byte }

func (r *bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, errEOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, errEOF
	}
	return n, nil
}

var errEOF = fmtError("EOF")

type fmtError string

func (e fmtError) Error() string { return string(e) }

/// ForkInto replicates every region of as into dst except trap_text,
/// copying each physical frame byte-for-byte. trap_text is instead
/// (re)mapped to point at the single shared trap-entry frame with R|X.
func (as *As) ForkInto(dst *As, sharedTrapText *mem.Frame) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	for name, r := range as.regions {
		if name == RegionTrapText {
			continue
		}
		nr := &region{rng: r.rng, perm: r.perm, ident: r.ident, frames: map[mem.VPN]*mem.Frame{}}
		dst.regions[name] = nr
		if r.ident {
			for va := r.rng.Lo; va < r.rng.Hi; va += mem.VA(mem.PGSIZE) {
				ppn := mem.PPNOf(mem.PA(va))
				dst.Table.Map4k(mem.VPNOf(va), ppn, r.perm.flags())
			}
			continue
		}
		for vpn, src := range r.frames {
			if !res.Resadd_noblock(bounds.B_ASPACE_T_K2USER_INNER) {
				return defs.ENOHEAP
			}
			nf, ok := mem.Physmem.AllocNoZero()
			if !ok {
				return defs.ENOMEM
			}
			*nf.Bytes() = *src.Bytes()
			dst.Table.Map4k(vpn, nf.PPN(), r.perm.flags())
			nr.frames[vpn] = nf
		}
	}
	lo := TrapTextVA
	rng := VRange{Lo: lo, Hi: lo + mem.VA(mem.PGSIZE)}
	dst.regions[RegionTrapText] = &region{rng: rng, perm: PermR | PermX, frames: map[mem.VPN]*mem.Frame{}}
	dst.Table.Map4k(mem.VPNOf(TrapTextVA), sharedTrapText.PPN(), (PermR | PermX).flags())
	return 0
}

/// ClearRegion zeroes the frames of name covering [lo, hi).
func (as *As) ClearRegion(name string, lo, hi mem.VA) {
	as.Lock()
	defer as.Unlock()
	r, ok := as.regions[name]
	if !ok {
		return
	}
	for va := lo; va < hi; va += mem.VA(mem.PGSIZE) {
		if f, ok := r.frames[mem.VPNOf(va)]; ok {
			*f.Bytes() = mem.Page{}
		}
	}
}

// Fixed virtual layout, top-down. TOP is the wraparound point of the
// 64-bit sign-extended address space, so the bases are expressed as
// two's-complement constants.
const (
	// TrapTextVA sits at the very top of the virtual address space
	// (USIZE_MAX-4KiB+1 .. USIZE_MAX).
	TrapTextVA mem.VA = mem.VA(0xFFFFFFFFFFFFF000)

	// kernel stacks: TOP-2GiB+1 .. TOP-1GiB, one slot of kstack+guard
	// per thread
	kstackBase mem.VA = mem.VA(0xFFFFFFFF80000000)
	// trap-context pages: TOP-3GiB .. TOP-2GiB, 4 KiB per tid at offset
	// (2*tid+1)*4KiB (odd slots; the even pages are guards)
	trapCtxBase mem.VA = mem.VA(0xFFFFFFFF40000000)
	// user stacks: TOP-4GiB .. TOP-3GiB, stack+guard per tid
	userStackBase mem.VA = mem.VA(0xFFFFFFFF00000000)

	// framebuffer mount point at 128 GiB
	FramebufferVA mem.VA = 0x0000002000000000

	// KstackPages/UserStackPages size the per-thread stacks; each slot
	// additionally carries one guard page.
	KstackPages    = 2
	UserStackPages = 2
)

/// UserStackRange returns the per-tid user stack [lo, hi): the stack's
/// top sits at (tid+1)*(stack+guard) above the window base, with the
/// guard page below the stack.
func UserStackRange(tid defs.Tid_t) (mem.VA, mem.VA) {
	span := mem.VA((UserStackPages + 1) * mem.PGSIZE)
	hi := userStackBase + mem.VA(tid+1)*span
	return hi - mem.VA(UserStackPages*mem.PGSIZE), hi
}

/// TrapContextVA returns the fixed per-tid trap-context virtual address.
func TrapContextVA(tid defs.Tid_t) mem.VA {
	return trapCtxBase + mem.VA(2*tid+1)*mem.VA(mem.PGSIZE)
}

/// KstackRange returns the kernel-stack [lo, hi) for a kernel-stack slot,
/// guard page excluded.
func KstackRange(slot int) (mem.VA, mem.VA) {
	span := mem.VA((KstackPages + 1) * mem.PGSIZE)
	lo := kstackBase + mem.VA(slot)*span + mem.VA(mem.PGSIZE)
	return lo, lo + mem.VA(KstackPages*mem.PGSIZE)
}
