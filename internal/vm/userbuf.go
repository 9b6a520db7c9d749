package vm

import (
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/biscuit-kernel/sv39kernel/internal/bounds"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/pgtbl"
	"github.com/biscuit-kernel/sv39kernel/internal/res"
)

/// Frag is one physically-contiguous piece of a translated user range:
/// at most one page, cut at 4 KiB boundaries.
type Frag struct {
	PA    mem.PA
	Len   int
	write bool // the backing mapping is user-writable
}

/// Translate scatters the user virtual range [va, va+length) into ordered
/// physical fragments covering exactly length bytes, cut at page
/// boundaries. Any page in the range that is unmapped or not
/// user-accessible fails the whole translation with EFAULT.
func (as *As) Translate(va mem.VA, length int) ([]Frag, defs.Err_t) {
	if length < 0 {
		panic("negative length")
	}
	as.Lock()
	defer as.Unlock()
	var frags []Frag
	left := length
	for left > 0 {
		ppn, flags, ok := as.Table.Walk(mem.VPNOf(va))
		if !ok || flags&pgtbl.U == 0 {
			return nil, defs.EFAULT
		}
		pa := mem.PA(uint64(ppn)<<mem.PGSHIFT | va.Offset())
		n := mem.PGSIZE - int(va.Offset())
		if n > left {
			n = left
		}
		frags = append(frags, Frag{PA: pa, Len: n, write: flags&pgtbl.W != 0})
		va += mem.VA(n)
		left -= n
	}
	return frags, 0
}

/// Userbuf_t assists reading and writing a range of user memory. It is
/// constructed from a translated fragment list and never retains the user
/// virtual address: once built, every copy operates purely on the captured
/// fragments, so a racing unmap cannot redirect the copy.
type Userbuf_t struct {
	frags []Frag
	fi    int // current fragment
	foff  int // offset within current fragment
	len   int
	off   int
}

/// MkUserbuf translates [va, va+length) in as and wraps the fragments.
func MkUserbuf(as *As, va mem.VA, length int) (*Userbuf_t, defs.Err_t) {
	frags, err := as.Translate(va, length)
	if err != 0 {
		return nil, err
	}
	ub := &Userbuf_t{}
	ub.ub_init(frags, length)
	return ub, 0
}

func (ub *Userbuf_t) ub_init(frags []Frag, length int) {
	ub.frags = frags
	ub.fi = 0
	ub.foff = 0
	ub.len = length
	ub.off = 0
}

/// Remain returns the number of untransferred bytes left in the buffer.
func (ub *Userbuf_t) Remain() int {
	return ub.len - ub.off
}

/// Totalsz reports the total size of the buffer in bytes.
func (ub *Userbuf_t) Totalsz() int {
	return ub.len
}

/// Uioread copies data from user memory into dst and returns the number of
/// bytes read along with an error code.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return ub._tx(dst, false)
}

/// Uiowrite copies data from src into user memory and returns the number
/// of bytes written along with an error code.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return ub._tx(src, true)
}

// copies the min of the provided buffer and the bytes remaining. returns
// the number of bytes copied and an error. if an error occurs mid-copy,
// the userbuf's state permits restarting the operation.
func (ub *Userbuf_t) _tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		if !res.Resadd_noblock(bounds.B_USERBUF_T__TX) {
			return ret, defs.ENOHEAP
		}
		fr := ub.frags[ub.fi]
		if write && !fr.write {
			return ret, defs.EFAULT
		}
		pb := mem.Dmap(fr.PA)[ub.foff:fr.Len]
		var c int
		if write {
			c = copy(pb, buf)
		} else {
			c = copy(buf, pb)
		}
		buf = buf[c:]
		ub.off += c
		ub.foff += c
		ret += c
		if ub.foff == fr.Len {
			ub.fi++
			ub.foff = 0
		}
	}
	return ret, 0
}

/// CopyToKernel transfers up to n bytes from the user range into a fresh
/// kernel buffer.
func (ub *Userbuf_t) CopyToKernel(n int) ([]uint8, defs.Err_t) {
	if n > ub.Remain() {
		n = ub.Remain()
	}
	dst := make([]uint8, n)
	did, err := ub.Uioread(dst)
	return dst[:did], err
}

/// CopyFromKernel transfers src into the user range, returning the number
/// of bytes written.
func (ub *Userbuf_t) CopyFromKernel(src []uint8) (int, defs.Err_t) {
	return ub.Uiowrite(src)
}

// utf8fix replaces ill-formed UTF-8 with U+FFFD instead of letting raw
// user bytes masquerade as valid text downstream.
var utf8fix = runes.ReplaceIllFormed()

/// ReadUTF8Into drains the user range into sb as UTF-8 text, repairing any
/// ill-formed sequences. Returns the number of user bytes consumed.
func (ub *Userbuf_t) ReadUTF8Into(sb *strings.Builder) (int, defs.Err_t) {
	raw, err := ub.CopyToKernel(ub.Remain())
	if err != 0 {
		return len(raw), err
	}
	fixed, _, terr := transform.Bytes(utf8fix, raw)
	if terr != nil {
		return len(raw), defs.EINVAL
	}
	sb.Write(fixed)
	return len(raw), 0
}

/// Fakeubuf_t implements the same interface as Userbuf_t but operates on a
/// kernel buffer. It is used when the kernel needs to treat internal
/// memory like user memory (syscall paths shared with in-kernel callers).
type Fakeubuf_t struct {
	fbuf []uint8
	len  int
}

/// Fake_init sets up the fake buffer with the provided slice.
func (fb *Fakeubuf_t) Fake_init(buf []uint8) {
	fb.fbuf = buf
	fb.len = len(fb.fbuf)
}

/// Remain returns the number of bytes left in the fake buffer.
func (fb *Fakeubuf_t) Remain() int {
	return len(fb.fbuf)
}

/// Totalsz returns the total length of the fake buffer.
func (fb *Fakeubuf_t) Totalsz() int {
	return fb.len
}

func (fb *Fakeubuf_t) _tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.fbuf, buf)
	} else {
		c = copy(buf, fb.fbuf)
	}
	fb.fbuf = fb.fbuf[c:]
	return c, 0
}

/// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return fb._tx(dst, false)
}

/// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return fb._tx(src, true)
}
