// Package circbuf is the bounded byte ring the pipe and the console input
// queue are built on. A ring is backed by a single 4 KiB frame from the
// frame allocator, lazily allocated on first use and released exactly once.
// It is not safe for concurrent use; callers serialize access with the
// interrupt mask (internal/ksync) or their own lock.
package circbuf

import (
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
)

/// Circbuf_t is a bounded circular byte buffer. head and tail are
/// monotonically increasing; their difference is the number of buffered
/// bytes, and each is taken mod bufsz to index the backing page.
type Circbuf_t struct {
	frame *mem.Frame /// backing frame, nil until first use
	Buf   []uint8    /// view into the backing frame, len == bufsz
	bufsz int        /// buffer capacity in bytes
	head  int        /// write position
	tail  int        /// read position
}

/// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

/// Cb_init configures the ring for sz bytes without allocating its backing
/// frame yet. It is easier to handle an allocation error at the time of the
/// first read or write than during initialization of the object holding
/// the ring.
func (cb *Circbuf_t) Cb_init(sz int) defs.Err_t {
	if sz <= 0 || sz > mem.PGSIZE {
		panic("bad circbuf size")
	}
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

/// Cb_release frees the backing frame. The ring may be re-used afterwards;
/// the next access re-allocates.
func (cb *Circbuf_t) Cb_release() {
	if cb.frame == nil {
		return
	}
	cb.frame.Free()
	cb.frame = nil
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

/// Cb_ensure guarantees that the backing frame is allocated, returning
/// ENOMEM if the frame allocator is exhausted.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.Buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	f, ok := mem.Physmem.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	cb.frame = f
	cb.Buf = f.Bytes()[:cb.bufsz]
	return 0
}

/// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

/// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

/// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int {
	return cb.bufsz - (cb.head - cb.tail)
}

/// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

/// Putc appends a single byte, overwriting the oldest byte if the ring is
/// full. IRQ producers (the console's handle_irq) use this: dropping the
/// oldest unread keystroke beats blocking in interrupt context.
func (cb *Circbuf_t) Putc(c uint8) {
	if err := cb.Cb_ensure(); err != 0 {
		return
	}
	if cb.Full() {
		cb.tail++
	}
	cb.Buf[cb.head%cb.bufsz] = c
	cb.head++
}

/// Copyin fills the ring from src, up to the ring's remaining capacity.
/// Returns the number of bytes buffered.
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	// wraparound?
	if ti <= hi {
		dst := cb.Buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("wut?")
	}
	dst := cb.Buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

/// Copyout drains the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

/// Copyout_n writes up to max bytes of the buffer to dst; max == 0 means
/// no limit. Returns the number of bytes drained.
func (cb *Circbuf_t) Copyout_n(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	// wraparound?
	if hi <= ti {
		src := cb.Buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("wut?")
	}
	src := cb.Buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}
