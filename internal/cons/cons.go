// Package cons is the character console: the kernel-facing half of the
// {read, write, handle_irq} contract the concrete UART chip presents.
// Received bytes arrive from interrupt context via HandleIRQ into a
// bounded ring; readers drain the ring under the interrupt mask, so a
// byte arriving between "ring empty" and "blocked" cannot be lost.
package cons

import (
	"io"
	"os"

	"github.com/biscuit-kernel/sv39kernel/internal/circbuf"
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/kheap"
	"github.com/biscuit-kernel/sv39kernel/internal/ksync"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

/// Cons_t is the console device state: the input ring filled from IRQ
/// context and the sink transmitted bytes go to.
type Cons_t struct {
	inbuf circbuf.Circbuf_t
	rwait ksync.WaitQ_t
	out   io.Writer
}

/// Console is the machine's one console.
var Console = &Cons_t{out: os.Stdout}

func init() {
	Console.inbuf.Cb_init(mem.PGSIZE)
}

/// SetOutput redirects transmitted bytes; the boot harness points this at
/// the real terminal, tests at a buffer.
func (c *Cons_t) SetOutput(w io.Writer) {
	gd := cpu.IntrDisable()
	c.out = w
	gd.Restore()
}

/// HandleIRQ is the receive interrupt: buffer the byte, wake one reader.
/// Runs in interrupt context, so it never blocks; a full ring drops the
/// oldest byte.
func (c *Cons_t) HandleIRQ(b uint8) {
	c.inbuf.Putc(b)
	c.rwait.WakeOne()
}

/// Read blocks until input is available, then drains up to dst's size.
func (c *Cons_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	for {
		gd := cpu.IntrDisable()
		if !c.inbuf.Empty() {
			n, err := c.inbuf.Copyout_n(dst, dst.Remain())
			gd.Restore()
			return n, err
		}
		c.rwait.WaitNoSchedule()
		sched.Block()
		gd.Restore()
	}
}

/// Write transmits src. The UART side never applies backpressure here;
/// the hosted sink is assumed to drain.
func (c *Cons_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := kheap.Alloc(src.Totalsz())
	defer kheap.Free(buf[:cap(buf)])
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	gd := cpu.IntrDisable()
	w := c.out
	gd.Restore()
	if w != nil {
		w.Write(buf[:n])
	}
	return n, 0
}

func (c *Cons_t) Close() defs.Err_t  { return 0 }
func (c *Cons_t) Reopen() defs.Err_t { return 0 }
func (c *Cons_t) Readable() bool     { return true }
func (c *Cons_t) Writable() bool     { return true }
