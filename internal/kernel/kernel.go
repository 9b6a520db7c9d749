// Package kernel is the glue above the subsystems: the boot sequence
// that brings the singletons up in order, the high-level trap handler's
// IRQ demux, and the idle-loop fallback that stands in for wfi. The
// concrete interrupt sources (UART, virtio block/input) are external
// collaborators; they reach the core only through RegisterIRQ/
// ExternalIRQ.
package kernel

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/biscuit-kernel/sv39kernel/internal/bootcfg"
	"github.com/biscuit-kernel/sv39kernel/internal/cons"
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/proc"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/res"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/stats"
	"github.com/biscuit-kernel/sv39kernel/internal/syscalls"
	"github.com/biscuit-kernel/sv39kernel/internal/timer"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

// IRQ source ids, the routing the platform interrupt controller would
// carry. Keyboard and mouse share the input path.
const (
	IRQ_UART     = 10
	IRQ_BLOCK    = 8
	IRQ_KEYBOARD = 5
	IRQ_MOUSE    = 6
)

func init() {
	irqtab[IRQ_UART] = uartIRQ
	irqtab[IRQ_KEYBOARD] = keyboardIRQ
	irqtab[IRQ_MOUSE] = keyboardIRQ
}

var (
	kas *vm.As

	// DMA is the allocator device rings draw from; sized at boot.
	DMA *mem.DMAAllocator

	imu      sync.Mutex
	irqtab   = map[int]func(){}
	irqpend  []int
	booted   bool
)

/// KernelAs returns the kernel's identity-mapped address space.
func KernelAs() *vm.As {
	return kas
}

/// Boot brings the machine up: physical memory and the DMA pool come up
/// concurrently (failing fast together), then the kernel address space,
/// the process layer, and the devices, in dependency order.
func Boot(cfg *bootcfg.Config) error {
	imu.Lock()
	if booted {
		imu.Unlock()
		return fmt.Errorf("double boot")
	}
	booted = true
	imu.Unlock()

	cfg.Apply()

	var g errgroup.Group
	g.Go(func() error {
		mem.Init(cfg.MemPages)
		return nil
	})
	g.Go(func() error {
		DMA = mem.NewDMAAllocator(cfg.DMAPages)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// second phase: the kernel address space over the identity map
	kas = vm.NewKernel()
	ramBytes := uint64(cfg.MemPages) * uint64(mem.PGSIZE)
	if !kas.AddIdentityRegion("kernel", vm.VRange{Lo: 0, Hi: mem.VA(ramBytes)}, vm.PermR|vm.PermW|vm.PermX) {
		return fmt.Errorf("kernel identity map failed")
	}
	proc.Init(kas)

	// devices
	proc.SetStdio(cons.Console)
	ramfs.RegisterDev("/dev/null", func() fdops.Fdops_i { return &nullfops_t{} })
	ramfs.RegisterDev("/dev/stat", ramfs.MkStatdev)
	ramfs.RegisterDev("/dev/prof", proc.MkProfdev)

	sched.IdleWait = idleWait
	return nil
}

/// InjectConsole feeds one received byte into the UART's receive buffer
/// and raises its interrupt line; the demux routes the claim to the
/// console's handle_irq.
func InjectConsole(b uint8) {
	imu.Lock()
	uartrx = append(uartrx, b)
	imu.Unlock()
	ExternalIRQ(IRQ_UART)
}

var uartrx []uint8

// uartIRQ is the UART receive interrupt: drain the chip's rx fifo into
// the console.
func uartIRQ() {
	imu.Lock()
	rx := uartrx
	uartrx = nil
	imu.Unlock()
	for _, b := range rx {
		cons.Console.HandleIRQ(b)
	}
}

/// InjectKey raises the keyboard interrupt with one encoded input event.
func InjectKey(typ, code uint16, value uint32) {
	imu.Lock()
	keyrx = append(keyrx, [3]uint32{uint32(typ), uint32(code), value})
	imu.Unlock()
	ExternalIRQ(IRQ_KEYBOARD)
}

var keyrx [][3]uint32

func keyboardIRQ() {
	imu.Lock()
	rx := keyrx
	keyrx = nil
	imu.Unlock()
	for _, e := range rx {
		syscalls.PushEvent(uint16(e[0]), uint16(e[1]), e[2])
	}
}

/// RegisterIRQ routes source id to handler in the external-interrupt
/// demux.
func RegisterIRQ(src int, fn func()) {
	imu.Lock()
	irqtab[src] = fn
	imu.Unlock()
}

/// ExternalIRQ is the platform demux: route the claim to its handler, or
/// pend it while supervisor interrupts are masked.
func ExternalIRQ(src int) {
	if !cpu.IntrEnabled() {
		imu.Lock()
		irqpend = append(irqpend, src)
		imu.Unlock()
		return
	}
	dispatchIRQ(src)
}

func dispatchIRQ(src int) {
	stats.Irqs++
	if src >= 0 && src < len(stats.Nirqs) {
		stats.Nirqs[src]++
	}
	imu.Lock()
	fn := irqtab[src]
	imu.Unlock()
	if fn == nil {
		kpanic.Kpanic("IRQ from unknown source %v", src)
	}
	fn()
}

/// OnTimerIRQ is the timer interrupt: advance the clock one preemption
/// quantum and pend the reschedule for the next trap boundary.
func OnTimerIRQ() {
	timer.Advance(timer.PreemptTicks())
	res.Reset(res.DefaultBudget)
	timer.CheckTimers()
	timer.PendPreempt()
}

// idleWait is the hosted wfi: with nothing runnable, deliver pended
// IRQs; failing that, jump the clock to the next timer expiry. Reports
// whether any progress was made.
func idleWait() bool {
	imu.Lock()
	pend := irqpend
	irqpend = nil
	imu.Unlock()
	if len(pend) > 0 {
		for _, src := range pend {
			dispatchIRQ(src)
		}
		return true
	}
	if ms, ok := timer.NextExpiry(); ok {
		timer.AdvanceToMS(ms)
		timer.CheckTimers()
		return true
	}
	return false
}

// nullfops_t is /dev/null: reads are instant EOF, writes vanish.
type nullfops_t struct{}

func (nf *nullfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, 0
}

func (nf *nullfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]uint8, src.Totalsz())
	c, err := src.Uioread(buf)
	return c, err
}

func (nf *nullfops_t) Close() defs.Err_t  { return 0 }
func (nf *nullfops_t) Reopen() defs.Err_t { return 0 }
func (nf *nullfops_t) Readable() bool     { return true }
func (nf *nullfops_t) Writable() bool     { return true }
