// Package res charges unbounded kernel-side loops (see internal/bounds)
// against a per-tick budget so a user process cannot force the kernel to
// spend unbounded time or heap servicing one syscall. A single global
// counter suffices: there is one hardware thread, so there is no per-CPU
// reservation to split.
package res

import (
	"sync/atomic"

	"github.com/biscuit-kernel/sv39kernel/internal/bounds"
)

// DefaultBudget is the number of chargeable units granted per scheduler
// tick. Chosen generously: it only needs to bound pathological loops, not
// throttle ordinary I/O.
const DefaultBudget = 1 << 20

var budget int64

/// Reset replenishes the budget. Called once per timer tick by the
/// timer IRQ path (internal/kernel).
func Reset(n int64) {
	atomic.StoreInt64(&budget, n)
}

/// Resadd_noblock charges one unit of budget for the call site b and
/// reports whether the charge succeeded. It never blocks: a caller that
/// gets false must unwind and return defs.ENOHEAP, as vm.Userbuf_t's
/// copy loop does.
func Resadd_noblock(b bounds.Bounds) bool {
	_ = b
	return atomic.AddInt64(&budget, -1) >= 0
}

func init() {
	Reset(DefaultBudget)
}
