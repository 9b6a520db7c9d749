// Package timer keeps the kernel's monotonic clock and the min-heap of
// pending wakeups. Ticks come from the hardware monotonic counter
// at ClockFreq ticks per second; hosted, the counter is advanced by the
// timer-IRQ injection path and by the idle loop when nothing is runnable
// (the wfi stand-in), which keeps timer order deterministic under test.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

// Defaults. The clock rate is overridable from the boot configuration
// before the first task runs (through ClockFreq); the interval is fixed.
const (
	DefaultClockFreq = 12_500_000 // ticks per second
	SchedulIntervalMS = 10
)

/// ClockFreq is the live tick rate.
var ClockFreq uint64 = DefaultClockFreq

type tentry struct {
	expirems uint64
	task     sched.TaskID
}

// theap orders entries by expiry so timers fire in non-decreasing
// expiry order.
type theap []tentry

func (h theap) Len() int            { return len(h) }
func (h theap) Less(i, j int) bool  { return h[i].expirems < h[j].expirems }
func (h theap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *theap) Push(x interface{}) { *h = append(*h, x.(tentry)) }
func (h *theap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var (
	mu     sync.Mutex
	ticks  uint64
	timers theap

	preempt int32
)

/// PendPreempt records that a timer tick arrived while a task was
/// running; the trap boundary consumes it and yields.
func PendPreempt() {
	atomic.StoreInt32(&preempt, 1)
}

/// TakePreempt consumes a pending preemption tick.
func TakePreempt() bool {
	return atomic.SwapInt32(&preempt, 0) == 1
}

/// NowTicks returns the monotonic counter.
func NowTicks() uint64 {
	mu.Lock()
	defer mu.Unlock()
	return ticks
}

/// NowMS returns the monotonic clock in milliseconds.
func NowMS() uint64 {
	mu.Lock()
	defer mu.Unlock()
	return ticks * 1000 / ClockFreq
}

/// Advance moves the monotonic counter forward by d ticks. Called from
/// the timer-IRQ path and the idle loop.
func Advance(d uint64) {
	mu.Lock()
	ticks += d
	mu.Unlock()
}

/// AdvanceToMS moves the clock forward to at least ms milliseconds.
func AdvanceToMS(ms uint64) {
	mu.Lock()
	want := (ms*ClockFreq + 999) / 1000
	if want > ticks {
		ticks = want
	}
	mu.Unlock()
}

/// PreemptTicks returns how far ahead the next preemption tick is
/// scheduled: CLOCK_FREQ * SCHEDUL_INTERVAL / 1000.
func PreemptTicks() uint64 {
	return ClockFreq * SchedulIntervalMS / 1000
}

/// AddTimer registers a wakeup for task at expirems.
func AddTimer(expirems uint64, task sched.TaskID) {
	gd := cpu.IntrDisable()
	mu.Lock()
	heap.Push(&timers, tentry{expirems: expirems, task: task})
	mu.Unlock()
	gd.Restore()
}

/// CheckTimers pops every entry whose expiry has passed and delivers a
/// try_wakeup to it. Cancelled sleeps need no removal: try_wakeup
/// silently ignores tasks that are not blocked.
func CheckTimers() {
	now := NowMS()
	for {
		mu.Lock()
		if len(timers) == 0 || timers[0].expirems > now {
			mu.Unlock()
			return
		}
		e := heap.Pop(&timers).(tentry)
		mu.Unlock()
		sched.TryWakeup(e.task)
	}
}

/// NextExpiry reports the earliest pending expiry, if any.
func NextExpiry() (uint64, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(timers) == 0 {
		return 0, false
	}
	return timers[0].expirems, true
}

/// SleepUntil blocks the current task until at least expirems. The caller
/// must be the running task.
func SleepUntil(expirems uint64) {
	id, ok := sched.Current()
	if !ok {
		panic("sleep with no current task")
	}
	gd := cpu.IntrDisable()
	AddTimer(expirems, id)
	sched.Block()
	gd.Restore()
}
