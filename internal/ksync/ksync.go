// Package ksync implements the kernel's synchronization primitives:
// the spinlock, the blocking mutex, the counting semaphore, and the
// condition variable, all built on interrupt-masked wait queues.
//
// Every operation of the shape "check condition; if false, enqueue and
// switch away" masks interrupts from the check through the switch, so a
// wakeup arriving in between cannot be lost.
package ksync

import (
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

/// WaitQ_t is a FIFO queue of tasks waiting for an event. Wakeups
/// preserve enqueue order.
type WaitQ_t struct {
	q []sched.TaskID
}

/// WaitNoSchedule appends the current task to the queue without switching
/// away. Callers that need to drop another lock between enqueue and
/// switch (the device-driver wait pattern) use this followed by
/// sched.Block under one interrupt mask.
func (wq *WaitQ_t) WaitNoSchedule() {
	id, ok := sched.Current()
	if !ok {
		kpanic.Kpanic("wait with no current task")
	}
	wq.q = append(wq.q, id)
}

/// WakeOne wakes the longest-waiting task, if any.
func (wq *WaitQ_t) WakeOne() {
	if len(wq.q) == 0 {
		return
	}
	id := wq.q[0]
	wq.q = wq.q[1:]
	sched.TryWakeup(id)
}

/// WakeAll wakes every waiter in enqueue order.
func (wq *WaitQ_t) WakeAll() {
	q := wq.q
	wq.q = nil
	for _, id := range q {
		sched.TryWakeup(id)
	}
}

/// Empty reports whether any task is waiting.
func (wq *WaitQ_t) Empty() bool {
	return len(wq.q) == 0
}

/// SpinLock_t is a boolean guarded by the interrupt mask. Contention is
/// surfaced to the caller (the user library busy-loops on 1) rather than
/// blocking in the kernel.
type SpinLock_t struct {
	held bool
}

/// Lock returns 0 on success and 1 if the lock is already held.
func (sl *SpinLock_t) Lock() int {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if sl.held {
		return 1
	}
	sl.held = true
	return 0
}

/// Unlock releases the lock.
func (sl *SpinLock_t) Unlock() {
	gd := cpu.IntrDisable()
	sl.held = false
	gd.Restore()
}

/// Mutex_t is the blocking mutex: a locked flag plus a wait queue of
/// blocked tasks.
type Mutex_t struct {
	locked bool
	wq     WaitQ_t
}

/// Lock acquires the mutex, blocking the current task while it is held
/// elsewhere. Unlock wakes all waiters; a waiter that loses the re-take
/// race simply re-enqueues.
func (m *Mutex_t) Lock() {
	for {
		gd := cpu.IntrDisable()
		if !m.locked {
			m.locked = true
			gd.Restore()
			return
		}
		m.wq.WaitNoSchedule()
		sched.Block()
		gd.Restore()
	}
}

/// Unlock releases the mutex and wakes every waiter.
func (m *Mutex_t) Unlock() {
	gd := cpu.IntrDisable()
	m.locked = false
	m.wq.WakeAll()
	gd.Restore()
}

/// Sem_t is a counting semaphore. A negative count's magnitude is the
/// number of blocked waiters.
type Sem_t struct {
	count int
	wq    WaitQ_t
}

/// MkSem returns a semaphore with the given initial count.
func MkSem(count int) *Sem_t {
	return &Sem_t{count: count}
}

/// Down decrements the count, blocking while it goes negative.
func (s *Sem_t) Down() {
	gd := cpu.IntrDisable()
	s.count--
	if s.count < 0 {
		s.wq.WaitNoSchedule()
		sched.Block()
	}
	gd.Restore()
}

/// Up increments the count and wakes one waiter if any task was blocked.
func (s *Sem_t) Up() {
	gd := cpu.IntrDisable()
	s.count++
	if s.count <= 0 {
		s.wq.WakeOne()
	}
	gd.Restore()
}

/// Condvar_t is a wait queue with no predicate of its own; the caller's
/// mutex protects the condition.
type Condvar_t struct {
	wq WaitQ_t
}

/// Wait releases m, blocks until signalled, then re-acquires m.
func (cv *Condvar_t) Wait(m *Mutex_t) {
	gd := cpu.IntrDisable()
	m.locked = false
	m.wq.WakeAll()
	cv.wq.WaitNoSchedule()
	sched.Block()
	gd.Restore()
	m.Lock()
}

/// SignalOne wakes the longest-waiting task.
func (cv *Condvar_t) SignalOne() {
	gd := cpu.IntrDisable()
	cv.wq.WakeOne()
	gd.Restore()
}

/// SignalAll wakes every waiter in enqueue order.
func (cv *Condvar_t) SignalAll() {
	gd := cpu.IntrDisable()
	cv.wq.WakeAll()
	gd.Restore()
}
