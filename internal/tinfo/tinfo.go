// Package tinfo tracks the liveness/kill state of each thread. An SMP
// kernel would keep this in goroutine-local storage via a patched
// runtime; on the stock Go toolchain there is no goroutine-local
// storage, and the scheduler (internal/sched) has a single logical
// "current task" slot rather than real OS threads, so Current/SetCurrent
// below are plain package state guarded by the scheduler's
// interrupt-masked critical section instead of a runtime hook.
package tinfo

import (
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
)

/// Tnote_t stores per-thread state consulted by exit/kill paths: whether the
/// thread is still alive, whether it has been asked to die, and whether it
/// is "doomed" (its process is exiting and it must wind down even if it
/// never observes Killed directly).
type Tnote_t struct {
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks thread notes keyed by tid. tids are unique
/// per-process, not system-wide, so each process keeps its own
/// Threadinfo_t (internal/proc does, via Proc_t.Tinfo).
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

var (
	curmu sync.Mutex
	cur   *Tnote_t
)

/// Current returns the thread note of the task the scheduler currently has
/// running. Panics if called outside of a scheduled task's context.
func Current() *Tnote_t {
	curmu.Lock()
	defer curmu.Unlock()
	if cur == nil {
		panic("no current task")
	}
	return cur
}

/// SetCurrent installs p as the current thread note. Called at syscall
/// entry with the calling thread's note (internal/syscalls).
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nil current task")
	}
	curmu.Lock()
	defer curmu.Unlock()
	cur = p
}

/// ClearCurrent removes the current thread note. Nothing in the kernel
/// calls it; the note stays installed until the next SetCurrent.
func ClearCurrent() {
	curmu.Lock()
	defer curmu.Unlock()
	if cur == nil {
		panic("no current task to clear")
	}
	cur = nil
}
