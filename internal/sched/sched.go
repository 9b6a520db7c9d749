// Package sched is the kernel scheduler: a strict-FIFO ready queue
// of (pid, tid) pairs, a single current-task slot, and the idle context
// the scheduler loop resumes at between tasks. There is no idle thread;
// the idle loop runs on the boot goroutine's stack.
//
// The low-level switch (switch_from/switch_to) saves and restores
// callee-saved registers, ra, and sp on the real machine. Hosted on the
// Go runtime, each task's "register file" is a goroutine, and a context
// switch is a strict channel handoff: exactly one of {idle loop, current
// task} runs at any moment, preserving the one-hardware-thread exclusion
// every kernel structure assumes.
package sched

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
)

/// TaskID names a schedulable unit.
type TaskID struct {
	Pid defs.Pid_t
	Tid defs.Tid_t
}

func (t TaskID) String() string {
	return fmt.Sprintf("(%v,%v)", t.Pid, t.Tid)
}

/// Status_t is a task's scheduling state. RUNNING covers both "occupying
/// the current slot" and "sitting on the ready queue"; READY means the
/// task is off the queue, parked on some wait queue (semantically
/// blocked), and comes back only via TryWakeup.
type Status_t int

const (
	READY Status_t = iota
	RUNNING
)

/// Ctx_t is a task context for the switch routine: the saved return
/// address and stack pointer, plus the goroutine parking slot standing in
/// for the callee-saved register file.
type Ctx_t struct {
	Ra, Sp uint64
	resume chan struct{}
}

type task struct {
	ctx    *Ctx_t
	status Status_t
}

var (
	mu    sync.Mutex
	runq  []TaskID
	tasks = map[TaskID]*task{}

	cur    TaskID
	hascur bool

	idlectx = &Ctx_t{resume: make(chan struct{}, 1)}

	// IdleWait is installed by the kernel glue. It is called when the
	// ready queue is empty but tasks still exist: the hosted equivalent
	// of wfi. It must make progress (advance the clock to the next timer,
	// deliver a pended IRQ) and report whether it did.
	IdleWait func() bool
)

/// Register creates the task's context and parks a goroutine that will
/// run fn when the task is first switched to. The new task starts RUNNING
/// (it is expected to be enqueued immediately); fn must not return
/// normally — it exits through ExitCurrent.
func Register(id TaskID, fn func()) *Ctx_t {
	ctx := &Ctx_t{resume: make(chan struct{}, 1)}
	mu.Lock()
	if _, dup := tasks[id]; dup {
		mu.Unlock()
		kpanic.Kpanic("task %v registered twice", id)
	}
	tasks[id] = &task{ctx: ctx, status: RUNNING}
	mu.Unlock()
	go func() {
		<-ctx.resume
		fn()
		kpanic.Kpanic("task %v returned from its entry", id)
	}()
	return ctx
}

/// ReplaceEntry re-registers id with a fresh goroutine and context,
/// discarding the old parked one. Used by exec, which replaces the
/// thread's instruction stream while keeping its identity.
func ReplaceEntry(id TaskID, fn func()) *Ctx_t {
	mu.Lock()
	delete(tasks, id)
	mu.Unlock()
	return Register(id, fn)
}

/// Unregister removes a task that will never run again. A queued entry
/// for it is skipped by the idle loop.
func Unregister(id TaskID) {
	mu.Lock()
	delete(tasks, id)
	mu.Unlock()
}

/// Registered reports whether id still has a schedulable context.
func Registered(id TaskID) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := tasks[id]
	return ok
}

/// Status returns id's scheduling state.
func Status(id TaskID) (Status_t, bool) {
	mu.Lock()
	defer mu.Unlock()
	t, ok := tasks[id]
	if !ok {
		return 0, false
	}
	return t.status, true
}

/// Enqueue appends id to the tail of the ready queue.
func Enqueue(id TaskID) {
	gd := cpu.IntrDisable()
	mu.Lock()
	runq = append(runq, id)
	mu.Unlock()
	gd.Restore()
}

/// Purge drops every queued task for which drop returns true. exec uses
/// this to pull a process's other threads out of the ready queue before
/// destroying them.
func Purge(drop func(TaskID) bool) {
	gd := cpu.IntrDisable()
	mu.Lock()
	keep := runq[:0]
	for _, id := range runq {
		if !drop(id) {
			keep = append(keep, id)
		}
	}
	runq = keep
	mu.Unlock()
	gd.Restore()
}

/// Current returns the task occupying the current-task slot.
func Current() (TaskID, bool) {
	mu.Lock()
	defer mu.Unlock()
	return cur, hascur
}

/// TryWakeup delivers a wakeup: if the task no longer exists or is not
/// READY, the wakeup is silently dropped (the task died, or a timer fired
/// for a sleep that already ended); if it is READY it flips to RUNNING
/// and lands on the ready queue.
func TryWakeup(id TaskID) {
	gd := cpu.IntrDisable()
	mu.Lock()
	t, ok := tasks[id]
	if !ok || t.status != READY {
		mu.Unlock()
		gd.Restore()
		return
	}
	t.status = RUNNING
	runq = append(runq, id)
	mu.Unlock()
	gd.Restore()
}

// switchFrom saves into the current task's context and resumes the idle
// loop; it returns when the task is next switched to.
func switchFrom(ctx *Ctx_t) {
	idlectx.resume <- struct{}{}
	<-ctx.resume
}

// switchTo resumes the task's goroutine and parks the idle loop until
// the task switches away (or exits).
func switchTo(ctx *Ctx_t) {
	ctx.resume <- struct{}{}
	<-idlectx.resume
}

func curtask() (TaskID, *task) {
	mu.Lock()
	defer mu.Unlock()
	if !hascur {
		kpanic.Kpanic("no current task")
	}
	t, ok := tasks[cur]
	if !ok {
		kpanic.Kpanic("current task %v has no context", cur)
	}
	return cur, t
}

/// Yield appends the current task back onto the ready queue and switches
/// to the idle loop. Interrupts are masked across the enqueue-and-switch
/// so a wakeup cannot slip between them.
func Yield() {
	id, t := curtask()
	gd := cpu.IntrDisable()
	mu.Lock()
	runq = append(runq, id)
	hascur = false
	mu.Unlock()
	switchFrom(t.ctx)
	gd.Restore()
}

/// Block marks the current task READY without re-enqueuing it — the
/// semantic "blocked"; the task sits on some wait queue elsewhere — and
/// switches to the idle loop.
func Block() {
	_, t := curtask()
	gd := cpu.IntrDisable()
	mu.Lock()
	t.status = READY
	hascur = false
	mu.Unlock()
	switchFrom(t.ctx)
	gd.Restore()
}

/// ExitCurrent tears the current task out of the scheduler and ends its
/// goroutine. It never returns.
func ExitCurrent() {
	mu.Lock()
	if !hascur {
		mu.Unlock()
		kpanic.Kpanic("exit with no current task")
	}
	delete(tasks, cur)
	hascur = false
	mu.Unlock()
	idlectx.resume <- struct{}{}
	runtime.Goexit()
}

/// ExitStream ends the calling goroutine without unregistering the task:
/// exec uses it after ReplaceEntry has installed the task's new
/// instruction stream, so the old stream dies while the task lives on.
/// It never returns.
func ExitStream() {
	mu.Lock()
	hascur = false
	mu.Unlock()
	idlectx.resume <- struct{}{}
	runtime.Goexit()
}

/// Run is the idle loop: pop the next task, record it as current, switch
/// to it. With an empty queue it falls back to IdleWait (the hosted wfi);
/// it returns once no tasks remain, and halts the machine if tasks exist
/// but nothing can ever run again.
func Run() {
	for {
		mu.Lock()
		if len(runq) == 0 {
			n := len(tasks)
			mu.Unlock()
			if n == 0 {
				return
			}
			if IdleWait == nil || !IdleWait() {
				kpanic.Kpanic("ready queue empty with %v tasks blocked", n)
			}
			continue
		}
		id := runq[0]
		runq = runq[1:]
		t, ok := tasks[id]
		if !ok {
			// task exited while still queued (killed process); skip
			mu.Unlock()
			continue
		}
		cur = id
		hascur = true
		mu.Unlock()
		cpu.SretEnable()
		switchTo(t.ctx)
	}
}
