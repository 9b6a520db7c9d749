// Package proc is the process and thread model: the global process
// table, fd tables, per-process signal state, the four lock-slot vectors,
// and the lifecycle operations fork, exec, exit, and wait.
//
// Ownership is arena-style: processes live in a
// global table keyed by pid, threads in a per-process table keyed by tid,
// and parent/child links are pid integers, never pointers.
//
// Hosted on the Go runtime, a thread's "instruction stream" is a Go
// closure making syscalls; the closure stands in for the user text the
// saved pc points at. fork and exec therefore take the continuation
// closure for the new stream alongside the state the real kernel would
// copy or load — the kernel-visible state (address space bytes, trap
// contexts, fd tables, return values) is built exactly as specified, and
// the closure only supplies what executing the saved pc would.
package proc

import (
	"strconv"
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/accnt"
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fd"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
	"github.com/biscuit-kernel/sv39kernel/internal/ksync"
	"github.com/biscuit-kernel/sv39kernel/internal/limits"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/signal"
	"github.com/biscuit-kernel/sv39kernel/internal/tinfo"
	"github.com/biscuit-kernel/sv39kernel/internal/trap"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

// nlockslots caps each of the four lock-slot vectors; the vectors start
// empty and extend only when allocation finds no free slot.
func nlockslots() int { return limits.Syslimit.Locks }

// spinIDOffset places spinlock ids above blocking-mutex ids in the one
// numeric space they share. Part of the user ABI.
const spinIDOffset = 64

/// Thread_t is one schedulable unit: its ids, its kernel-stack slot, and
/// its zombie bookkeeping. The register state lives serialized in the
/// thread's trap-context page, not here.
type Thread_t struct {
	Pid defs.Pid_t
	Tid defs.Tid_t

	kstackslot int
	zombie     bool
	exitcode   int

	// lastret is the host timestamp of the thread's last return to user,
	// the start of the interval the next trap charges as user time
	lastret int64

	// Forkcont carries the continuation the next fork syscall gives the
	// child; set by the user library immediately before the trap.
	Forkcont func()
}

/// TaskStatus_t mirrors the spec's thread states.
type TaskStatus_t int

const (
	READY TaskStatus_t = iota
	RUNNING
	ZOMBIE
)

/// Status reports the thread's scheduling state.
func (t *Thread_t) Status() TaskStatus_t {
	if t.zombie {
		return ZOMBIE
	}
	st, ok := sched.Status(sched.TaskID{Pid: t.Pid, Tid: t.Tid})
	if !ok {
		return ZOMBIE
	}
	if st == sched.READY {
		return READY
	}
	return RUNNING
}

/// Proc_t is one process: exactly one address space, a dense fd table, a
/// thread table, child bookkeeping, signal state, and the lock-slot
/// vectors.
type Proc_t struct {
	Pid    defs.Pid_t
	Parent defs.Pid_t

	As *vm.As

	fds     []*fd.Fd_t
	threads map[defs.Tid_t]*Thread_t
	childs  map[defs.Pid_t]bool

	Sig signal.Sighand_t

	mutexes  []*ksync.Mutex_t
	spins    []*ksync.SpinLock_t
	sems     []*ksync.Sem_t
	condvars []*ksync.Condvar_t

	Accnt accnt.Accnt_t
	Tinfo tinfo.Threadinfo_t

	tidstore *sched.Idstore_t

	// handlers maps fake text VAs to the closures standing in for user
	// handler code.
	handlers map[uint64]func(int)
	hvanext  uint64

	zombie   bool
	exitcode int
}

var (
	pmu      sync.Mutex
	ptable   = map[defs.Pid_t]*Proc_t{}
	pidstore = sched.MkIdstore(1)
	kstacks  = sched.MkIdstore(0)

	kas      *vm.As
	traptext *mem.Frame

	// progtab maps program paths to the closures standing in for their
	// text segments; exec consults it alongside the filesystem image.
	progtab = map[string]func(){}

	// stdio backs descriptors 0/1/2 of every new process; the boot path
	// points it at the console.
	stdio fdops.Fdops_i
)

/// SetStdio installs the device behind every process's first three
/// descriptors.
func SetStdio(fops fdops.Fdops_i) {
	pmu.Lock()
	stdio = fops
	pmu.Unlock()
}

/// Init hands the process layer the kernel address space and installs the
/// single shared trap-entry frame at the top of it.
func Init(kernelAs *vm.As) {
	f, ok := mem.Physmem.Alloc()
	if !ok {
		kpanic.Kpanic("no frame for trap text")
	}
	kas = kernelAs
	traptext = f
	kas.MapTrapText(f)
}

/// TrapText returns the shared trap-entry frame.
func TrapText() *mem.Frame {
	return traptext
}

/// RegisterProgram installs the closure standing in for path's text
/// segment; exec requires both this and the ELF image to be present.
func RegisterProgram(path string, fn func()) {
	pmu.Lock()
	progtab[path] = fn
	pmu.Unlock()
}

/// Lookup returns the process with the given pid.
func Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	pmu.Lock()
	defer pmu.Unlock()
	p, ok := ptable[pid]
	return p, ok
}

/// CurrentProc returns the process and thread of the task occupying the
/// scheduler's current slot.
func CurrentProc() (*Proc_t, *Thread_t) {
	id, ok := sched.Current()
	if !ok {
		kpanic.Kpanic("no current task")
	}
	p, ok := Lookup(id.Pid)
	if !ok {
		kpanic.Kpanic("current task %v has no process", id)
	}
	pmu.Lock()
	t := p.threads[id.Tid]
	pmu.Unlock()
	if t == nil {
		kpanic.Kpanic("current task %v has no thread", id)
	}
	return p, t
}

func mkproc(pid, parent defs.Pid_t) *Proc_t {
	p := &Proc_t{
		Pid:      pid,
		Parent:   parent,
		As:       vm.NewUser(),
		fds:      make([]*fd.Fd_t, limits.Syslimit.Fds),
		threads:  map[defs.Tid_t]*Thread_t{},
		childs:   map[defs.Pid_t]bool{},
		tidstore: sched.MkIdstore(0),
		handlers: map[uint64]func(int){},
		hvanext:  0x10000000,
	}
	p.Sig.Init()
	p.Tinfo.Init()
	if stdio != nil {
		stdio.Reopen()
		p.fds[0] = &fd.Fd_t{Fops: stdio, Perms: fd.FD_READ}
		stdio.Reopen()
		p.fds[1] = &fd.Fd_t{Fops: stdio, Perms: fd.FD_WRITE}
		stdio.Reopen()
		p.fds[2] = &fd.Fd_t{Fops: stdio, Perms: fd.FD_WRITE}
	}
	return p
}

// wrapEntry turns a user closure into a task entry: when the closure
// returns (the program fell off main), thread 0 exits the whole process
// with code 0 and any other thread exits with code 0.
func (p *Proc_t) wrapEntry(tid defs.Tid_t, fn func()) func() {
	return func() {
		fn()
		if tid == 0 {
			p.ExitProcess(0)
		}
		p.ExitThread(0)
	}
}

// mkThread builds the thread's user stack, trap-context page, and kernel
// stack, serializes the initial trap context, and registers the entry
// with the scheduler. Caller holds no locks.
func (p *Proc_t) mkThread(tid defs.Tid_t, entryva, sp, arg uint64, fn func()) (*Thread_t, defs.Err_t) {
	pmu.Lock()
	if len(p.threads) >= limits.Syslimit.Threads {
		pmu.Unlock()
		return nil, defs.EMFILE
	}
	pmu.Unlock()
	if !p.As.AddUserStack(tid) {
		return nil, defs.ENOMEM
	}
	if !p.As.AddTrapContext(tid) {
		return nil, defs.ENOMEM
	}
	slot := kstacks.Alloc()
	if !kas.AddKernelStack(slot) {
		kstacks.Free(slot)
		return nil, defs.ENOMEM
	}
	t := &Thread_t{Pid: p.Pid, Tid: tid, kstackslot: slot}

	f, ok := p.As.TrapContextFrame(tid)
	if !ok {
		kpanic.Kpanic("thread (%v,%v) trap context vanished", p.Pid, tid)
	}
	_, khi := vm.KstackRange(slot)
	var tc trap.Tctx_t
	tc.Sepc = entryva
	tc.Regs[trap.REG_SP] = sp
	tc.Regs[trap.REG_A0] = arg
	tc.Ksp = uint64(khi)
	tc.Ksatp = kernelSatp()
	tc.Usatp = userSatp(p)
	tc.Handler = trapHandlerAddr
	tc.Ctxva = uint64(vm.TrapContextVA(tid))
	tc.WriteTo(f.Bytes(), 0)

	pmu.Lock()
	p.threads[tid] = t
	p.Tinfo.Lock()
	p.Tinfo.Notes[tid] = &tinfo.Tnote_t{Alive: true}
	p.Tinfo.Unlock()
	pmu.Unlock()

	sched.Register(sched.TaskID{Pid: p.Pid, Tid: tid}, p.wrapEntry(tid, fn))
	return t, 0
}

// Page-table root tokens. The hosted tables are Go object graphs, so the
// tokens are nominal (the root frame's PPN shifted into satp shape); the
// trap context still records them the way the real trap entry needs.
const satpSv39 = uint64(8) << 60

const trapHandlerAddr = uint64(0xFFFFFFFFFFFFF000)

func kernelSatp() uint64 {
	return satpSv39
}

func userSatp(p *Proc_t) uint64 {
	return satpSv39 | uint64(p.Pid)
}

/// StartInit creates a root process from a registered program name and
/// enqueues its thread 0. The program's ELF image, when present in the
/// filesystem, is loaded into the fresh address space and its entry
/// point wins over the caller's.
func StartInit(path string, entryva uint64) (*Proc_t, defs.Err_t) {
	pmu.Lock()
	fn, ok := progtab[path]
	pmu.Unlock()
	if !ok {
		return nil, defs.ENOENT
	}
	pid := defs.Pid_t(pidstore.Alloc())
	p := mkproc(pid, 0)
	p.As.MapTrapText(traptext)
	if img, ferr := ramfs.ReadFile(ustr.Ustr(path)); ferr == 0 {
		if e, lerr := p.As.LoadELF(img); lerr == 0 {
			entryva = uint64(e)
		}
	}
	tid := defs.Tid_t(p.tidstore.Alloc())
	_, shi := vm.UserStackRange(tid)
	t, err := p.mkThread(tid, entryva, uint64(shi), 0, fn)
	if err != 0 {
		return nil, err
	}
	pmu.Lock()
	ptable[pid] = p
	pmu.Unlock()
	sched.Enqueue(sched.TaskID{Pid: p.Pid, Tid: t.Tid})
	return p, 0
}

/// Fd returns the capability at slot fdn.
func (p *Proc_t) Fd(fdn int) (*fd.Fd_t, defs.Err_t) {
	pmu.Lock()
	defer pmu.Unlock()
	if fdn < 0 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		return nil, defs.EBADF
	}
	return p.fds[fdn], 0
}

/// FdInsert places f in the lowest free slot, returning the fd number or
/// EMFILE when the table is full.
func (p *Proc_t) FdInsert(f *fd.Fd_t) (int, defs.Err_t) {
	pmu.Lock()
	defer pmu.Unlock()
	for i, s := range p.fds {
		if s == nil {
			p.fds[i] = f
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

/// FdClose removes and closes slot fdn.
func (p *Proc_t) FdClose(fdn int) defs.Err_t {
	pmu.Lock()
	if fdn < 0 || fdn >= len(p.fds) || p.fds[fdn] == nil {
		pmu.Unlock()
		return defs.EBADF
	}
	f := p.fds[fdn]
	p.fds[fdn] = nil
	pmu.Unlock()
	return f.Fops.Close()
}

/// FdDup duplicates slot fdn into the lowest free slot.
func (p *Proc_t) FdDup(fdn int) (int, defs.Err_t) {
	of, err := p.Fd(fdn)
	if err != 0 {
		return 0, err
	}
	nf, err := fd.Copyfd(of)
	if err != 0 {
		return 0, err
	}
	return p.FdInsert(nf)
}

/// Fork replicates the calling process: new pid, shared fd capabilities,
/// a byte-for-byte copy of the address space, and a new thread carrying
/// the caller's tid whose saved return value is 0. The child's pid is
/// returned to the caller. childfn is the continuation standing in for
/// the child's instruction stream at the saved pc.
func (p *Proc_t) Fork(childfn func()) (defs.Pid_t, defs.Err_t) {
	_, ct := CurrentProc()
	npid := defs.Pid_t(pidstore.Alloc())
	np := mkproc(npid, p.Pid)

	// fds: capabilities are shared references
	pmu.Lock()
	for i, f := range p.fds {
		if f == nil {
			continue
		}
		nf, err := fd.Copyfd(f)
		if err != 0 {
			pmu.Unlock()
			pidstore.Free(int(npid))
			return 0, err
		}
		np.fds[i] = nf
	}
	pmu.Unlock()

	if err := p.As.ForkInto(np.As, traptext); err != 0 {
		np.As.Teardown()
		pidstore.Free(int(npid))
		return 0, err
	}

	// child thread: same tid as the caller; its stack and trap context
	// were replicated by the address-space copy
	tid := ct.Tid
	np.tidstore = sched.MkIdstore(int(tid) + 1)
	slot := kstacks.Alloc()
	if !kas.AddKernelStack(slot) {
		kstacks.Free(slot)
		np.As.Teardown()
		pidstore.Free(int(npid))
		return 0, defs.ENOMEM
	}
	nt := &Thread_t{Pid: npid, Tid: tid, kstackslot: slot}

	f, ok := np.As.TrapContextFrame(tid)
	if !ok {
		kpanic.Kpanic("fork: child trap context missing")
	}
	var tc trap.Tctx_t
	tc.ReadFrom(f.Bytes(), 0)
	tc.SetRet(0) // the child observes fork() == 0
	tc.Usatp = userSatp(np)
	_, khi := vm.KstackRange(slot)
	tc.Ksp = uint64(khi)
	tc.WriteTo(f.Bytes(), 0)

	pmu.Lock()
	np.threads[tid] = nt
	np.Tinfo.Lock()
	np.Tinfo.Notes[tid] = &tinfo.Tnote_t{Alive: true}
	np.Tinfo.Unlock()
	ptable[npid] = np
	p.childs[npid] = true
	pmu.Unlock()

	sched.Register(sched.TaskID{Pid: npid, Tid: tid}, np.wrapEntry(tid, childfn))
	sched.Enqueue(sched.TaskID{Pid: npid, Tid: tid})
	return npid, 0
}

/// ThreadCreate builds a new thread at entryva with arg in a0 and
/// enqueues it, returning the new tid.
func (p *Proc_t) ThreadCreate(entryva, arg uint64, fn func()) (defs.Tid_t, defs.Err_t) {
	tid := defs.Tid_t(p.tidstore.Alloc())
	_, shi := vm.UserStackRange(tid)
	t, err := p.mkThread(tid, entryva, uint64(shi), arg, fn)
	if err != 0 {
		p.tidstore.Free(int(tid))
		return 0, err
	}
	sched.Enqueue(sched.TaskID{Pid: p.Pid, Tid: t.Tid})
	return tid, 0
}

// dropThreadUserRegions releases a dead thread's private slice of the
// process address space: its user stack and trap-context page. The
// kernel stack stays until the thread is joined.
func (p *Proc_t) dropThreadUserRegions(tid defs.Tid_t) {
	p.As.RemoveRegion(vm.RegionUserStack(tid))
	p.As.RemoveRegion(vm.RegionTrapContext(tid))
}

func (p *Proc_t) freeKstack(t *Thread_t) {
	kas.RemoveRegion(strconv.Itoa(t.kstackslot))
	kstacks.Free(t.kstackslot)
}

/// ExitThread ends the calling thread. The last live thread escalates to
/// ExitProcess. Never returns.
func (p *Proc_t) ExitThread(code int) {
	_, t := CurrentProc()
	pmu.Lock()
	live := 0
	for _, ot := range p.threads {
		if !ot.zombie {
			live++
		}
	}
	pmu.Unlock()
	if live <= 1 {
		p.ExitProcess(code)
	}
	pmu.Lock()
	t.zombie = true
	t.exitcode = code
	p.Tinfo.Lock()
	if n := p.Tinfo.Notes[t.Tid]; n != nil {
		n.Alive = false
	}
	p.Tinfo.Unlock()
	pmu.Unlock()
	p.dropThreadUserRegions(t.Tid)
	sched.ExitCurrent()
}

/// ExitProcess ends the whole process: every thread dies, fds close, the
/// address space drops, and children are reparented to pid 1. The parent
/// is not woken; it polls via wait. Never returns.
func (p *Proc_t) ExitProcess(code int) {
	gd := cpu.IntrDisable()
	pmu.Lock()
	p.zombie = true
	p.exitcode = code
	fds := p.fds
	p.fds = make([]*fd.Fd_t, limits.Syslimit.Fds)
	for tid, ot := range p.threads {
		ot.zombie = true
		id := sched.TaskID{Pid: p.Pid, Tid: tid}
		p.Tinfo.Lock()
		if n := p.Tinfo.Notes[tid]; n != nil {
			n.Alive = false
			n.Killed = true
			n.Isdoomed = true
		}
		p.Tinfo.Unlock()
		cur, hascur := sched.Current()
		if !hascur || cur != id {
			sched.Unregister(id)
		}
	}
	// reparent every child to pid 1
	for cpid := range p.childs {
		if c, ok := ptable[cpid]; ok {
			c.Parent = 1
			if initp, ok := ptable[1]; ok && initp != p {
				initp.childs[cpid] = true
			}
		}
	}
	p.childs = map[defs.Pid_t]bool{}
	pmu.Unlock()
	gd.Restore()

	for _, f := range fds {
		if f != nil {
			f.Fops.Close()
		}
	}
	p.As.Teardown()
	sched.ExitCurrent()
}

/// Wait implements waitpid: -1 when the caller has no matching child, -2
/// ("would block", the user library retries) while children run, else
/// the reaped child's pid with its exit code in code.
func (p *Proc_t) Wait(pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	pmu.Lock()
	defer pmu.Unlock()
	if len(p.childs) == 0 {
		return 0, 0, defs.EGENERIC
	}
	matched := false
	for cpid := range p.childs {
		if pid != defs.AnyPid && cpid != pid {
			continue
		}
		matched = true
		c := ptable[cpid]
		if c == nil {
			kpanic.Kpanic("child %v missing from process table", cpid)
		}
		if c.zombie {
			delete(p.childs, cpid)
			delete(ptable, cpid)
			for _, t := range c.threads {
				c.freeKstack(t)
			}
			// the reaper absorbs the child's CPU time
			p.Accnt.Merge(&c.Accnt)
			pidstore.Free(int(cpid))
			return cpid, c.exitcode, 0
		}
	}
	if !matched {
		return 0, 0, defs.EGENERIC
	}
	return 0, 0, defs.EAGAIN
}

/// Waittid reaps one thread: -3 for a tid that never existed, -1 for a
/// join with self, -2 while the thread runs, else the exit code.
func (p *Proc_t) Waittid(tid defs.Tid_t) (int, defs.Err_t) {
	_, cur := CurrentProc()
	if cur.Tid == tid {
		return 0, defs.EGENERIC
	}
	pmu.Lock()
	defer pmu.Unlock()
	t, ok := p.threads[tid]
	if !ok {
		return 0, defs.EINVALTID
	}
	if !t.zombie {
		return 0, defs.EAGAIN
	}
	delete(p.threads, tid)
	p.freeKstack(t)
	p.tidstore.Free(int(tid))
	return t.exitcode, 0
}

/// Kill raises signum against the target process and nudges its threads
/// so a blocked target observes the signal.
func Kill(pid defs.Pid_t, signum int) defs.Err_t {
	p, ok := Lookup(pid)
	if !ok || p.zombie {
		return defs.EGENERIC
	}
	gd := cpu.IntrDisable()
	err := p.Sig.Raise(signum)
	gd.Restore()
	if err != 0 {
		return err
	}
	pmu.Lock()
	tids := make([]defs.Tid_t, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	pmu.Unlock()
	for _, tid := range tids {
		sched.TryWakeup(sched.TaskID{Pid: pid, Tid: tid})
	}
	return 0
}

/// RegisterHandler allocates a text VA for a user signal-handler closure.
func (p *Proc_t) RegisterHandler(fn func(int)) uint64 {
	pmu.Lock()
	defer pmu.Unlock()
	va := p.hvanext
	p.hvanext += uint64(mem.PGSIZE)
	p.handlers[va] = fn
	return va
}

/// HandlerAt returns the closure standing in for the handler text at va.
func (p *Proc_t) HandlerAt(va uint64) (func(int), bool) {
	pmu.Lock()
	defer pmu.Unlock()
	fn, ok := p.handlers[va]
	return fn, ok
}

/// TrapEnter charges the interval since t last returned to user as user
/// time. Called at the top of every trap.
func (p *Proc_t) TrapEnter(t *Thread_t, now int64) {
	if t.lastret != 0 {
		p.Accnt.ChargeUser(now - t.lastret)
	}
}

/// TrapExit records the return-to-user point that the next TrapEnter
/// measures from.
func (p *Proc_t) TrapExit(t *Thread_t, now int64) {
	t.lastret = now
}

/// TrapFrame returns the current thread's trap-context page.
func TrapFrame(p *Proc_t, t *Thread_t) *mem.Page {
	f, ok := p.As.TrapContextFrame(t.Tid)
	if !ok {
		kpanic.Kpanic("thread (%v,%v) has no trap context", p.Pid, t.Tid)
	}
	return f.Bytes()
}

// Lock-slot allocation. Each vector scans for the first empty slot and
// extends only when no slot is free, up to the per-process ceiling.

func slotAlloc[T any](v []*T, mk func() *T, max int) ([]*T, int) {
	for i, s := range v {
		if s == nil {
			v[i] = mk()
			return v, i
		}
	}
	if len(v) >= max {
		return v, -1
	}
	v = append(v, mk())
	return v, len(v) - 1
}

/// MutexCreate allocates a blocking mutex (id < 64) or a spinlock (id
/// offset by 64); the two share one numeric id space, per the user ABI.
func (p *Proc_t) MutexCreate(blocking bool) int {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if blocking {
		var i int
		p.mutexes, i = slotAlloc(p.mutexes, func() *ksync.Mutex_t { return &ksync.Mutex_t{} }, nlockslots())
		return i
	}
	var i int
	p.spins, i = slotAlloc(p.spins, func() *ksync.SpinLock_t { return &ksync.SpinLock_t{} }, nlockslots())
	if i < 0 {
		return -1
	}
	return i + spinIDOffset
}

func (p *Proc_t) mutex(id int) *ksync.Mutex_t {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if id < 0 || id >= len(p.mutexes) {
		return nil
	}
	return p.mutexes[id]
}

func (p *Proc_t) spin(id int) *ksync.SpinLock_t {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if id < 0 || id >= len(p.spins) {
		return nil
	}
	return p.spins[id]
}

/// MutexLock locks slot id: 0 on success, 1 for a contended spinlock
/// (the user library busy-loops), -1 for a bad id.
func (p *Proc_t) MutexLock(id int) int {
	if id >= spinIDOffset {
		sl := p.spin(id - spinIDOffset)
		if sl == nil {
			return -1
		}
		return sl.Lock()
	}
	m := p.mutex(id)
	if m == nil {
		return -1
	}
	m.Lock()
	return 0
}

/// MutexUnlock unlocks slot id.
func (p *Proc_t) MutexUnlock(id int) int {
	if id >= spinIDOffset {
		sl := p.spin(id - spinIDOffset)
		if sl == nil {
			return -1
		}
		sl.Unlock()
		return 0
	}
	m := p.mutex(id)
	if m == nil {
		return -1
	}
	m.Unlock()
	return 0
}

/// SemCreate allocates a semaphore slot with the given initial count.
func (p *Proc_t) SemCreate(count int) int {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	var i int
	p.sems, i = slotAlloc(p.sems, func() *ksync.Sem_t { return ksync.MkSem(count) }, nlockslots())
	return i
}

func (p *Proc_t) sem(id int) *ksync.Sem_t {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if id < 0 || id >= len(p.sems) {
		return nil
	}
	return p.sems[id]
}

/// SemDown decrements the semaphore, blocking while it is negative.
func (p *Proc_t) SemDown(id int) int {
	s := p.sem(id)
	if s == nil {
		return -1
	}
	s.Down()
	return 0
}

/// SemUp increments the semaphore, waking one waiter.
func (p *Proc_t) SemUp(id int) int {
	s := p.sem(id)
	if s == nil {
		return -1
	}
	s.Up()
	return 0
}

/// CondCreate allocates a condition-variable slot.
func (p *Proc_t) CondCreate() int {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	var i int
	p.condvars, i = slotAlloc(p.condvars, func() *ksync.Condvar_t { return &ksync.Condvar_t{} }, nlockslots())
	return i
}

func (p *Proc_t) condvar(id int) *ksync.Condvar_t {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if id < 0 || id >= len(p.condvars) {
		return nil
	}
	return p.condvars[id]
}

/// CondSignal wakes the longest waiter on slot id.
func (p *Proc_t) CondSignal(id int) int {
	cv := p.condvar(id)
	if cv == nil {
		return -1
	}
	cv.SignalOne()
	return 0
}

/// CondWait releases mutex mid, waits on slot id, then re-takes mid.
func (p *Proc_t) CondWait(id, mid int) int {
	cv := p.condvar(id)
	m := p.mutex(mid)
	if cv == nil || m == nil {
		return -1
	}
	cv.Wait(m)
	return 0
}
