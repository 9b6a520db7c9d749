// Package syscalls routes numeric syscall ids to their handlers and
// carries the hosted trap entry/exit flow around each one: save the
// argument registers into the caller's trap context, advance sepc past
// the ecall, dispatch, write the return value into the saved a0, then run
// the signal-delivery loop before "returning to user".
// Unknown ids are a kernel invariant violation.
package syscalls

import (
	"sync"
	"time"

	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fd"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/pipe"
	"github.com/biscuit-kernel/sv39kernel/internal/proc"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/signal"
	"github.com/biscuit-kernel/sv39kernel/internal/timer"
	"github.com/biscuit-kernel/sv39kernel/internal/tinfo"
	"github.com/biscuit-kernel/sv39kernel/internal/trap"
	"github.com/biscuit-kernel/sv39kernel/internal/unet"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

/// Syscall is the hosted ecall: the calling goroutine must be the
/// scheduler's current task. It performs the full user-trap round trip
/// and returns the value user code observes in a0.
func Syscall(num int, a0, a1, a2 uint64) int64 {
	p, t := proc.CurrentProc()

	// a thread of an exiting process that was still queued observes its
	// doom at the trap boundary and winds down
	p.Tinfo.Lock()
	note := p.Tinfo.Notes[t.Tid]
	p.Tinfo.Unlock()
	if note != nil {
		tinfo.SetCurrent(note)
		if note.Doomed() {
			sched.ExitCurrent()
		}
	}

	// trap entry: the register file lands in the trap context
	pg := proc.TrapFrame(p, t)
	var tc trap.Tctx_t
	tc.ReadFrom(pg, 0)
	tc.Regs[trap.REG_A0] = a0
	tc.Regs[trap.REG_A1] = a1
	tc.Regs[trap.REG_A2] = a2
	tc.Regs[trap.REG_A7] = uint64(num)
	tc.Sepc += 4 // past the ecall
	tc.WriteTo(pg, 0)

	// the stretch since the last return to user was user time; the
	// syscall itself is system time
	t0 := time.Now()
	p.TrapEnter(t, t0.UnixNano())
	ret := dispatch(p, t, num, a0, a1, a2)
	p.Accnt.ChargeSys(time.Since(t0).Nanoseconds())

	// write the return value into the saved a0
	pg = proc.TrapFrame(p, t)
	tc.ReadFrom(pg, 0)
	tc.SetRet(ret)
	tc.WriteTo(pg, 0)

	// a timer tick that arrived mid-syscall preempts here, at the trap
	// boundary
	if timer.TakePreempt() {
		timer.CheckTimers()
		sched.Yield()
	}

	signalReturn(p, t)
	p.TrapExit(t, time.Now().UnixNano())

	// the signal path may have rewritten the saved a0 (sigreturn)
	tc.ReadFrom(proc.TrapFrame(p, t), 0)
	return int64(tc.Regs[trap.REG_A0])
}

// signalReturn is the delivery loop run before every return to user.
// Hosted, a delivered handler runs as its registered
// closure and its return triggers the sigreturn the user trampoline
// would issue.
func signalReturn(p *proc.Proc_t, t *proc.Thread_t) {
	for {
		pg := proc.TrapFrame(p, t)
		verd, sig := p.Sig.Deliver(p.Pid, pg)
		switch verd {
		case signal.VerdOK:
			return
		case signal.VerdWAIT:
			sched.Yield()
		case signal.VerdSTOP:
			p.ExitProcess(sig)
		case signal.VerdDELIVER:
			var tc trap.Tctx_t
			tc.ReadFrom(pg, 0)
			fn, ok := p.HandlerAt(tc.Sepc)
			if !ok {
				// handler text unmapped: the delivery itself faults
				p.ExitProcess(defs.SIGSEGV)
			}
			fn(sig)
			p.Sig.Sigreturn(proc.TrapFrame(p, t))
		}
	}
}

/// Fault delivers a user-program fault as a signal against the current
/// process and runs the delivery loop; the default disposition ends the
/// process with the signal's id as exit code.
func Fault(cause trap.Cause_t) {
	p, t := proc.CurrentProc()
	signum := defs.SIGSEGV
	if cause == trap.CauseIllegal {
		signum = defs.SIGILL
	}
	gd := cpu.IntrDisable()
	p.Sig.Raise(signum)
	gd.Restore()
	signalReturn(p, t)
}

// Framebuffer/input wiring: the concrete GPU and input devices are
// external; the boot harness registers what little the syscalls need.
var (
	fmu     sync.Mutex
	fbpa    mem.PA
	fblen   int
	fbflush func()
	events  []uint64
)

/// SetFramebuffer registers the GPU surface's physical range and flush
/// hook.
func SetFramebuffer(pa mem.PA, length int, flush func()) {
	fmu.Lock()
	fbpa, fblen, fbflush = pa, length, flush
	fmu.Unlock()
}

/// PushEvent queues one input event, encoded type<<48 | code<<32 | value.
func PushEvent(typ, code uint16, value uint32) {
	fmu.Lock()
	events = append(events, uint64(typ)<<48|uint64(code)<<32|uint64(value))
	fmu.Unlock()
}

func popEvent() uint64 {
	fmu.Lock()
	defer fmu.Unlock()
	if len(events) == 0 {
		return 0
	}
	e := events[0]
	events = events[1:]
	return e
}

func haveEvents() bool {
	fmu.Lock()
	defer fmu.Unlock()
	return len(events) != 0
}

func dispatch(p *proc.Proc_t, t *proc.Thread_t, num int, a0, a1, a2 uint64) int64 {
	switch num {
	case defs.SYS_EXIT:
		p.ExitProcess(int(int64(a0)))
	case defs.SYS_WRITE:
		return sysRW(p, int(a0), a1, a2, true)
	case defs.SYS_YIELD:
		sched.Yield()
		return 0
	case defs.SYS_GET_TIME:
		return int64(timer.NowMS())
	case defs.SYS_FORK:
		fn := t.Forkcont
		t.Forkcont = nil
		if fn == nil {
			fn = func() {}
		}
		pid, err := p.Fork(fn)
		if err != 0 {
			return int64(err)
		}
		return int64(pid)
	case defs.SYS_GETPID:
		return int64(p.Pid)
	case defs.SYS_WAITPID:
		return sysWaitpid(p, defs.Pid_t(int64(a0)), a1)
	case defs.SYS_EXEC:
		return sysExec(p, a0, a1, a2)
	case defs.SYS_READ:
		return sysRW(p, int(a0), a1, a2, false)
	case defs.SYS_OPEN:
		return sysOpen(p, a0, a1, int(a2))
	case defs.SYS_CLOSE:
		return int64(p.FdClose(int(a0)))
	case defs.SYS_PIPE:
		return sysPipe(p, a0)
	case defs.SYS_DUP:
		n, err := p.FdDup(int(a0))
		if err != 0 {
			return int64(err)
		}
		return int64(n)
	case defs.SYS_KILL:
		return int64(proc.Kill(defs.Pid_t(int64(a0)), int(a1)))
	case defs.SYS_SIGACTION:
		return sysSigaction(p, int(a0), a1, a2)
	case defs.SYS_SIGPROCMASK:
		gd := cpu.IntrDisable()
		old := p.Sig.Sigprocmask(uint32(a0))
		gd.Restore()
		return int64(old)
	case defs.SYS_SIGRETURN:
		return p.Sig.Sigreturn(proc.TrapFrame(p, t))
	case defs.SYS_THREAD_CREATE:
		fn := t.Forkcont
		t.Forkcont = nil
		if fn == nil {
			fn = func() {}
		}
		tid, err := p.ThreadCreate(a0, a1, fn)
		if err != 0 {
			return int64(err)
		}
		return int64(tid)
	case defs.SYS_GETTID:
		return int64(t.Tid)
	case defs.SYS_WAITTID:
		code, err := p.Waittid(defs.Tid_t(int64(a0)))
		if err != 0 {
			return int64(err)
		}
		return int64(code)
	case defs.SYS_THREAD_EXIT:
		p.ExitThread(int(int64(a0)))
	case defs.SYS_SLEEP_MS:
		deadline := timer.NowMS() + a0
		for timer.NowMS() < deadline {
			timer.SleepUntil(deadline)
		}
		return 0
	case defs.SYS_MUTEX_CREATE:
		return int64(p.MutexCreate(a0 != 0))
	case defs.SYS_MUTEX_LOCK:
		return int64(p.MutexLock(int(a0)))
	case defs.SYS_MUTEX_UNLOCK:
		return int64(p.MutexUnlock(int(a0)))
	case defs.SYS_SEM_CREATE:
		return int64(p.SemCreate(int(a0)))
	case defs.SYS_SEM_DOWN:
		return int64(p.SemDown(int(a0)))
	case defs.SYS_SEM_UP:
		return int64(p.SemUp(int(a0)))
	case defs.SYS_COND_CREATE:
		return int64(p.CondCreate())
	case defs.SYS_COND_SIGNAL:
		return int64(p.CondSignal(int(a0)))
	case defs.SYS_COND_WAIT:
		return int64(p.CondWait(int(a0), int(a1)))
	case defs.SYS_ACCEPT:
		return sysAccept(p, int(a0))
	case defs.SYS_LISTEN:
		lf, err := unet.Listen(int(a0))
		if err != 0 {
			return int64(err)
		}
		n, ierr := p.FdInsert(lf)
		if ierr != 0 {
			lf.Fops.Close()
			return int64(ierr)
		}
		return int64(n)
	case defs.SYS_CONNECT:
		cf, err := unet.Connect(int(a0))
		if err != 0 {
			return int64(err)
		}
		n, ierr := p.FdInsert(cf)
		if ierr != 0 {
			cf.Fops.Close()
			return int64(ierr)
		}
		return int64(n)
	case defs.SYS_FB_MAP:
		fmu.Lock()
		pa, l := fbpa, fblen
		fmu.Unlock()
		if l == 0 {
			return int64(defs.EGENERIC)
		}
		return int64(p.As.MapFramebuffer(pa, l))
	case defs.SYS_FB_FLUSH:
		fmu.Lock()
		fl := fbflush
		fmu.Unlock()
		if fl == nil {
			return int64(defs.EGENERIC)
		}
		fl()
		return 0
	case defs.SYS_EVENT_GET:
		return int64(popEvent())
	case defs.SYS_KEY_PRESSED:
		if haveEvents() {
			return 1
		}
		return 0
	}
	kpanic.Kpanic("invalid syscall id %v", num)
	return 0
}

func sysRW(p *proc.Proc_t, fdn int, bufva, n uint64, write bool) int64 {
	f, err := p.Fd(fdn)
	if err != 0 {
		return int64(err)
	}
	if write && f.Perms&fd.FD_WRITE == 0 {
		return int64(defs.EBADF)
	}
	if !write && f.Perms&fd.FD_READ == 0 {
		return int64(defs.EBADF)
	}
	ub, uerr := vm.MkUserbuf(p.As, vm.VA(bufva), int(n))
	if uerr != 0 {
		return int64(uerr)
	}
	var c int
	var werr defs.Err_t
	if write {
		c, werr = f.Fops.Write(ub)
	} else {
		c, werr = f.Fops.Read(ub)
	}
	if werr != 0 {
		return int64(werr)
	}
	return int64(c)
}

func sysWaitpid(p *proc.Proc_t, pid defs.Pid_t, codeva uint64) int64 {
	rpid, code, err := p.Wait(pid)
	if err != 0 {
		return int64(err)
	}
	if codeva != 0 {
		ub, uerr := vm.MkUserbuf(p.As, vm.VA(codeva), 8)
		if uerr != 0 {
			return int64(uerr)
		}
		b := make([]uint8, 8)
		util.Writen(b, 8, 0, code)
		if _, werr := ub.CopyFromKernel(b); werr != 0 {
			return int64(werr)
		}
	}
	return int64(rpid)
}

// readUserBytes pulls [va, va+n) into a kernel buffer.
func readUserBytes(p *proc.Proc_t, va, n uint64) ([]uint8, defs.Err_t) {
	ub, err := vm.MkUserbuf(p.As, vm.VA(va), int(n))
	if err != 0 {
		return nil, err
	}
	return ub.CopyToKernel(int(n))
}

func sysOpen(p *proc.Proc_t, pathva, pathlen uint64, flags int) int64 {
	pb, err := readUserBytes(p, pathva, pathlen)
	if err != 0 {
		return int64(err)
	}
	fops, oerr := ramfs.Open(ustr.Ustr(pb), flags)
	if oerr != 0 {
		return int64(oerr)
	}
	perms := 0
	if fops.Readable() {
		perms |= fd.FD_READ
	}
	if fops.Writable() {
		perms |= fd.FD_WRITE
	}
	n, ierr := p.FdInsert(&fd.Fd_t{Fops: fops, Perms: perms})
	if ierr != 0 {
		fops.Close()
		return int64(ierr)
	}
	return int64(n)
}

func sysPipe(p *proc.Proc_t, va uint64) int64 {
	rf, wf, err := pipe.MkPipe()
	if err != 0 {
		return int64(err)
	}
	rn, e1 := p.FdInsert(rf)
	if e1 != 0 {
		fd.Close_panic(rf)
		fd.Close_panic(wf)
		return int64(e1)
	}
	wn, e2 := p.FdInsert(wf)
	if e2 != 0 {
		p.FdClose(rn)
		fd.Close_panic(wf)
		return int64(e2)
	}
	ub, uerr := vm.MkUserbuf(p.As, vm.VA(va), 16)
	if uerr != 0 {
		p.FdClose(rn)
		p.FdClose(wn)
		return int64(uerr)
	}
	b := make([]uint8, 16)
	util.Writen(b, 8, 0, rn)
	util.Writen(b, 8, 8, wn)
	if _, werr := ub.CopyFromKernel(b); werr != 0 {
		return int64(werr)
	}
	return 0
}

func sysSigaction(p *proc.Proc_t, signum int, actva, oldva uint64) int64 {
	if signum < 0 || signum >= defs.NSIG {
		return int64(defs.EINVAL)
	}
	gd := cpu.IntrDisable()
	old := p.Sig.Actions[signum]
	gd.Restore()
	if actva != 0 {
		b, err := readUserBytes(p, actva, 16)
		if err != 0 {
			return int64(err)
		}
		act := signal.Sigaction_t{
			Handler: uint64(util.Readn(b, 8, 0)),
			Mask:    uint32(util.Readn(b, 4, 8)),
		}
		gd = cpu.IntrDisable()
		_, serr := p.Sig.Sigaction(signum, act)
		gd.Restore()
		if serr != 0 {
			return int64(serr)
		}
	}
	if oldva != 0 {
		ub, err := vm.MkUserbuf(p.As, vm.VA(oldva), 16)
		if err != 0 {
			return int64(err)
		}
		b := make([]uint8, 16)
		util.Writen(b, 8, 0, int(old.Handler))
		util.Writen(b, 4, 8, int(old.Mask))
		if _, werr := ub.CopyFromKernel(b); werr != 0 {
			return int64(werr)
		}
	}
	return 0
}

// sysExec unpacks the (buf, len, argc) argument block: word 0 is the
// path pointer, word 1 the path length, then argc (ptr, len) pairs.
func sysExec(p *proc.Proc_t, bufva, buflen uint64, argc uint64) int64 {
	want := (2 + 2*int(argc)) * 8
	if int(buflen) < want {
		return int64(defs.EINVAL)
	}
	blk, err := readUserBytes(p, bufva, uint64(want))
	if err != 0 {
		return int64(err)
	}
	rdstr := func(i int) (ustr.Ustr, defs.Err_t) {
		ptr := uint64(util.Readn(blk, 8, i*16))
		n := uint64(util.Readn(blk, 8, i*16+8))
		b, e := readUserBytes(p, ptr, n)
		return ustr.Ustr(b), e
	}
	path, perr := rdstr(0)
	if perr != 0 {
		return int64(perr)
	}
	args := make([]ustr.Ustr, int(argc))
	for i := range args {
		a, aerr := rdstr(i + 1)
		if aerr != 0 {
			return int64(aerr)
		}
		args[i] = a
	}
	if xerr := p.Exec(path, args); xerr != 0 {
		return int64(defs.EGENERIC)
	}
	return 0
}

func sysAccept(p *proc.Proc_t, fdn int) int64 {
	lf, err := p.Fd(fdn)
	if err != 0 {
		return int64(err)
	}
	nf, aerr := unet.Accept(lf)
	if aerr != 0 {
		return int64(aerr)
	}
	n, ierr := p.FdInsert(nf)
	if ierr != 0 {
		nf.Fops.Close()
		return int64(ierr)
	}
	return int64(n)
}
