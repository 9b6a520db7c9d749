// Package usys is the user-side syscall library the hosted user programs
// link against: thin wrappers that place arguments in user memory where
// the kernel expects them and issue the trap. It stands in for the
// userland stub that would be compiled into each ELF; nothing in the
// kernel imports it.
package usys

import (
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/proc"
	"github.com/biscuit-kernel/sv39kernel/internal/syscalls"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

func sys(num int, a0, a1, a2 uint64) int64 {
	return syscalls.Syscall(num, a0, a1, a2)
}

// scratch returns a user VA at the bottom of the current thread's stack
// region, the user library's staging area for syscall argument blocks
// (the stack pointer starts at the top and never reaches down here).
func scratch() (uint64, *vm.As) {
	p, t := proc.CurrentProc()
	lo, _ := vm.UserStackRange(t.Tid)
	return uint64(lo), p.As
}

// ustore copies b into user memory at va.
func ustore(as *vm.As, va uint64, b []uint8) {
	ub, err := vm.MkUserbuf(as, vm.VA(va), len(b))
	if err != 0 {
		panic("user stack not mapped")
	}
	if _, werr := ub.CopyFromKernel(b); werr != 0 {
		panic("user stack not writable")
	}
}

// uload copies n bytes of user memory at va into a kernel buffer.
func uload(as *vm.As, va uint64, n int) []uint8 {
	ub, err := vm.MkUserbuf(as, vm.VA(va), n)
	if err != 0 {
		panic("user memory not mapped")
	}
	b, _ := ub.CopyToKernel(n)
	return b
}

/// Exit ends the process. Never returns.
func Exit(code int) {
	sys(defs.SYS_EXIT, uint64(code), 0, 0)
}

/// ThreadExit ends the calling thread. Never returns.
func ThreadExit(code int) {
	sys(defs.SYS_THREAD_EXIT, uint64(code), 0, 0)
}

/// Write sends b to descriptor fdn via a user-memory bounce buffer.
func Write(fdn int, b []byte) int64 {
	va, as := scratch()
	ustore(as, va, b)
	return sys(defs.SYS_WRITE, uint64(fdn), va, uint64(len(b)))
}

/// Read fills a buffer of size n from descriptor fdn.
func Read(fdn int, n int) ([]byte, int64) {
	va, as := scratch()
	r := sys(defs.SYS_READ, uint64(fdn), va, uint64(n))
	if r <= 0 {
		return nil, r
	}
	return uload(as, va, int(r)), r
}

/// Open opens path with the given flags.
func Open(path string, flags int) int64 {
	va, as := scratch()
	ustore(as, va, []byte(path))
	return sys(defs.SYS_OPEN, va, uint64(len(path)), uint64(flags))
}

/// Close closes descriptor fdn.
func Close(fdn int) int64 {
	return sys(defs.SYS_CLOSE, uint64(fdn), 0, 0)
}

/// Dup duplicates descriptor fdn into the lowest free slot.
func Dup(fdn int) int64 {
	return sys(defs.SYS_DUP, uint64(fdn), 0, 0)
}

/// Pipe returns the read and write descriptors of a fresh pipe.
func Pipe() (int, int, int64) {
	va, as := scratch()
	r := sys(defs.SYS_PIPE, va, 0, 0)
	if r != 0 {
		return 0, 0, r
	}
	b := uload(as, va, 16)
	return util.Readn(b, 8, 0), util.Readn(b, 8, 8), 0
}

/// Yield gives up the CPU.
func Yield() {
	sys(defs.SYS_YIELD, 0, 0, 0)
}

/// GetTime returns the monotonic clock in milliseconds.
func GetTime() int64 {
	return sys(defs.SYS_GET_TIME, 0, 0, 0)
}

/// GetPid returns the caller's process id.
func GetPid() int64 {
	return sys(defs.SYS_GETPID, 0, 0, 0)
}

/// GetTid returns the caller's thread id.
func GetTid() int64 {
	return sys(defs.SYS_GETTID, 0, 0, 0)
}

/// SleepMS blocks for at least ms milliseconds.
func SleepMS(ms uint64) {
	sys(defs.SYS_SLEEP_MS, ms, 0, 0)
}

/// Fork duplicates the process; childfn is the child's continuation at
/// the saved pc. Returns the child pid to the caller (the child's fork
/// observes 0 in its saved a0).
func Fork(childfn func()) int64 {
	_, t := proc.CurrentProc()
	t.Forkcont = childfn
	return sys(defs.SYS_FORK, 0, 0, 0)
}

/// ThreadCreate starts fn as a new thread with arg in its a0, returning
/// the new tid.
func ThreadCreate(fn func(), arg uint64) int64 {
	_, t := proc.CurrentProc()
	t.Forkcont = fn
	return sys(defs.SYS_THREAD_CREATE, 0, arg, 0)
}

/// Waitpid polls for the child once: -1 no such child, -2 still running.
func Waitpid(pid int) (int64, int) {
	va, as := scratch()
	r := sys(defs.SYS_WAITPID, uint64(int64(pid)), va+2048, 0)
	if r < 0 {
		return r, 0
	}
	b := uload(as, va+2048, 8)
	return r, util.Readn(b, 8, 0)
}

/// Wait blocks (busy-yielding on "would block", as the user library
/// does) until the child is reaped.
func Wait(pid int) (int64, int) {
	for {
		r, code := Waitpid(pid)
		if r != int64(defs.EAGAIN) {
			return r, code
		}
		Yield()
	}
}

/// Waittid busy-yields until thread tid is joined, returning its exit
/// code (or a negative error).
func Waittid(tid int) int64 {
	for {
		r := sys(defs.SYS_WAITTID, uint64(tid), 0, 0)
		if r != int64(defs.EAGAIN) {
			return r
		}
		Yield()
	}
}

/// Exec replaces the image with the registered program at path. Returns
/// only on failure.
func Exec(path string, args []string) int64 {
	va, as := scratch()
	// strings first, then the pointer block above them
	off := va
	ptrs := make([][2]uint64, 0, len(args)+1)
	put := func(s string) {
		ustore(as, off, []byte(s))
		ptrs = append(ptrs, [2]uint64{off, uint64(len(s))})
		off += uint64(len(s))
	}
	put(path)
	for _, a := range args {
		put(a)
	}
	blk := make([]uint8, len(ptrs)*16)
	for i, pr := range ptrs {
		util.Writen(blk, 8, i*16, int(pr[0]))
		util.Writen(blk, 8, i*16+8, int(pr[1]))
	}
	blkva := (off + 7) &^ 7
	ustore(as, blkva, blk)
	return sys(defs.SYS_EXEC, blkva, uint64(len(blk)), uint64(len(args)))
}

/// Kill raises signum against pid.
func Kill(pid int, signum int) int64 {
	return sys(defs.SYS_KILL, uint64(int64(pid)), uint64(signum), 0)
}

/// Signal installs fn as the handler for signum and returns the
/// sigaction status.
func Signal(signum int, fn func(int)) int64 {
	p, _ := proc.CurrentProc()
	hva := p.RegisterHandler(fn)
	return SigactionRaw(signum, hva, 0, 0)
}

/// SigactionRaw installs (handler, mask) for signum, optionally writing
/// the previous slot's 16 bytes at oldva (a user VA, 0 to skip).
func SigactionRaw(signum int, handler uint64, mask uint32, oldva uint64) int64 {
	va, as := scratch()
	b := make([]uint8, 16)
	util.Writen(b, 8, 0, int(handler))
	util.Writen(b, 4, 8, int(mask))
	actva := va + 1024
	ustore(as, actva, b)
	return sys(defs.SYS_SIGACTION, uint64(signum), actva, oldva)
}

/// Sigaction reads or installs the action slot for signum, returning the
/// previous (handler, mask).
func Sigaction(signum int, handler uint64, mask uint32, install bool) (uint64, uint32, int64) {
	va, as := scratch()
	oldva := va + 1536
	var r int64
	if install {
		r = SigactionRaw(signum, handler, mask, oldva)
	} else {
		r = sys(defs.SYS_SIGACTION, uint64(signum), 0, oldva)
	}
	if r != 0 {
		return 0, 0, r
	}
	b := uload(as, oldva, 16)
	return uint64(util.Readn(b, 8, 0)), uint32(util.Readn(b, 4, 8)), 0
}

/// Sigprocmask replaces the global mask, returning the previous one.
func Sigprocmask(mask uint32) uint32 {
	return uint32(sys(defs.SYS_SIGPROCMASK, uint64(mask), 0, 0))
}

/// MutexCreate allocates a blocking mutex (blocking=true) or a spinlock.
func MutexCreate(blocking bool) int64 {
	a0 := uint64(0)
	if blocking {
		a0 = 1
	}
	return sys(defs.SYS_MUTEX_CREATE, a0, 0, 0)
}

/// MutexLock locks id, busy-yielding on spinlock contention the way the
/// user library does.
func MutexLock(id int) {
	for sys(defs.SYS_MUTEX_LOCK, uint64(id), 0, 0) == 1 {
		Yield()
	}
}

/// MutexUnlock unlocks id.
func MutexUnlock(id int) {
	sys(defs.SYS_MUTEX_UNLOCK, uint64(id), 0, 0)
}

/// SemCreate allocates a semaphore with the given count.
func SemCreate(count int) int64 {
	return sys(defs.SYS_SEM_CREATE, uint64(count), 0, 0)
}

/// SemDown decrements the semaphore, blocking at zero.
func SemDown(id int) {
	sys(defs.SYS_SEM_DOWN, uint64(id), 0, 0)
}

/// SemUp increments the semaphore.
func SemUp(id int) {
	sys(defs.SYS_SEM_UP, uint64(id), 0, 0)
}

/// CondCreate allocates a condition variable.
func CondCreate() int64 {
	return sys(defs.SYS_COND_CREATE, 0, 0, 0)
}

/// CondSignal wakes one waiter on id.
func CondSignal(id int) {
	sys(defs.SYS_COND_SIGNAL, uint64(id), 0, 0)
}

/// CondWait atomically releases mutex mid and waits on id.
func CondWait(id, mid int) {
	sys(defs.SYS_COND_WAIT, uint64(id), uint64(mid), 0)
}

/// Listen binds a listener to port.
func Listen(port int) int64 {
	return sys(defs.SYS_LISTEN, uint64(port), 0, 0)
}

/// Connect dials the listener on port.
func Connect(port int) int64 {
	return sys(defs.SYS_CONNECT, uint64(port), 0, 0)
}

/// Accept takes the next connection off listener fdn.
func Accept(fdn int) int64 {
	return sys(defs.SYS_ACCEPT, uint64(fdn), 0, 0)
}

/// FbMap maps the framebuffer into the caller, returning its user VA.
func FbMap() int64 {
	return sys(defs.SYS_FB_MAP, 0, 0, 0)
}

/// FbFlush pushes the framebuffer to the display.
func FbFlush() int64 {
	return sys(defs.SYS_FB_FLUSH, 0, 0, 0)
}

/// EventGet pops one encoded input event; zero means none.
func EventGet() uint64 {
	return uint64(sys(defs.SYS_EVENT_GET, 0, 0, 0))
}

/// KeyPressed reports whether input events are pending.
func KeyPressed() bool {
	return sys(defs.SYS_KEY_PRESSED, 0, 0, 0) != 0
}
