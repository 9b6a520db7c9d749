package kernel_test

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-kernel/sv39kernel/internal/bootcfg"
	"github.com/biscuit-kernel/sv39kernel/internal/cons"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/kernel"
	"github.com/biscuit-kernel/sv39kernel/internal/proc"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/stat"
	"github.com/biscuit-kernel/sv39kernel/internal/syscalls"
	"github.com/biscuit-kernel/sv39kernel/internal/timer"
	"github.com/biscuit-kernel/sv39kernel/internal/trap"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/usys"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

func TestMain(m *testing.M) {
	cfg := bootcfg.Default()
	cfg.MemPages = 8192
	if err := kernel.Boot(cfg); err != nil {
		panic(err)
	}
	ramfs.Attach(ramfs.MkMemdisk(256))
	m.Run()
}

var progseq int32

// runProg seeds name as a loadable image, registers fn as its text, and
// runs it as a fresh root process to completion.
func runProg(t *testing.T, fn func()) {
	t.Helper()
	n := atomic.AddInt32(&progseq, 1)
	name := "/prog" + string(rune('A'+n%26)) + string(rune('0'+n/26))
	ramfs.WriteFile(ustr.Ustr(name), mkELF(0x10000, 0x10000, make([]byte, 8)))
	proc.RegisterProgram(name, fn)
	_, err := proc.StartInit(name, 0x10000)
	require.Equal(t, defs.Err_t(0), err)
	sched.Run()
}

func mkELF(entry uint64, vaddr uint64, text []byte) []byte {
	b := make([]byte, 64+56+len(text))
	copy(b, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	put16 := func(off int, v uint16) { b[off] = byte(v); b[off+1] = byte(v >> 8) }
	put32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put16(16, 2)    // ET_EXEC
	put16(18, 0xf3) // EM_RISCV
	put32(20, 1)
	put64(24, entry)
	put64(32, 64)
	put16(52, 64)
	put16(54, 56)
	put16(56, 1)
	ph := 64
	put32(ph+0, 1) // PT_LOAD
	put32(ph+4, 5) // R|X
	put64(ph+8, 120)
	put64(ph+16, vaddr)
	put64(ph+24, vaddr)
	put64(ph+32, uint64(len(text)))
	put64(ph+40, uint64(len(text)))
	put64(ph+48, 0x1000)
	return b
}

// Three threads meet two barriers built from the mutex/condvar
// syscalls; phases must not interleave.
func TestBarrierWithCondMutex(t *testing.T) {
	var out bytes.Buffer
	cons.Console.SetOutput(&out)
	defer cons.Console.SetOutput(nil)

	runProg(t, func() {
		const nthr = 3
		mtx := int(usys.MutexCreate(true))
		cond := int(usys.CondCreate())
		count, gen := 0, 0
		barrier := func() {
			usys.MutexLock(mtx)
			mygen := gen
			count++
			if count == nthr {
				count = 0
				gen++
				for i := 0; i < nthr-1; i++ {
					usys.CondSignal(cond)
				}
			} else {
				for gen == mygen {
					usys.CondWait(cond, mtx)
				}
			}
			usys.MutexUnlock(mtx)
		}
		worker := func() {
			for _, phase := range []string{"a", "b", "c"} {
				for i := 0; i < 300; i++ {
					usys.Write(1, []byte(phase))
					if i%100 == 0 {
						usys.Yield()
					}
				}
				barrier()
			}
			usys.ThreadExit(0)
		}
		tids := make([]int, nthr)
		for i := range tids {
			tids[i] = int(usys.ThreadCreate(worker, 0))
		}
		for _, tid := range tids {
			usys.Waittid(tid)
		}
		usys.Write(1, []byte("OK!"))
		usys.Exit(0)
	})

	s := out.String()
	require.True(t, strings.HasSuffix(s, "OK!"))
	body := strings.TrimSuffix(s, "OK!")
	assert.Equal(t, 2700, len(body))
	assert.Equal(t, 900, strings.Count(body, "a"))
	assert.Equal(t, 900, strings.Count(body, "b"))
	assert.Equal(t, 900, strings.Count(body, "c"))
	// every a precedes every b, every b precedes every c
	assert.Less(t, strings.LastIndex(body, "a"), strings.Index(body, "b"))
	assert.Less(t, strings.LastIndex(body, "b"), strings.Index(body, "c"))
}

// Pipe single-word: the child writes "hello", the parent reads until
// EOF.
func TestPipeHello(t *testing.T) {
	var reads []int
	var first string
	runProg(t, func() {
		rfd, wfd, perr := usys.Pipe()
		if perr != 0 {
			usys.Exit(1)
		}
		child := usys.Fork(func() {
			usys.Write(wfd, []byte("hello"))
			usys.Close(wfd)
			usys.Exit(0)
		})
		usys.Close(wfd)
		for {
			b, n := usys.Read(rfd, 16)
			reads = append(reads, int(n))
			if n <= 0 {
				break
			}
			if first == "" {
				first = string(b)
			}
		}
		usys.Wait(int(child))
		usys.Exit(0)
	})
	assert.Equal(t, []int{5, 0}, reads)
	assert.Equal(t, "hello", first)
}

// Fork copies memory byte-for-byte, then the copies diverge.
func TestForkCopiesUserMemory(t *testing.T) {
	var childSaw []byte
	var parentAfter []byte
	runProg(t, func() {
		p, th := proc.CurrentProc()
		lo, _ := vm.UserStackRange(th.Tid)
		va := uint64(lo) + 3000

		pat := bytes.Repeat([]byte{0xA5}, 1024)
		ub, _ := vm.MkUserbuf(p.As, vm.VA(va), len(pat))
		ub.CopyFromKernel(pat)

		child := usys.Fork(func() {
			cp, cth := proc.CurrentProc()
			clo, _ := vm.UserStackRange(cth.Tid)
			cub, _ := vm.MkUserbuf(cp.As, clo+3000, 1024)
			childSaw, _ = cub.CopyToKernel(1024)
			// the child's mutation must not reach the parent
			wub, _ := vm.MkUserbuf(cp.As, clo+3000, 4)
			wub.CopyFromKernel([]byte{1, 2, 3, 4})
			usys.Exit(0)
		})
		usys.Wait(int(child))
		rub, _ := vm.MkUserbuf(p.As, vm.VA(va), 1024)
		parentAfter, _ = rub.CopyToKernel(1024)
		usys.Exit(0)
	})
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, 1024), childSaw)
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, 1024), parentAfter)
}

// Fork return values: child sees 0 in its saved a0, parent the new pid.
func TestForkReturnValues(t *testing.T) {
	var childRet int64 = -100
	var parentRet int64
	runProg(t, func() {
		parentRet = usys.Fork(func() {
			cp, cth := proc.CurrentProc()
			var tc trap.Tctx_t
			tc.ReadFrom(proc.TrapFrame(cp, cth), 0)
			childRet = int64(tc.Regs[trap.REG_A0])
			usys.Exit(0)
		})
		usys.Wait(int(parentRet))
		usys.Exit(0)
	})
	assert.Equal(t, int64(0), childRet)
	assert.Greater(t, parentRet, int64(0))
}

// Exec argv: the execed program observes argc and the packed
// argument block below its stack.
func TestExecArgv(t *testing.T) {
	var argc int
	var argv []string
	name := "/argvtest"
	ramfs.WriteFile(ustr.Ustr(name), mkELF(0x10000, 0x10000, make([]byte, 8)))
	proc.RegisterProgram(name, func() {
		p, th := proc.CurrentProc()
		var tc trap.Tctx_t
		tc.ReadFrom(proc.TrapFrame(p, th), 0)
		argc = int(tc.Regs[trap.REG_A0])
		sp := tc.Regs[trap.REG_A1]
		// entries are {len, bytes, 0}; the path comes first
		off := sp
		rd := func() string {
			hb, _ := vm.MkUserbuf(p.As, vm.VA(off), 8)
			hdr, _ := hb.CopyToKernel(8)
			n := util.Readn(hdr, 8, 0)
			sb, _ := vm.MkUserbuf(p.As, vm.VA(off+8), n)
			s, _ := sb.CopyToKernel(n)
			off += uint64(8 + n + 1)
			return string(s)
		}
		rd() // path
		for i := 0; i < argc; i++ {
			argv = append(argv, rd())
		}
		usys.Exit(0)
	})

	runProg(t, func() {
		child := usys.Fork(func() {
			usys.Exec(name, []string{"a", "bc", "def"})
			usys.Exit(9) // only on exec failure
		})
		_, code := usys.Wait(int(child))
		if code != 0 {
			argc = -1
		}
		usys.Exit(0)
	})
	assert.Equal(t, 3, argc)
	assert.Equal(t, []string{"a", "bc", "def"}, argv)
}

// A failed exec returns -1 and leaves the caller intact.
func TestExecFailureLeavesProcess(t *testing.T) {
	var execRet int64
	var alive bool
	runProg(t, func() {
		execRet = usys.Exec("/does-not-exist", nil)
		alive = true
		usys.Exit(0)
	})
	assert.Equal(t, int64(-1), execRet)
	assert.True(t, alive)
}

// Signal round trip: the handler runs once and the saved a0 comes
// back unchanged.
func TestSignalRoundTrip(t *testing.T) {
	var handled int
	var killRet int64
	runProg(t, func() {
		usys.Signal(defs.SIGUSR1, func(signum int) {
			if signum == defs.SIGUSR1 {
				handled++
			}
		})
		killRet = usys.Kill(int(usys.GetPid()), defs.SIGUSR1)
		usys.Exit(0)
	})
	assert.Equal(t, 1, handled)
	// kill's own return value survives the handler frame push/pop
	assert.Equal(t, int64(0), killRet)
}

func TestSigactionRoundTripBitIdentical(t *testing.T) {
	var before, after [2]uint64
	runProg(t, func() {
		// install a known action, read it back, reinstall it
		usys.SigactionRaw(defs.SIGUSR1, 0xbeef, 0x3, 0)
		h, m, _ := usys.Sigaction(defs.SIGUSR1, 0, 0, false)
		before = [2]uint64{h, uint64(m)}
		oh, om, _ := usys.Sigaction(defs.SIGUSR1, h, m, true)
		after = [2]uint64{oh, uint64(om)}
		usys.Exit(0)
	})
	assert.Equal(t, [2]uint64{0xbeef, 0x3}, before)
	assert.Equal(t, before, after)
}

// A fatal signal's default action ends the process with the signum as
// exit code.
func TestFatalSignalExitCode(t *testing.T) {
	var code int
	runProg(t, func() {
		child := usys.Fork(func() {
			for {
				usys.Yield() // runs until killed
			}
		})
		usys.Kill(int(child), defs.SIGKILL)
		_, code = usys.Wait(int(child))
		usys.Exit(0)
	})
	assert.Equal(t, defs.SIGKILL, code)
}

// A memory fault raises SIGSEGV against the faulting process.
func TestMemoryFaultKillsProcess(t *testing.T) {
	var code int
	runProg(t, func() {
		child := usys.Fork(func() {
			syscalls.Fault(trap.CauseStoreFault)
			usys.Exit(0) // unreachable
		})
		_, code = usys.Wait(int(child))
		usys.Exit(0)
	})
	assert.Equal(t, defs.SIGSEGV, code)
}

// sleep_ms wakes at or after the deadline, within two scheduling
// quanta.
func TestSleepTiming(t *testing.T) {
	var t0, t1 int64
	runProg(t, func() {
		t0 = usys.GetTime()
		usys.SleepMS(50)
		t1 = usys.GetTime()
		usys.Exit(0)
	})
	assert.GreaterOrEqual(t, t1, t0+50)
	assert.Less(t, t1, t0+50+2*timer.SchedulIntervalMS)
}

func TestWaitpidSemantics(t *testing.T) {
	var nonChild, noChild int64
	runProg(t, func() {
		// no children at all: -1 immediately
		noChild, _ = usys.Waitpid(int(defs.AnyPid))
		child := usys.Fork(func() {
			usys.Exit(3)
		})
		// waiting on a pid that is not a child: -1
		nonChild, _ = usys.Waitpid(int(child) + 100)
		r, code := usys.Wait(int(child))
		if r != child || code != 3 {
			noChild = -99
		}
		usys.Exit(0)
	})
	assert.Equal(t, int64(-1), noChild)
	assert.Equal(t, int64(-1), nonChild)
}

func TestFdTableOps(t *testing.T) {
	var wrote, dupWrote int64
	var got string
	runProg(t, func() {
		fdn := usys.Open("/tmpfile", defs.O_RDWR|defs.O_CREATE)
		wrote = usys.Write(int(fdn), []byte("data1"))
		d := usys.Dup(int(fdn))
		dupWrote = usys.Write(int(d), []byte("data2"))
		usys.Close(int(fdn))
		usys.Close(int(d))
		rb, _ := ramfs.ReadFile(ustr.Ustr("/tmpfile"))
		got = string(rb)
		usys.Exit(0)
	})
	assert.Equal(t, int64(5), wrote)
	assert.Equal(t, int64(5), dupWrote)
	// the dup shares the file offset, so the writes append
	assert.Equal(t, "data1data2", got)
}

func TestSocketsAcrossProcesses(t *testing.T) {
	var got string
	runProg(t, func() {
		lfd := usys.Listen(4100)
		child := usys.Fork(func() {
			cfd := usys.Connect(4100)
			usys.Write(int(cfd), []byte("over loopback"))
			usys.Close(int(cfd))
			usys.Exit(0)
		})
		sfd := usys.Accept(int(lfd))
		b, _ := usys.Read(int(sfd), 32)
		got = string(b)
		usys.Close(int(sfd))
		usys.Close(int(lfd))
		usys.Wait(int(child))
		usys.Exit(0)
	})
	assert.Equal(t, "over loopback", got)
}

func TestLockSlotABI(t *testing.T) {
	var mid, sid, mid2 int64
	runProg(t, func() {
		mid = usys.MutexCreate(true)   // blocking: low id space
		sid = usys.MutexCreate(false)  // spinlock: offset by 64
		mid2 = usys.MutexCreate(true)  // first-empty-slot scan
		usys.MutexLock(int(sid))
		usys.MutexUnlock(int(sid))
		usys.Exit(0)
	})
	assert.Equal(t, int64(0), mid)
	assert.Equal(t, int64(64), sid)
	assert.Equal(t, int64(1), mid2)
}

func TestSemaphoreSyscalls(t *testing.T) {
	var order []string
	runProg(t, func() {
		sem := int(usys.SemCreate(0))
		tid := usys.ThreadCreate(func() {
			order = append(order, "down-pre")
			usys.SemDown(sem)
			order = append(order, "down-post")
			usys.ThreadExit(0)
		}, 0)
		usys.Yield() // let the waiter block
		order = append(order, "up")
		usys.SemUp(sem)
		usys.Waittid(int(tid))
		usys.Exit(0)
	})
	assert.Equal(t, []string{"down-pre", "up", "down-post"}, order)
}

func TestProfDevYieldsProfile(t *testing.T) {
	var n int64
	runProg(t, func() {
		fdn := usys.Open("/dev/prof", defs.O_RDONLY)
		if fdn < 0 {
			usys.Exit(1)
		}
		total := int64(0)
		for {
			_, r := usys.Read(int(fdn), 512)
			if r <= 0 {
				break
			}
			total += r
		}
		n = total
		usys.Close(int(fdn))
		usys.Exit(0)
	})
	// a serialized (gzipped) pprof profile is never empty
	assert.Greater(t, n, int64(0))
}

func TestStatDevOverSyscalls(t *testing.T) {
	ramfs.WriteFile(ustr.Ustr("/stat-target"), []byte("12345"))
	var got []byte
	runProg(t, func() {
		fdn := usys.Open("/dev/stat", defs.O_RDONLY)
		if fdn < 0 {
			usys.Exit(1)
		}
		for {
			b, r := usys.Read(int(fdn), 128)
			if r <= 0 {
				break
			}
			got = append(got, b...)
		}
		usys.Close(int(fdn))
		usys.Exit(0)
	})

	found := false
	off := 0
	for off < len(got) {
		nl := util.Readn(got, 8, off)
		off += 8
		name := string(got[off : off+nl])
		off += nl
		var st stat.Stat_t
		st.Decode(got[off : off+stat.Bytes])
		off += stat.Bytes
		if name == "/stat-target" {
			found = true
			assert.Equal(t, uint(5), st.Size())
		}
	}
	assert.True(t, found)
}

func TestConsoleIRQPath(t *testing.T) {
	var got string
	kernel.InjectConsole('h')
	kernel.InjectConsole('i')
	runProg(t, func() {
		b, _ := usys.Read(0, 8)
		got = string(b)
		usys.Exit(0)
	})
	assert.Equal(t, "hi", got)
}

func TestInputEvents(t *testing.T) {
	var ev uint64
	var had bool
	kernel.InjectKey(1, 30, 1)
	runProg(t, func() {
		had = usys.KeyPressed()
		ev = usys.EventGet()
		usys.Exit(0)
	})
	assert.True(t, had)
	assert.Equal(t, uint64(1)<<48|uint64(30)<<32|1, ev)
}

func TestFramebufferMap(t *testing.T) {
	flushed := false
	syscalls.SetFramebuffer(0x100000, 2*4096+100, func() { flushed = true })
	var va int64
	runProg(t, func() {
		va = usys.FbMap()
		usys.FbFlush()
		usys.Exit(0)
	})
	assert.Equal(t, int64(vm.FramebufferVA), va)
	assert.True(t, flushed)
}

func TestPreemptionAtTrapBoundary(t *testing.T) {
	var order []string
	runProg(t, func() {
		tid := usys.ThreadCreate(func() {
			order = append(order, "other")
			usys.ThreadExit(0)
		}, 0)
		// a timer IRQ lands while this thread runs; the next trap
		// boundary yields, letting the other thread in
		kernel.OnTimerIRQ()
		usys.GetTime() // any syscall is a trap boundary
		order = append(order, "main")
		usys.Waittid(int(tid))
		usys.Exit(0)
	})
	assert.Equal(t, []string{"other", "main"}, order)
}
