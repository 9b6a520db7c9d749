// Package signal implements the signal delivery state machine:
// masked/pending bookkeeping, the 32-slot action table, and the
// handler-frame push/pop against the thread's trap-context page. The
// delivery loop runs on every return-to-user path, after the trap handler
// and before the register restore.
package signal

import (
	"fmt"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/trap"
)

/// Sigaction_t is one action slot: the handler's entry VA (0 = default)
/// and the additional mask applied while that handler runs.
type Sigaction_t struct {
	Handler uint64
	Mask    uint32
}

/// Sighand_t is a process's signal-handler block.
type Sighand_t struct {
	Pending uint32
	Mask    uint32
	Actions [defs.NSIG]Sigaction_t
	Current int // signum of the running handler, -1 = none
}

/// Init resets the block to its post-exec state: nothing pending, nothing
/// masked, all actions default, no handler running.
func (sh *Sighand_t) Init() {
	sh.Pending = 0
	sh.Mask = 0
	for i := range sh.Actions {
		sh.Actions[i] = Sigaction_t{}
	}
	sh.Current = -1
}

/// Raise marks signum pending. Raising an out-of-range signum is EINVAL,
/// and signum 0 is rejected too: kill(pid, 0) is not a valid probe in
/// this kernel.
func (sh *Sighand_t) Raise(signum int) defs.Err_t {
	if signum <= 0 || signum >= defs.NSIG {
		return defs.EINVAL
	}
	sh.Pending |= 1 << uint(signum)
	return 0
}

/// Sigaction installs act for signum, returning the previous slot.
/// SIGKILL and SIGSTOP cannot be reinstalled.
func (sh *Sighand_t) Sigaction(signum int, act Sigaction_t) (Sigaction_t, defs.Err_t) {
	if signum < 0 || signum >= defs.NSIG {
		return Sigaction_t{}, defs.EINVAL
	}
	if signum == defs.SIGKILL || signum == defs.SIGSTOP {
		return Sigaction_t{}, defs.EINVAL
	}
	old := sh.Actions[signum]
	sh.Actions[signum] = act
	return old, 0
}

/// Sigprocmask replaces the global mask, returning the previous one.
func (sh *Sighand_t) Sigprocmask(mask uint32) uint32 {
	old := sh.Mask
	sh.Mask = mask
	return old
}

/// Verdict_t is the outcome of one delivery scan step.
type Verdict_t int

const (
	VerdOK      Verdict_t = iota // continue scanning / return to user
	VerdWAIT                     // stopped: caller yields and rescans
	VerdSTOP                     // fatal: process exits with the signum
	VerdDELIVER                  // handler frame pushed: return to user at handler
)

/// Deliver runs one scan over pending-and-unmasked signals against the
/// thread's trap-context page. For VerdSTOP the returned signum is the
/// process exit code; for VerdDELIVER the context in pg has been
/// redirected at the handler with the original saved in the shadow slot.
func (sh *Sighand_t) Deliver(pid defs.Pid_t, pg *mem.Page) (Verdict_t, int) {
	for i := 0; i < defs.NSIG; i++ {
		bit := uint32(1) << uint(i)
		if sh.Pending&bit == 0 || sh.Mask&bit != 0 {
			continue
		}
		// a running handler's per-handler mask defers this signal
		if sh.Current != -1 && sh.Actions[sh.Current].Mask&bit != 0 {
			continue
		}
		if sh.Actions[i].Handler != 0 && !defs.IsFatal(i) &&
			i != defs.SIGCONT && i != defs.SIGSTOP {
			// push the handler frame: shadow the live context, then
			// redirect it at the handler with the signum in a0
			trap.SaveShadow(pg)
			var tc trap.Tctx_t
			tc.ReadFrom(pg, 0)
			tc.Sepc = sh.Actions[i].Handler
			tc.Regs[trap.REG_A0] = uint64(i)
			tc.WriteTo(pg, 0)
			sh.Current = i
			sh.Pending &^= bit
			return VerdDELIVER, i
		}
		switch {
		case defs.IsFatal(i):
			fmt.Printf("[kernel] pid %v killed by signal %v\n", pid, i)
			return VerdSTOP, i
		case i == defs.SIGCONT:
			sh.Pending &^= 1 << uint(defs.SIGSTOP)
			sh.Pending &^= 1 << uint(defs.SIGCONT)
		case i == defs.SIGSTOP:
			// remains pending until a CONT clears it
			return VerdWAIT, i
		default:
			// no handler installed: ignore
			sh.Pending &^= bit
		}
	}
	return VerdOK, 0
}

/// Sigreturn pops the handler frame: the shadow context overwrites the
/// live one, the running-handler slot clears, and the restored a0 becomes
/// the syscall's return value.
func (sh *Sighand_t) Sigreturn(pg *mem.Page) int64 {
	sh.Current = -1
	return int64(trap.RestoreShadow(pg))
}
