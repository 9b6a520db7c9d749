// Package trap defines the per-thread trap context: the 33-word register
// save area (32 general registers + pc) followed by the kernel resumption
// metadata the trap-entry path needs (kernel stack top, page-table tokens,
// handler address, and the context's own user virtual address). The
// context lives serialized inside each thread's dedicated trap-context
// page so it is addressable both by the kernel (as a physical frame) and
// by the trap-entry code (at a fixed per-thread user VA), and so that
// fork's byte-for-byte frame copy carries it to the child intact.
package trap

import (
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
)

// Register numbers within the save area, RISC-V ABI names.
const (
	REG_RA = 1  // x1, return address
	REG_SP = 2  // x2, stack pointer
	REG_A0 = 10 // x10, first argument / return value
	REG_A1 = 11
	REG_A2 = 12
	REG_A7 = 17 // x17, syscall id
)

const nregs = 32

// Word offsets of the metadata trailing the 33-word register file.
const (
	offSepc    = nregs      // word 32
	offSstatus = nregs + 1  // saved supervisor status
	offKsp     = nregs + 2  // kernel stack top
	offKsatp   = nregs + 3  // kernel page-table root token
	offUsatp   = nregs + 4  // user page-table root token
	offHandler = nregs + 5  // absolute address of the trap handler
	offCtxva   = nregs + 6  // user VA of this structure
	ctxwords   = nregs + 7
)

/// CtxBytes is the serialized size of one trap context.
const CtxBytes = ctxwords * 8

/// ShadowOff is the byte offset of the saved-context shadow slot within
/// the trap-context page: a half-page copy used to restore after
/// sigreturn.
const ShadowOff = mem.PGSIZE / 2

/// Tctx_t is a decoded trap context. Mutations only take effect once the
/// context is stored back into its page with WriteTo.
type Tctx_t struct {
	Regs    [nregs]uint64
	Sepc    uint64
	Sstatus uint64
	Ksp     uint64
	Ksatp   uint64
	Usatp   uint64
	Handler uint64
	Ctxva   uint64
}

/// ReadFrom decodes the trap context stored at byte offset off of pg.
func (tc *Tctx_t) ReadFrom(pg *mem.Page, off int) {
	b := pg[off : off+CtxBytes]
	for i := 0; i < nregs; i++ {
		tc.Regs[i] = uint64(util.Readn(b, 8, i*8))
	}
	tc.Sepc = uint64(util.Readn(b, 8, offSepc*8))
	tc.Sstatus = uint64(util.Readn(b, 8, offSstatus*8))
	tc.Ksp = uint64(util.Readn(b, 8, offKsp*8))
	tc.Ksatp = uint64(util.Readn(b, 8, offKsatp*8))
	tc.Usatp = uint64(util.Readn(b, 8, offUsatp*8))
	tc.Handler = uint64(util.Readn(b, 8, offHandler*8))
	tc.Ctxva = uint64(util.Readn(b, 8, offCtxva*8))
}

/// WriteTo stores the trap context at byte offset off of pg. x0 is pinned
/// to zero no matter what the caller stored in Regs[0].
func (tc *Tctx_t) WriteTo(pg *mem.Page, off int) {
	b := pg[off : off+CtxBytes]
	tc.Regs[0] = 0
	for i := 0; i < nregs; i++ {
		util.Writen(b, 8, i*8, int(tc.Regs[i]))
	}
	util.Writen(b, 8, offSepc*8, int(tc.Sepc))
	util.Writen(b, 8, offSstatus*8, int(tc.Sstatus))
	util.Writen(b, 8, offKsp*8, int(tc.Ksp))
	util.Writen(b, 8, offKsatp*8, int(tc.Ksatp))
	util.Writen(b, 8, offUsatp*8, int(tc.Usatp))
	util.Writen(b, 8, offHandler*8, int(tc.Handler))
	util.Writen(b, 8, offCtxva*8, int(tc.Ctxva))
}

/// SaveShadow copies the live trap context at the base of pg into the
/// shadow slot at ShadowOff, for later restoration by sigreturn.
func SaveShadow(pg *mem.Page) {
	copy(pg[ShadowOff:ShadowOff+CtxBytes], pg[0:CtxBytes])
}

/// RestoreShadow copies the shadow slot back over the live trap context
/// and returns the restored context's a0, which becomes sigreturn's
/// return value.
func RestoreShadow(pg *mem.Page) uint64 {
	copy(pg[0:CtxBytes], pg[ShadowOff:ShadowOff+CtxBytes])
	var tc Tctx_t
	tc.ReadFrom(pg, 0)
	return tc.Regs[REG_A0]
}

/// Syscall argument accessors; arguments arrive in a0..a2 with the id
/// in a7, and the return value is written back into a0.

func (tc *Tctx_t) SysID() int       { return int(tc.Regs[REG_A7]) }
func (tc *Tctx_t) Arg(n int) uint64 { return tc.Regs[REG_A0+n] }
func (tc *Tctx_t) SetRet(v int64)   { tc.Regs[REG_A0] = uint64(v) }

/// Cause_t distinguishes why the machine trapped to the kernel.
type Cause_t int

const (
	CauseEcall Cause_t = iota
	CauseLoadFault
	CauseStoreFault
	CauseIllegal
	CauseTimer
	CauseExternal
)

func (c Cause_t) String() string {
	switch c {
	case CauseEcall:
		return "ecall"
	case CauseLoadFault:
		return "load fault"
	case CauseStoreFault:
		return "store fault"
	case CauseIllegal:
		return "illegal instruction"
	case CauseTimer:
		return "timer interrupt"
	case CauseExternal:
		return "external interrupt"
	}
	return "unknown"
}
