package proc

import (
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fd"
	"github.com/biscuit-kernel/sv39kernel/internal/kpanic"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/trap"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/util"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

/// Exec replaces the calling process's image: the new ELF is loaded into
/// a fresh address space, every other thread dies, the caller's stack and
/// trap context are rebuilt, and the argument block lands in the page
/// reserved at the top of the new stack, with sp starting below it. On success it never returns — the thread resumes
/// at the new entry point. On failure the process is unmodified and the
/// error is returned, which requires validating the ELF (and the program
/// lookup) before any mutation.
func (p *Proc_t) Exec(path ustr.Ustr, args []ustr.Ustr) defs.Err_t {
	_, ct := CurrentProc()
	tid := ct.Tid

	image, err := ramfs.ReadFile(path)
	if err != 0 {
		return defs.EGENERIC
	}
	pmu.Lock()
	newfn, ok := progtab[path.String()]
	pmu.Unlock()
	if !ok {
		return defs.EGENERIC
	}

	// build the entire replacement address space before touching the
	// process, so a bad image leaves the caller intact
	nas := vm.NewUser()
	nas.MapTrapText(traptext)
	entry, lerr := nas.LoadELF(image)
	if lerr != 0 {
		nas.Teardown()
		return defs.EGENERIC
	}
	if !nas.AddUserStack(tid) || !nas.AddTrapContext(tid) {
		nas.Teardown()
		return defs.ENOMEM
	}

	// the argument block must fit the one reserved page
	_, shi := vm.UserStackRange(tid)
	argpage, aerr := buildArgBlock(path, args)
	if aerr != 0 {
		nas.Teardown()
		return aerr
	}

	// point of no return: tear the other threads out of the ready queue
	// and the process
	sched.Purge(func(id sched.TaskID) bool {
		return id.Pid == p.Pid && id.Tid != tid
	})
	pmu.Lock()
	for otid, ot := range p.threads {
		if otid == tid {
			continue
		}
		sched.Unregister(sched.TaskID{Pid: p.Pid, Tid: otid})
		p.Tinfo.Lock()
		if n := p.Tinfo.Notes[otid]; n != nil {
			n.Alive = false
			n.Killed = true
		}
		p.Tinfo.Unlock()
		p.freeKstack(ot)
		delete(p.threads, otid)
	}
	// close-on-exec descriptors drop here; the rest survive
	for i, f := range p.fds {
		if f != nil && f.Perms&fd.FD_CLOEXEC != 0 {
			p.fds[i] = nil
			f.Fops.Close()
		}
	}
	pmu.Unlock()

	old := p.As
	p.As = nas
	old.Teardown()
	p.Sig.Init()

	// install the argument block in the reserved page below the stack
	// top and push sp down past it
	sp := uint64(shi) - uint64(mem.PGSIZE)
	ub, uerr := vm.MkUserbuf(p.As, vm.VA(sp), len(argpage))
	if uerr != 0 {
		kpanic.Kpanic("exec: new stack not mapped: %v", uerr)
	}
	if _, werr := ub.CopyFromKernel(argpage); werr != 0 {
		kpanic.Kpanic("exec: arg block copy failed: %v", werr)
	}

	f, ok := p.As.TrapContextFrame(tid)
	if !ok {
		kpanic.Kpanic("exec: trap context missing after rebuild")
	}
	var tc trap.Tctx_t
	tc.Sepc = uint64(entry)
	tc.Regs[trap.REG_SP] = sp
	tc.Regs[trap.REG_A0] = uint64(len(args))
	tc.Regs[trap.REG_A1] = sp
	_, khi := vm.KstackRange(ct.kstackslot)
	tc.Ksp = uint64(khi)
	tc.Ksatp = kernelSatp()
	tc.Usatp = userSatp(p)
	tc.Handler = trapHandlerAddr
	tc.Ctxva = uint64(vm.TrapContextVA(tid))
	tc.WriteTo(f.Bytes(), 0)

	// the new instruction stream replaces this one; on the real machine
	// this is the sfence.vma + icache invalidate before sret
	id := sched.TaskID{Pid: p.Pid, Tid: tid}
	sched.ReplaceEntry(id, p.wrapEntry(tid, newfn))
	sched.Enqueue(id)
	sched.ExitStream()
	panic("unreachable")
}

// buildArgBlock packs the path and each argument as {len, bytes, 0}
// contiguously, exactly one page at most. A block that does not fit is
// an error rather than a kernel panic: a user-controlled length must
// never be able to halt the machine.
func buildArgBlock(path ustr.Ustr, args []ustr.Ustr) ([]byte, defs.Err_t) {
	need := 0
	entry := func(s ustr.Ustr) int { return 8 + len(s) + 1 }
	need += entry(path)
	for _, a := range args {
		need += entry(a)
	}
	if need > 4096 {
		return nil, defs.EINVAL
	}
	blk := make([]byte, need)
	off := 0
	put := func(s ustr.Ustr) {
		util.Writen(blk, 8, off, len(s))
		off += 8
		copy(blk[off:], s)
		off += len(s)
		blk[off] = 0
		off++
	}
	put(path)
	for _, a := range args {
		put(a)
	}
	return blk, 0
}
