// Package pipe is the in-kernel bounded byte channel: a fixed 4 KiB
// ring with reader/writer liveness flags, wrapped in two fd capabilities.
// Dropping an end flips its liveness flag so the peer stops blocking.
package pipe

import (
	"github.com/biscuit-kernel/sv39kernel/internal/circbuf"
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fd"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/ksync"
	"github.com/biscuit-kernel/sv39kernel/internal/limits"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

/// Status_t is the fill state of the ring.
type Status_t int

const (
	EMPTY Status_t = iota
	NORMAL
	FULL
)

/// Pipe_t is the shared ring. All fields are guarded by the interrupt
/// mask; both capabilities reference the same Pipe_t.
type Pipe_t struct {
	cb          circbuf.Circbuf_t
	readeralive bool
	writeralive bool

	rwait ksync.WaitQ_t // readers waiting for bytes
	wwait ksync.WaitQ_t // writers waiting for space
}

/// Status reports the ring's fill state.
func (p *Pipe_t) Status() Status_t {
	gd := cpu.IntrDisable()
	defer gd.Restore()
	switch {
	case p.cb.Empty():
		return EMPTY
	case p.cb.Full():
		return FULL
	}
	return NORMAL
}

/// MkPipe builds a pipe and returns its read and write capabilities, or
/// EMFILE if the system-wide pipe budget is exhausted.
func MkPipe() (*fd.Fd_t, *fd.Fd_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, defs.EMFILE
	}
	p := &Pipe_t{readeralive: true, writeralive: true}
	p.cb.Cb_init(mem.PGSIZE)
	rf := &fd.Fd_t{Fops: &pipefops_t{p: p, writer: false, openc: 1}, Perms: fd.FD_READ}
	wf := &fd.Fd_t{Fops: &pipefops_t{p: p, writer: true, openc: 1}, Perms: fd.FD_WRITE}
	return rf, wf, 0
}

// read copies up to dst.Remain() bytes out of the ring. An empty ring
// with a live writer blocks; an empty ring with a dead writer is EOF.
func (p *Pipe_t) read(dst fdops.Userio_i) (int, defs.Err_t) {
	for {
		gd := cpu.IntrDisable()
		if !p.cb.Empty() {
			c, err := p.cb.Copyout_n(dst, dst.Remain())
			// every drain makes space; writers re-check
			p.wwait.WakeAll()
			gd.Restore()
			return c, err
		}
		if !p.writeralive {
			gd.Restore()
			return 0, 0
		}
		p.rwait.WaitNoSchedule()
		sched.Block()
		gd.Restore()
	}
}

// write is the symmetric dual against readeralive: a full ring with a
// live reader blocks; any write with a dead reader moves no bytes.
func (p *Pipe_t) write(src fdops.Userio_i) (int, defs.Err_t) {
	wrote := 0
	for {
		gd := cpu.IntrDisable()
		if !p.readeralive {
			gd.Restore()
			return wrote, 0
		}
		if !p.cb.Full() {
			c, err := p.cb.Copyin(src)
			wrote += c
			p.rwait.WakeAll()
			if err != 0 {
				gd.Restore()
				return wrote, err
			}
			if src.Remain() == 0 {
				gd.Restore()
				return wrote, 0
			}
		} else {
			p.wwait.WaitNoSchedule()
			sched.Block()
		}
		gd.Restore()
	}
}

// dropEnd flips the end's liveness flag and unblocks the peer so it can
// observe the drop.
func (p *Pipe_t) dropEnd(writer bool) {
	gd := cpu.IntrDisable()
	if writer {
		p.writeralive = false
		p.rwait.WakeAll()
	} else {
		p.readeralive = false
		p.wwait.WakeAll()
	}
	if !p.readeralive && !p.writeralive {
		p.cb.Cb_release()
		limits.Syslimit.Pipes.Give()
	}
	gd.Restore()
}

// pipefops_t is one end's capability. openc counts references from dup
// and fork; the liveness flag flips only when the last reference closes.
type pipefops_t struct {
	p      *Pipe_t
	writer bool
	openc  int
}

func (pf *pipefops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if pf.writer {
		return 0, defs.EBADF
	}
	return pf.p.read(dst)
}

func (pf *pipefops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !pf.writer {
		return 0, defs.EBADF
	}
	return pf.p.write(src)
}

func (pf *pipefops_t) Close() defs.Err_t {
	gd := cpu.IntrDisable()
	pf.openc--
	last := pf.openc == 0
	gd.Restore()
	if last {
		pf.p.dropEnd(pf.writer)
	}
	return 0
}

func (pf *pipefops_t) Reopen() defs.Err_t {
	gd := cpu.IntrDisable()
	pf.openc++
	gd.Restore()
	return 0
}

func (pf *pipefops_t) Readable() bool { return !pf.writer }
func (pf *pipefops_t) Writable() bool { return pf.writer }
