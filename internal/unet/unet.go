// Package unet is the minimal network stack behind accept/listen/connect:
// loopback stream sockets built as crossed pairs of pipe rings. There is
// no wire; a connection is two in-kernel byte channels, one per
// direction, sharing the pipe's liveness semantics.
package unet

import (
	"github.com/biscuit-kernel/sv39kernel/internal/cpu"
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fd"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
	"github.com/biscuit-kernel/sv39kernel/internal/ksync"
	"github.com/biscuit-kernel/sv39kernel/internal/limits"
	"github.com/biscuit-kernel/sv39kernel/internal/pipe"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

// pending is one half-open connection parked on a listener: the server's
// two pipe ends, handed over at accept time.
type pending struct {
	srd, swr *fd.Fd_t
}

type listener struct {
	port    int
	backlog []pending
	wq      ksync.WaitQ_t
	closed  bool
}

var listeners = map[int]*listener{}

/// Listen binds a listener to port and returns its capability, or EINVAL
/// on a port already bound and EMFILE on an exhausted socket budget.
func Listen(port int) (*fd.Fd_t, defs.Err_t) {
	if !limits.Syslimit.Socks.Take() {
		return nil, defs.EMFILE
	}
	gd := cpu.IntrDisable()
	defer gd.Restore()
	if _, dup := listeners[port]; dup {
		limits.Syslimit.Socks.Give()
		return nil, defs.EINVAL
	}
	l := &listener{port: port}
	listeners[port] = l
	return &fd.Fd_t{Fops: &lfops_t{l: l, openc: 1}, Perms: fd.FD_READ}, 0
}

/// Connect dials the listener on port, returning the client capability.
/// The connection is established immediately; the server side sits in
/// the listener's backlog until accepted.
func Connect(port int) (*fd.Fd_t, defs.Err_t) {
	gd := cpu.IntrDisable()
	l, ok := listeners[port]
	if !ok || l.closed {
		gd.Restore()
		return nil, defs.ENOENT
	}
	gd.Restore()

	// client->server and server->client rings
	c2sr, c2sw, err := pipe.MkPipe()
	if err != 0 {
		return nil, err
	}
	s2cr, s2cw, err := pipe.MkPipe()
	if err != 0 {
		fd.Close_panic(c2sr)
		fd.Close_panic(c2sw)
		return nil, err
	}

	gd = cpu.IntrDisable()
	l.backlog = append(l.backlog, pending{srd: c2sr, swr: s2cw})
	l.wq.WakeOne()
	gd.Restore()

	cf := &fd.Fd_t{
		Fops:  &sockfops_t{rd: s2cr, wr: c2sw},
		Perms: fd.FD_READ | fd.FD_WRITE,
	}
	return cf, 0
}

/// Accept blocks until a connection arrives on l's backlog and returns
/// the server-side capability.
func Accept(lf *fd.Fd_t) (*fd.Fd_t, defs.Err_t) {
	lf2, ok := lf.Fops.(*lfops_t)
	if !ok {
		return nil, defs.EBADF
	}
	l := lf2.l
	for {
		gd := cpu.IntrDisable()
		if l.closed {
			gd.Restore()
			return nil, defs.EBADF
		}
		if len(l.backlog) > 0 {
			pn := l.backlog[0]
			l.backlog = l.backlog[1:]
			gd.Restore()
			sf := &fd.Fd_t{
				Fops:  &sockfops_t{rd: pn.srd, wr: pn.swr},
				Perms: fd.FD_READ | fd.FD_WRITE,
			}
			return sf, 0
		}
		l.wq.WaitNoSchedule()
		sched.Block()
		gd.Restore()
	}
}

// lfops_t is a listener capability: it carries no byte stream of its
// own.
type lfops_t struct {
	l     *listener
	openc int
}

func (lo *lfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, defs.EBADF
}

func (lo *lfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return 0, defs.EBADF
}

func (lo *lfops_t) Close() defs.Err_t {
	gd := cpu.IntrDisable()
	lo.openc--
	if lo.openc == 0 {
		lo.l.closed = true
		delete(listeners, lo.l.port)
		lo.l.wq.WakeAll()
		// drain unaccepted connections so dialers see EOF
		for _, pn := range lo.l.backlog {
			pn.srd.Fops.Close()
			pn.swr.Fops.Close()
		}
		lo.l.backlog = nil
		limits.Syslimit.Socks.Give()
	}
	gd.Restore()
	return 0
}

func (lo *lfops_t) Reopen() defs.Err_t {
	gd := cpu.IntrDisable()
	lo.openc++
	gd.Restore()
	return 0
}

func (lo *lfops_t) Readable() bool { return false }
func (lo *lfops_t) Writable() bool { return false }

// sockfops_t is one end of an established connection: a read ring and a
// write ring with crossed ownership.
type sockfops_t struct {
	rd, wr *fd.Fd_t
}

func (so *sockfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	return so.rd.Fops.Read(dst)
}

func (so *sockfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return so.wr.Fops.Write(src)
}

func (so *sockfops_t) Close() defs.Err_t {
	so.rd.Fops.Close()
	return so.wr.Fops.Close()
}

func (so *sockfops_t) Reopen() defs.Err_t {
	so.rd.Fops.Reopen()
	return so.wr.Fops.Reopen()
}

func (so *sockfops_t) Readable() bool { return true }
func (so *sockfops_t) Writable() bool { return true }
