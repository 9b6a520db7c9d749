// Package fdops defines the capability contract shared by every kind of
// open file descriptor: regular files, pipes, sockets, the console, and
// /dev/null.
package fdops

import "github.com/biscuit-kernel/sv39kernel/internal/defs"

/// Userio_i abstracts a source or sink for bytes that may live in user
/// memory, kernel memory, or a fixed-size fake buffer. vm.Userbuf_t,
/// vm.Useriovec_t, and vm.Fakeubuf_t all implement it; circbuf.Circbuf_t
/// copies to and from whatever Userio_i it is handed without caring which.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Fdops_i is the operation set every open file descriptor exposes,
/// regardless of what backs it (pipe ring buffer, console, socket, regular
/// file). fd.Fd_t holds one of these by interface value.
type Fdops_i interface {
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
	Readable() bool
	Writable() bool
}
