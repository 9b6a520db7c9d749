// Package fd is the file-descriptor capability that every open object
// (pipe, console, /dev/null, raw disk) is wrapped in before it lands in a
// process's descriptor table.
package fd

import (
	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
)

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents an open file descriptor: an Fdops_i plus the permission
/// bits under which this particular reference was opened.
type Fd_t struct {
	// fops is an interface implemented via a pointer receiver, thus fops
	// is a reference, not a value: duplicating an Fd_t shares the
	// underlying pipe/console/file, exactly as fork() requires.
	Fops  fdops.Fdops_i /// descriptor operations
	Perms int           /// permission bits
}

/// Copyfd duplicates an open file descriptor by reopening it. Used by
/// fork() (shared references) and dup().
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	err := nfd.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure; used for
/// descriptors the kernel itself owns and whose Close() is known to
/// succeed (e.g. the kernel's own pipe-initialization error paths).
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}
