// Package limits centralizes the kernel's per-process and system-wide
// resource maxima so the places that enforce them (the fd table, the thread
// table, the lock-slot vectors, pipe creation) all read one object instead
// of scattering magic numbers.
package limits

import "sync/atomic"

/// Lhits counts limit hits, for boot-time reporting.
var Lhits int64

/// Sysatomic_t is a numeric limit that can be atomically taken and given
/// back as the objects it bounds are created and destroyed.
type Sysatomic_t int64

/// Syslimit_t tracks resource limits. The per-process fields are ceilings
/// each process enforces on its own tables; the Sysatomic_t fields are
/// live system-wide budgets.
type Syslimit_t struct {
	// per-process table ceilings, enforced under the process lock
	Fds     int // open file descriptors (dense table size)
	Threads int // threads per process
	Locks   int // slots in each of the four lock-slot vectors

	// system-wide ceilings
	Sysprocs int

	// live budgets: every pipe, including the pipe pairs behind a socket
	// connection, takes from Pipes; each socket listener takes from Socks
	Pipes Sysatomic_t
	Socks Sysatomic_t
}

/// Syslimit holds the configured limits. Boot may overwrite it from the
/// loaded configuration (internal/bootcfg) before the first process runs.
var Syslimit *Syslimit_t = MkSysLimit()

/// MkSysLimit returns the default limit set: 256 fds, 1024 threads, and 64
/// lock slots per process.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Fds:      256,
		Threads:  1024,
		Locks:    64,
		Sysprocs: 1e4,
		Pipes:    1e4,
		Socks:    1e4,
	}
}

/// Given increases the budget by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

/// Taken tries to decrement the budget by the provided amount and reports
/// whether it succeeded. On failure the budget is unchanged.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64((*int64)(s), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	atomic.AddInt64(&Lhits, 1)
	return false
}

/// Take decrements the budget by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give returns one unit to the budget.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
