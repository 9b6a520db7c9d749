// Package accnt accumulates per-process CPU time. Charges land at the
// trap boundaries, the only points where the kernel learns whose time an
// interval was: the stretch since the last return to user is user time,
// the stretch spent inside a syscall is system time. The totals feed the
// rusage encoding wait-style reporting wants and the profiling device's
// snapshots.
package accnt

import (
	"sync"

	"github.com/biscuit-kernel/sv39kernel/internal/util"
)

/// Accnt_t is one process's accumulated user and system time, in
/// nanoseconds. The mutex makes snapshots consistent against concurrent
/// charging from the trap path.
type Accnt_t struct {
	mu     sync.Mutex
	userns int64
	sysns  int64
}

/// ChargeUser adds ns nanoseconds of user time.
func (a *Accnt_t) ChargeUser(ns int64) {
	a.mu.Lock()
	a.userns += ns
	a.mu.Unlock()
}

/// ChargeSys adds ns nanoseconds of system time.
func (a *Accnt_t) ChargeSys(ns int64) {
	a.mu.Lock()
	a.sysns += ns
	a.mu.Unlock()
}

/// Merge folds another record into this one: the reaper absorbs a
/// reaped child's totals so the time is not lost with the process.
func (a *Accnt_t) Merge(n *Accnt_t) {
	nu, ns := n.Snapshot()
	a.mu.Lock()
	a.userns += nu
	a.sysns += ns
	a.mu.Unlock()
}

/// Snapshot returns a consistent view of the totals.
func (a *Accnt_t) Snapshot() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userns, a.sysns
}

/// ToRusage serializes the totals as two little-endian timevals, user
/// then system, each {seconds, microseconds}.
func (a *Accnt_t) ToRusage() []uint8 {
	userns, sysns := a.Snapshot()
	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		return int(nano / 1e9), int((nano % 1e9) / 1000)
	}
	s, us := totv(userns)
	util.Writen(ret, 8, 0, s)
	util.Writen(ret, 8, 8, us)
	s, us = totv(sysns)
	util.Writen(ret, 8, 16, s)
	util.Writen(ret, 8, 24, us)
	return ret
}
