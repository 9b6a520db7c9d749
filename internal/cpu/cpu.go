// Package cpu models the one piece of processor state the kernel core
// manipulates directly: the supervisor interrupt-enable bit. On the real
// machine this is sstatus.SIE; hosted, it is a flag the timer/IRQ
// injection paths consult before delivering. All wait-queue mutations
// happen inside an interrupt-masked critical section to close the
// wakeup-lost race.
package cpu

import "sync"

var (
	mu  sync.Mutex
	sie = true // supervisor interrupts enabled
)

/// IntrLock_t is the scoped interrupt-mask guard: construction reads and
/// clears the previous interrupt-enable state, Restore puts it back.
type IntrLock_t struct {
	was bool
}

/// IntrDisable masks supervisor interrupts, returning a guard that
/// restores the previous state.
func IntrDisable() IntrLock_t {
	mu.Lock()
	g := IntrLock_t{was: sie}
	sie = false
	mu.Unlock()
	return g
}

/// Restore re-enables interrupts iff they were enabled when the guard was
/// taken.
func (g IntrLock_t) Restore() {
	mu.Lock()
	sie = g.was
	mu.Unlock()
}

/// SretEnable re-enables supervisor interrupts unconditionally. The idle
/// loop applies it just before switching to a task, modeling sret's
/// SPIE-to-SIE restore on the return-to-task path.
func SretEnable() {
	mu.Lock()
	sie = true
	mu.Unlock()
}

/// IntrEnabled reports whether supervisor interrupts are currently
/// deliverable. IRQ injection (the hosted stand-in for the PLIC raising a
/// line) checks this and pends the interrupt when masked.
func IntrEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return sie
}
