// Package kpanic is the kernel's last line of diagnostics: when an
// invariant is violated (double-freed frame, map over an existing mapping,
// empty ready queue, bad syscall id), the offending code path calls Kpanic,
// which prints the message and the kernel call chain that got there, then
// halts the machine. It also carries Distinct_caller_t, a warn-once filter
// for diagnostics that would otherwise flood the console from a hot path.
package kpanic

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Halted is set once the machine has halted. Spinning kernel goroutines
// poll it so a halted simulation winds down instead of hanging go test.
var halted int32

/// Halted reports whether the machine has been halted by a kernel panic.
func Halted() bool {
	return atomic.LoadInt32(&halted) != 0
}

/// Halt_t is the value a halting kernel panics with, so test harnesses can
/// distinguish a deliberate machine halt from an ordinary Go runtime panic.
type Halt_t struct {
	Msg string
}

func (h Halt_t) Error() string {
	return "machine halt: " + h.Msg
}

/// Kpanic prints the formatted message plus the call chain that reached it
/// and halts the machine. It never returns.
func Kpanic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("kernel panic: %s\n", msg)
	Callerdump(2)
	atomic.StoreInt32(&halted, 1)
	panic(Halt_t{Msg: msg})
}

/// Callerdump prints the call stack starting at the given frame depth.
func Callerdump(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}

/// Distinct_caller_t detects the first call from each distinct path of
/// ancestor callers. Fields are protected by the embedded mutex.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	Whitel  map[string]bool
}

// returns a poor-man's hash of the given PC values, which is probably
// unique.
func (dc *Distinct_caller_t) _pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("d'oh")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

/// Len returns the number of unique caller paths recorded.
func (dc *Distinct_caller_t) Len() int {
	dc.Lock()
	ret := len(dc.did)
	dc.Unlock()
	return ret
}

/// Distinct reports whether the current call chain is new. It returns true
/// along with a formatted stack trace when the chain has not been seen
/// before.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, 30)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no")
		}
	}
	h := dc._pchash(pcs)
	if ok := dc.did[h]; !ok {
		dc.did[h] = true
		frames := runtime.CallersFrames(pcs)
		fs := ""
		for {
			fr, more := frames.Next()
			if ok := dc.Whitel[fr.Function]; ok {
				return false, ""
			}
			if fs == "" {
				fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function,
					fr.File, fr.Line)
			} else {
				fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function,
					fr.File, fr.Line)
			}
			if !more || fr.Function == "runtime.goexit" {
				break
			}
		}
		return true, fs
	}
	return false, ""
}
