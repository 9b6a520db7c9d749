package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
)

func task(pid, tid int) TaskID {
	return TaskID{Pid: defs.Pid_t(pid), Tid: defs.Tid_t(tid)}
}

func TestFIFOAcrossYield(t *testing.T) {
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		id := task(1, i)
		Register(id, func() {
			order = append(order, i)
			Yield()
			order = append(order, i+10)
			ExitCurrent()
		})
		Enqueue(id)
	}
	Run()
	// strict FIFO: first round in enqueue order, second round preserves
	// the yield order
	assert.Equal(t, []int{0, 1, 2, 10, 11, 12}, order)
}

func TestBlockAndTryWakeup(t *testing.T) {
	var order []string
	a := task(2, 0)
	b := task(2, 1)
	Register(a, func() {
		order = append(order, "a-pre")
		Block()
		order = append(order, "a-woken")
		ExitCurrent()
	})
	Register(b, func() {
		order = append(order, "b")
		TryWakeup(a)
		// a second wakeup of a now-RUNNING task is silently dropped
		TryWakeup(a)
		ExitCurrent()
	})
	Enqueue(a)
	Enqueue(b)
	Run()
	assert.Equal(t, []string{"a-pre", "b", "a-woken"}, order)
}

func TestTryWakeupUnknownTaskIgnored(t *testing.T) {
	TryWakeup(task(99, 99)) // must not panic or enqueue
	Run()                   // queue empty, no tasks: returns immediately
}

func TestStatusTransitions(t *testing.T) {
	a := task(3, 0)
	b := task(3, 1)
	Register(a, func() {
		st, ok := Status(a)
		assert.True(t, ok)
		assert.Equal(t, RUNNING, st)
		Block()
		ExitCurrent()
	})
	Register(b, func() {
		st, ok := Status(a)
		assert.True(t, ok)
		assert.Equal(t, READY, st) // blocked reads as READY off-queue
		TryWakeup(a)
		st, _ = Status(a)
		assert.Equal(t, RUNNING, st)
		ExitCurrent()
	})
	Enqueue(a)
	Enqueue(b)
	Run()
	_, ok := Status(a)
	assert.False(t, ok)
}

func TestPurgeDropsQueued(t *testing.T) {
	var ran []int
	keep := task(4, 0)
	drop := task(4, 1)
	Register(keep, func() {
		ran = append(ran, 0)
		ExitCurrent()
	})
	Register(drop, func() {
		ran = append(ran, 1)
		ExitCurrent()
	})
	Enqueue(drop)
	Enqueue(keep)
	Purge(func(id TaskID) bool { return id == drop })
	Unregister(drop)
	Run()
	assert.Equal(t, []int{0}, ran)
}

func TestReplaceEntry(t *testing.T) {
	var ran []string
	id := task(5, 0)
	Register(id, func() {
		ran = append(ran, "old")
		ExitCurrent()
	})
	ReplaceEntry(id, func() {
		ran = append(ran, "new")
		ExitCurrent()
	})
	Enqueue(id)
	Run()
	assert.Equal(t, []string{"new"}, ran)
}

func TestIdstore(t *testing.T) {
	st := MkIdstore(1)
	require.Equal(t, 1, st.Alloc())
	require.Equal(t, 2, st.Alloc())
	st.Free(1)
	// recycled LIFO before minting
	assert.Equal(t, 1, st.Alloc())
	assert.Equal(t, 3, st.Alloc())
}
