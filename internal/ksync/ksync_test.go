package ksync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
)

var tidseq int

// spawn registers and enqueues fn as a schedulable task.
func spawn(fn func()) {
	tidseq++
	id := sched.TaskID{Pid: 1, Tid: defs.Tid_t(tidseq)}
	sched.Register(id, func() {
		fn()
		sched.ExitCurrent()
	})
	sched.Enqueue(id)
}

func TestSpinLock(t *testing.T) {
	var sl SpinLock_t
	assert.Equal(t, 0, sl.Lock())
	assert.Equal(t, 1, sl.Lock()) // contended: caller busy-loops
	sl.Unlock()
	assert.Equal(t, 0, sl.Lock())
	sl.Unlock()
}

func TestMutexMutualExclusion(t *testing.T) {
	var m Mutex_t
	counter := 0
	for i := 0; i < 3; i++ {
		spawn(func() {
			for j := 0; j < 50; j++ {
				m.Lock()
				tmp := counter
				sched.Yield() // force interleaving inside the section
				counter = tmp + 1
				m.Unlock()
			}
		})
	}
	sched.Run()
	assert.Equal(t, 150, counter)
}

func TestSemaphoreBlocksAtZero(t *testing.T) {
	s := MkSem(0)
	var order []string
	spawn(func() {
		order = append(order, "down-pre")
		s.Down()
		order = append(order, "down-post")
	})
	spawn(func() {
		order = append(order, "up")
		s.Up()
	})
	sched.Run()
	assert.Equal(t, []string{"down-pre", "up", "down-post"}, order)
}

func TestSemaphoreCountedAdmission(t *testing.T) {
	s := MkSem(2)
	admitted := 0
	for i := 0; i < 2; i++ {
		spawn(func() {
			s.Down()
			admitted++
		})
	}
	sched.Run()
	assert.Equal(t, 2, admitted)
}

func TestCondvarWaitSignal(t *testing.T) {
	var m Mutex_t
	var cv Condvar_t
	ready := false
	var got []string
	spawn(func() {
		m.Lock()
		for !ready {
			cv.Wait(&m)
		}
		got = append(got, "consumer")
		m.Unlock()
	})
	spawn(func() {
		m.Lock()
		ready = true
		m.Unlock()
		got = append(got, "producer")
		cv.SignalOne()
	})
	sched.Run()
	assert.Equal(t, []string{"producer", "consumer"}, got)
}

func TestCondvarSignalAllOrder(t *testing.T) {
	var m Mutex_t
	var cv Condvar_t
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		spawn(func() {
			m.Lock()
			cv.Wait(&m)
			order = append(order, i)
			m.Unlock()
		})
	}
	spawn(func() {
		// let every waiter park first
		for j := 0; j < 4; j++ {
			sched.Yield()
		}
		cv.SignalAll()
	})
	sched.Run()
	// signal_all preserves enqueue order
	assert.Equal(t, []int{0, 1, 2}, order)
}
