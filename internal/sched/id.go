package sched

import "sync"

/// Idstore_t hands out small integer ids (pids, tids, kernel-stack slots)
/// in ascending order, recycling released ids LIFO before minting new
/// ones.
type Idstore_t struct {
	mu   sync.Mutex
	next int
	free []int
}

/// MkIdstore returns a store whose first minted id is first.
func MkIdstore(first int) *Idstore_t {
	return &Idstore_t{next: first}
}

/// Alloc returns the next available id.
func (st *Idstore_t) Alloc() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n := len(st.free); n > 0 {
		id := st.free[n-1]
		st.free = st.free[:n-1]
		return id
	}
	id := st.next
	st.next++
	return id
}

/// Free recycles an id for reuse.
func (st *Idstore_t) Free(id int) {
	st.mu.Lock()
	st.free = append(st.free, id)
	st.mu.Unlock()
}
