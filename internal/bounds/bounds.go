// Package bounds names the call sites that consume heap reservations so
// internal/res can charge unbounded-looking kernel loops (copying a large
// user buffer, walking an iovec array) against a budget instead of letting a
// user process force the kernel to allocate without limit.
package bounds

/// Bounds identifies a call site for resource accounting purposes.
type Bounds int

// Call sites that loop over user-controlled lengths. Each iteration of such
// a loop must re-check its reservation via res.Resadd_noblock.
const (
	B_ASPACE_T_K2USER_INNER Bounds = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_NUMBOUNDS
)
