// Package mem implements the virtual-memory manager's leaf layer: typed
// physical/virtual addresses, the frame allocator and DMA allocator, and
// the physically-backed memory the rest of the kernel maps.
//
// The machine is a single-hart Sv39 RISC-V target hosted on the stock Go
// runtime: "physical memory" is a Go-allocated page arena indexed by PPN
// rather than real hardware pages, and the direct map is simply a slice
// view into that arena.
package mem

import "fmt"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes (4 KiB).
const PGSIZE int = 1 << PGSHIFT

/// BLOCKSHIFT is the base-2 exponent for a 2 MiB block mapping.
const BLOCKSHIFT uint = 21

/// BLOCKSIZE is the size of a 2 MiB block (an L1 leaf mapping).
const BLOCKSIZE int = 1 << BLOCKSHIFT

/// SUPERSHIFT is the base-2 exponent for a 1 GiB super-block mapping.
const SUPERSHIFT uint = 30

/// SUPERSIZE is the size of a 1 GiB super-block (an L0 leaf mapping, at
/// the top level of the walk).
const SUPERSIZE int = 1 << SUPERSHIFT

// Physical addresses are masked to 56 bits, virtual addresses are
// sign-extended from 39 bits (Sv39).
const (
	paWidth = 56
	vaWidth = 39
	paMask  = (uint64(1) << paWidth) - 1
	vaMask  = (uint64(1) << vaWidth) - 1
	vaSign  = uint64(1) << (vaWidth - 1)
)

/// PA is a physical address. Every PA constructed from a raw integer is
/// masked to paWidth bits.
type PA uint64

/// MkPA masks a raw integer into a valid physical address.
func MkPA(raw uint64) PA { return PA(raw & paMask) }

/// PPN is a physical page number: a PA with the page offset stripped.
type PPN uint64

/// PA returns the physical address at the start of page p.
func (p PPN) PA() PA { return PA(uint64(p) << PGSHIFT) }

/// PPNOf returns the page number containing physical address a.
func PPNOf(a PA) PPN { return PPN(uint64(a) >> PGSHIFT) }

/// VA is a virtual address. Every VA constructed from a raw integer is
/// masked to vaWidth bits and then sign-extended, matching Sv39 semantics.
type VA uint64

/// MkVA masks and sign-extends a raw integer into a valid virtual address.
func MkVA(raw uint64) VA {
	v := raw & vaMask
	if v&vaSign != 0 {
		v |= ^vaMask
	}
	return VA(v)
}

/// VPN is a virtual page number: a VA with the page offset stripped.
type VPN uint64

/// VA returns the virtual address at the start of page v.
func (v VPN) VA() VA { return MkVA(uint64(v) << PGSHIFT) }

/// VPNOf returns the page number containing virtual address a.
func VPNOf(a VA) VPN { return VPN(uint64(a) >> PGSHIFT) }

/// Idx returns the three 9-bit page-table indices [L0,L1,L2] for this
/// VPN, highest index first in walk order.
func (v VPN) Idx() [3]int {
	n := uint64(v)
	return [3]int{
		int((n >> 18) & 0x1ff), // L0: topmost 9 bits of the VPN
		int((n >> 9) & 0x1ff),  // L1
		int(n & 0x1ff),         // L2: bottommost 9 bits
	}
}

/// Offset returns the byte offset of a within its containing page.
func (a VA) Offset() uint64 { return uint64(a) & uint64(PGSIZE-1) }

// Alignment helpers, one pair per granule.

func roundDown(v uint64, granule uint64) uint64 { return v - (v % granule) }
func roundUp(v uint64, granule uint64) uint64    { return roundDown(v+granule-1, granule) }

func Down4k(v uint64) uint64  { return roundDown(v, uint64(PGSIZE)) }
func Up4k(v uint64) uint64    { return roundUp(v, uint64(PGSIZE)) }
func Down2m(v uint64) uint64  { return roundDown(v, uint64(BLOCKSIZE)) }
func Up2m(v uint64) uint64    { return roundUp(v, uint64(BLOCKSIZE)) }
func Down1g(v uint64) uint64  { return roundDown(v, uint64(SUPERSIZE)) }
func Up1g(v uint64) uint64    { return roundUp(v, uint64(SUPERSIZE)) }

func (a PA) String() string { return fmt.Sprintf("PA(0x%x)", uint64(a)) }
func (a VA) String() string { return fmt.Sprintf("VA(0x%x)", uint64(a)) }
