// Package pgtbl implements the three-level radix page table: the static
// table that covers the kernel's identity map and the dynamic table each
// process address space owns. The tree lives in its own package so
// internal/vm owns regions and naming while this package owns walks and
// entry installation.
package pgtbl

import "github.com/biscuit-kernel/sv39kernel/internal/mem"

// Flag is one bit of a page-table entry's permission/state byte.
type Flag uint8

const (
	V Flag = 1 << iota // valid
	R                  // readable
	W                  // writable
	X                  // executable
	U                  // user-accessible
	G                  // global (shared across address spaces)
	A                  // accessed
	D                  // dirty
)

const nEntries = 512 // 9-bit index per level

// entry is one page-table slot: a PPN plus its flag set.
type entry struct {
	ppn   mem.PPN
	flags Flag
}

func (e entry) valid() bool  { return e.flags&V != 0 }
func (e entry) isLeaf() bool { return e.flags&(R|W|X) != 0 }

// node is one 512-entry level of the radix tree. Unlike real RISC-V Sv39,
// which packs entries into an 8-byte-per-slot physical page, this kernel
// keeps nodes as Go-native structs addressed directly by pointer, with
// the owning Frame kept so interior-node accounting and teardown still
// run through the frame allocator.
type node struct {
	entries  [nEntries]entry
	children [nEntries]*node // nil until an interior entry is installed
	frame    *mem.Frame      // nil for nodes living in the static table's reserved block
}

/// Table is a page table: either the static kernel table (backed by a
/// pre-reserved contiguous block) or a dynamic per-process table (backed
/// by lazily allocated frames).
type Table struct {
	root *node

	static   bool
	reserved []*node // the static table's pre-reserved nodes, in alloc order
	nextRes  int

	// l2bitmap tracks which of the static table's reserved L2 slots are
	// taken.
	l2bitmap uint16

	owned []*mem.Frame // frames this dynamic table has allocated for interior/leaf nodes
}

// staticReserve is the pre-reserved node count for the static table: 1
// root + 4 L1 + 11 L2.
const staticReserve = 1 + 4 + 11
const staticL2Count = 11

/// NewStatic creates the kernel's static identity-map table, pre-reserving
/// its full fixed-size node block up front.
func NewStatic() *Table {
	t := &Table{static: true}
	t.reserved = make([]*node, staticReserve)
	for i := range t.reserved {
		t.reserved[i] = &node{}
	}
	t.root = t.reserved[0]
	t.nextRes = 1
	return t
}

/// NewDynamic creates a process address space's dynamic table, with only
/// its root frame allocated.
func NewDynamic() *Table {
	f, ok := mem.Physmem.Alloc()
	if !ok {
		return nil
	}
	t := &Table{root: &node{frame: f}}
	t.owned = append(t.owned, f)
	return t
}

// allocNode hands out the next interior/leaf node: from the static
// table's reserved block if t is static, else freshly from the frame
// allocator.
func (t *Table) allocNode() *node {
	if t.static {
		if t.nextRes >= len(t.reserved) {
			panic("static page table exhausted its reserved node block")
		}
		n := t.reserved[t.nextRes]
		t.nextRes++
		return n
	}
	f, ok := mem.Physmem.Alloc()
	if !ok {
		return nil
	}
	n := &node{frame: f}
	t.owned = append(t.owned, f)
	return n
}

/// Map4k installs a 4 KiB leaf mapping at vpn → ppn with the given flags,
/// lazily allocating and clearing any missing interior nodes along the
/// way. Fails fatally if vpn is already mapped.
func (t *Table) Map4k(vpn mem.VPN, ppn mem.PPN, flags Flag) {
	idx := vpn.Idx()
	n := t.root
	for lvl := 0; lvl < 2; lvl++ {
		i := idx[lvl]
		if n.children[i] == nil {
			child := t.allocNode()
			if child == nil {
				panic("page table: out of frames for interior node")
			}
			n.children[i] = child
			n.entries[i] = entry{ppn: childPPN(child), flags: V}
		}
		n = n.children[i]
	}
	leaf := idx[2]
	if n.entries[leaf].valid() {
		panic("page table: map_4k of already-mapped vpn")
	}
	n.entries[leaf] = entry{ppn: ppn, flags: flags | V}
}

func childPPN(n *node) mem.PPN {
	if n.frame != nil {
		return n.frame.PPN()
	}
	return 0
}

/// Unmap4k clears the leaf entry at vpn. Interior nodes are left in
/// place for lazy tear-down when the owning table drops.
func (t *Table) Unmap4k(vpn mem.VPN) {
	idx := vpn.Idx()
	n := t.root
	for lvl := 0; lvl < 2; lvl++ {
		n = n.children[idx[lvl]]
		if n == nil {
			return
		}
	}
	n.entries[idx[2]] = entry{}
}

/// Walk performs the three-step descent for vpn, returning the mapped
/// PPN and its flags, or ok=false if any step is missing or invalid.
func (t *Table) Walk(vpn mem.VPN) (ppn mem.PPN, flags Flag, ok bool) {
	idx := vpn.Idx()
	n := t.root

	// A 2 MiB block installed at L1, or a 1 GiB super-block at L0, is a
	// leaf at an interior level: check for that before descending.
	for lvl := 0; lvl < 2; lvl++ {
		e := n.entries[idx[lvl]]
		if !e.valid() {
			return 0, 0, false
		}
		if e.isLeaf() {
			return blockPPN(e.ppn, idx, lvl), e.flags, true
		}
		n = n.children[idx[lvl]]
		if n == nil {
			return 0, 0, false
		}
	}
	e := n.entries[idx[2]]
	if !e.valid() {
		return 0, 0, false
	}
	return e.ppn, e.flags, true
}

// blockPPN computes the effective PPN for an address falling inside a
// block (L1) or super-block (L0) leaf, by combining the leaf's base PPN
// with the lower-level indices the walk didn't consume.
func blockPPN(base mem.PPN, idx [3]int, leafLvl int) mem.PPN {
	switch leafLvl {
	case 0:
		return base | mem.PPN(idx[1])<<9 | mem.PPN(idx[2])
	case 1:
		return base | mem.PPN(idx[2])
	default:
		return base
	}
}

/// Static reports whether this is the pre-reserved kernel table.
func (t *Table) Static() bool { return t.static }

/// MapBlock2m installs a 2 MiB block leaf at L1, for identity ranges
/// whose endpoints are both 2 MiB-aligned. Only valid on the static
/// table.
func (t *Table) MapBlock2m(vpn mem.VPN, ppn mem.PPN, flags Flag) {
	if !t.static {
		panic("2 MiB block installation is only valid on the static table")
	}
	idx := vpn.Idx()
	i0 := idx[0]
	if t.root.children[i0] == nil {
		child := t.allocNode()
		t.root.children[i0] = child
		t.root.entries[i0] = entry{ppn: childPPN(child), flags: V}
	}
	l1 := t.root.children[i0]
	i1 := idx[1]
	if l1.entries[i1].valid() {
		panic("page table: map_block_2m of already-mapped range")
	}
	l1.entries[i1] = entry{ppn: ppn, flags: flags | V}
	t.l2bitmap |= 1 << uint(i1%staticL2Count)
}

/// Teardown releases every frame this dynamic table owns, including its
/// root. Panics if called on the static table, which never tears down.
func (t *Table) Teardown() {
	if t.static {
		panic("static table cannot be torn down")
	}
	for _, f := range t.owned {
		f.Free()
	}
	t.owned = nil
}
