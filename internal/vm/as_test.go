package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/pgtbl"
)

func TestMain(m *testing.M) {
	mem.Init(2048)
	m.Run()
}

func TestAddRegionValidation(t *testing.T) {
	as := NewUser()
	defer as.Teardown()

	ok := as.AddRegion("a", VRange{Lo: 0x1000, Hi: 0x3000}, PermR|PermU, false)
	require.True(t, ok)

	// empty and inverted ranges
	assert.False(t, as.AddRegion("b", VRange{Lo: 0x5000, Hi: 0x5000}, PermR, false))
	assert.False(t, as.AddRegion("c", VRange{Lo: 0x6000, Hi: 0x5000}, PermR, false))
	// duplicate name
	assert.False(t, as.AddRegion("a", VRange{Lo: 0x8000, Hi: 0x9000}, PermR, false))
	// overlap
	assert.False(t, as.AddRegion("d", VRange{Lo: 0x2000, Hi: 0x4000}, PermR, false))
	// adjacent is fine
	assert.True(t, as.AddRegion("e", VRange{Lo: 0x3000, Hi: 0x4000}, PermR, false))
}

func TestUserStackAndTrapContext(t *testing.T) {
	as := NewUser()
	defer as.Teardown()

	require.True(t, as.AddUserStack(0))
	require.True(t, as.AddTrapContext(0))

	// the stack is mapped and user-writable
	lo, hi := UserStackRange(0)
	assert.Equal(t, mem.VA(UserStackPages*mem.PGSIZE), hi-lo)
	frags, err := as.Translate(lo, int(hi-lo))
	require.Equal(t, defs.Err_t(0), err)
	assert.Len(t, frags, UserStackPages)

	// the trap-context page is mapped R/W (not user-visible)
	f, ok := as.TrapContextFrame(0)
	require.True(t, ok)
	ppn, flags, ok := as.Table.Walk(mem.VPNOf(TrapContextVA(0)))
	require.True(t, ok)
	assert.Equal(t, f.PPN(), ppn)
	assert.NotZero(t, flags&pgtbl.W)
	assert.Zero(t, flags&pgtbl.U)

	// distinct tids land on distinct pages
	require.True(t, as.AddTrapContext(1))
	assert.NotEqual(t, TrapContextVA(0), TrapContextVA(1))
}

func TestTranslateCutsAtPages(t *testing.T) {
	as := NewUser()
	defer as.Teardown()
	require.True(t, as.AddUserStack(0))
	lo, _ := UserStackRange(0)

	frags, err := as.Translate(lo+mem.VA(mem.PGSIZE-16), 32)
	require.Equal(t, defs.Err_t(0), err)
	require.Len(t, frags, 2)
	assert.Equal(t, 16, frags[0].Len)
	assert.Equal(t, 16, frags[1].Len)

	// unmapped range fails whole
	_, err = as.Translate(mem.MkVA(0x10000), 8)
	assert.Equal(t, defs.EFAULT, err)
}

func TestClearRegion(t *testing.T) {
	as := NewUser()
	defer as.Teardown()
	require.True(t, as.AddUserStack(0))
	lo, hi := UserStackRange(0)

	ub, err := MkUserbuf(as, lo, 8)
	require.Equal(t, defs.Err_t(0), err)
	ub.CopyFromKernel([]uint8{1, 2, 3, 4, 5, 6, 7, 8})

	as.ClearRegion(RegionUserStack(0), lo, hi)
	ub, _ = MkUserbuf(as, lo, 8)
	got, _ := ub.CopyToKernel(8)
	assert.Equal(t, make([]uint8, 8), got)
}

func TestForkCopiesBytesNotFrames(t *testing.T) {
	tt, ok := mem.Physmem.Alloc()
	require.True(t, ok)
	defer tt.Free()

	parent := NewUser()
	defer parent.Teardown()
	parent.MapTrapText(tt)
	require.True(t, parent.AddUserStack(0))
	require.True(t, parent.AddTrapContext(0))

	lo, _ := UserStackRange(0)
	pat := make([]uint8, 1024)
	for i := range pat {
		pat[i] = 0xA5
	}
	ub, _ := MkUserbuf(parent, lo, len(pat))
	ub.CopyFromKernel(pat)

	child := NewUser()
	defer child.Teardown()
	require.Equal(t, defs.Err_t(0), parent.ForkInto(child, tt))

	// byte-equal contents
	cub, err := MkUserbuf(child, lo, len(pat))
	require.Equal(t, defs.Err_t(0), err)
	got, _ := cub.CopyToKernel(len(pat))
	assert.Equal(t, pat, got)

	// no shared physical frames except trap_text
	pppn, _, _ := parent.Table.Walk(mem.VPNOf(lo))
	cppn, _, _ := child.Table.Walk(mem.VPNOf(lo))
	assert.NotEqual(t, pppn, cppn)
	ptt, _, _ := parent.Table.Walk(mem.VPNOf(TrapTextVA))
	ctt, _, _ := child.Table.Walk(mem.VPNOf(TrapTextVA))
	assert.Equal(t, ptt, ctt)
	assert.Equal(t, tt.PPN(), ctt)

	// mutating one side does not affect the other
	ub, _ = MkUserbuf(parent, lo, 4)
	ub.CopyFromKernel([]uint8{9, 9, 9, 9})
	cub, _ = MkUserbuf(child, lo, 4)
	got, _ = cub.CopyToKernel(4)
	assert.Equal(t, []uint8{0xA5, 0xA5, 0xA5, 0xA5}, got)
}

func TestIdentityRegionSplit(t *testing.T) {
	as := NewKernel()
	// 4 KiB head, 2 MiB middle, 4 KiB tail
	lo := mem.VA(0x1FF000)
	hi := mem.VA(0x601000)
	require.True(t, as.AddIdentityRegion("ram", VRange{Lo: lo, Hi: hi}, PermR|PermW))

	for _, va := range []mem.VA{lo, 0x200000, 0x3FF000, 0x600000} {
		ppn, _, ok := as.Table.Walk(mem.VPNOf(va))
		require.True(t, ok, "va %v", va)
		assert.Equal(t, mem.PPNOf(mem.PA(va)), ppn)
	}
	_, _, ok := as.Table.Walk(mem.VPNOf(hi))
	assert.False(t, ok)
}

func mkELF(entry uint64, vaddr uint64, text []byte) []byte {
	b := make([]byte, 64+56+len(text))
	copy(b, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	put16 := func(off int, v uint16) { b[off] = byte(v); b[off+1] = byte(v >> 8) }
	put32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put16(16, 2)    // ET_EXEC
	put16(18, 0xf3) // EM_RISCV
	put32(20, 1)
	put64(24, entry)
	put64(32, 64) // phoff
	put16(52, 64)
	put16(54, 56)
	put16(56, 1)
	ph := 64
	put32(ph+0, 1) // PT_LOAD
	put32(ph+4, 5) // R|X
	put64(ph+8, 120)
	put64(ph+16, vaddr)
	put64(ph+24, vaddr)
	put64(ph+32, uint64(len(text)))
	put64(ph+40, uint64(len(text)))
	put64(ph+48, 0x1000)
	return b
}

func TestLoadELF(t *testing.T) {
	as := NewUser()
	defer as.Teardown()

	text := []byte{0x13, 0x00, 0x00, 0x00, 0x73, 0x00, 0x00, 0x00}
	img := mkELF(0x10000, 0x10000, text)
	entry, err := as.LoadELF(img)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, mem.VA(0x10000), entry)

	// segment bytes landed, remainder of the page is zero
	frags, terr := as.Translate(0x10000, len(text)+4)
	require.Equal(t, defs.Err_t(0), terr)
	got := mem.Dmap(frags[0].PA)[:len(text)+4]
	assert.Equal(t, text, []byte(got[:len(text)]))
	assert.Equal(t, []byte{0, 0, 0, 0}, []byte(got[len(text):]))
}

func TestLoadELFBadMagic(t *testing.T) {
	as := NewUser()
	defer as.Teardown()
	_, err := as.LoadELF([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, defs.EINVAL, err)
}
