package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Init(512)
	m.Run()
}

func TestAlignHelpers(t *testing.T) {
	assert.Equal(t, uint64(0), Down4k(4095))
	assert.Equal(t, uint64(4096), Up4k(1))
	assert.Equal(t, uint64(4096), Up4k(4096))
	assert.Equal(t, uint64(0), Down2m(1<<21-1))
	assert.Equal(t, uint64(1<<21), Up2m(1))
	assert.Equal(t, uint64(0), Down1g(1<<30-1))
	assert.Equal(t, uint64(1<<30), Up1g(1))
}

func TestAddressMasking(t *testing.T) {
	// physical addresses are masked to 56 bits
	assert.Equal(t, PA(0), MkPA(1<<56))
	assert.Equal(t, PA(1<<55), MkPA(1<<55))
	// virtual addresses sign-extend from bit 38
	va := MkVA(uint64(1) << 38)
	assert.Equal(t, uint64(0xFFFFFFC000000000), uint64(va))
	assert.Equal(t, VA(0x1000), MkVA(0x1000))
}

func TestVPNIndices(t *testing.T) {
	// L0 is the topmost 9 bits of the VPN
	vpn := VPN(uint64(1)<<18 | uint64(2)<<9 | 3)
	assert.Equal(t, [3]int{1, 2, 3}, vpn.Idx())
}

func TestFrameAllocFree(t *testing.T) {
	f, ok := Physmem.Alloc()
	require.True(t, ok)
	avail := Physmem.Avail()
	f.Bytes()[0] = 0xAA
	f.Free()
	assert.Equal(t, avail+1, Physmem.Avail())

	// freed frames are reused LIFO and come back zeroed from Alloc
	f2, ok := Physmem.Alloc()
	require.True(t, ok)
	assert.Equal(t, f.PPN(), f2.PPN())
	assert.Equal(t, uint8(0), f2.Bytes()[0])
	f2.Free()
}

func TestFrameDoubleFreePanics(t *testing.T) {
	f, ok := Physmem.Alloc()
	require.True(t, ok)
	f.Free()
	assert.Panics(t, func() { f.Free() })
}

func TestDmapSeesFrameBytes(t *testing.T) {
	f, ok := Physmem.Alloc()
	require.True(t, ok)
	defer f.Free()
	f.Bytes()[7] = 0x5A
	b := Dmap(f.PA() + 7)
	assert.Equal(t, uint8(0x5A), b[0])
}

func TestDMAAllocator(t *testing.T) {
	a := NewDMAAllocator(8)
	r1, err := a.Alloc(context.Background(), 4)
	require.NoError(t, err)
	r2, err := a.Alloc(context.Background(), 4)
	require.NoError(t, err)
	r1.Free()
	r3, err := a.Alloc(context.Background(), 2)
	require.NoError(t, err)
	r3.Free()
	r2.Free()
	assert.Panics(t, func() { r2.Free() })
}

func TestDMAExhaustion(t *testing.T) {
	a := NewDMAAllocator(2)
	r, err := a.Alloc(context.Background(), 2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = a.Alloc(ctx, 1)
	assert.Error(t, err)
	r.Free()
}
