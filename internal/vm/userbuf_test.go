package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
)

func stackAs(t *testing.T) (*As, mem.VA) {
	t.Helper()
	as := NewUser()
	t.Cleanup(as.Teardown)
	require.True(t, as.AddUserStack(0))
	lo, _ := UserStackRange(0)
	return as, lo
}

func TestUserbufRoundTrip(t *testing.T) {
	as, lo := stackAs(t)

	src := make([]uint8, 5000) // crosses a page boundary
	for i := range src {
		src[i] = uint8(i)
	}
	ub, err := MkUserbuf(as, lo, len(src))
	require.Equal(t, defs.Err_t(0), err)
	n, werr := ub.CopyFromKernel(src)
	require.Equal(t, defs.Err_t(0), werr)
	assert.Equal(t, len(src), n)
	assert.Equal(t, 0, ub.Remain())

	ub, _ = MkUserbuf(as, lo, len(src))
	got, rerr := ub.CopyToKernel(len(src))
	require.Equal(t, defs.Err_t(0), rerr)
	assert.Equal(t, src, got)
}

func TestUserbufPartialReads(t *testing.T) {
	as, lo := stackAs(t)
	ub, _ := MkUserbuf(as, lo, 16)
	ub.CopyFromKernel([]uint8("0123456789abcdef"))

	ub, _ = MkUserbuf(as, lo, 16)
	assert.Equal(t, 16, ub.Totalsz())
	b1 := make([]uint8, 4)
	n, _ := ub.Uioread(b1)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(b1))
	assert.Equal(t, 12, ub.Remain())
	n, _ = ub.Uioread(b1)
	assert.Equal(t, "4567", string(b1[:n]))
}

func TestUserbufUnmappedFails(t *testing.T) {
	as, _ := stackAs(t)
	_, err := MkUserbuf(as, mem.MkVA(0x4000), 8)
	assert.Equal(t, defs.EFAULT, err)
}

func TestUserbufWriteToReadOnly(t *testing.T) {
	as := NewUser()
	defer as.Teardown()
	require.True(t, as.AddRegion("ro", VRange{Lo: 0x1000, Hi: 0x2000}, PermR|PermU, false))
	f, ok := mem.Physmem.Alloc()
	require.True(t, ok)
	as.Lock()
	r := as.regions["ro"]
	as.Unlock()
	as.Table.Map4k(mem.VPNOf(0x1000), f.PPN(), (PermR | PermU).flags())
	r.frames[mem.VPNOf(0x1000)] = f

	ub, err := MkUserbuf(as, 0x1000, 8)
	require.Equal(t, defs.Err_t(0), err)
	_, werr := ub.CopyFromKernel([]uint8{1})
	assert.Equal(t, defs.EFAULT, werr)
	// reading is still fine
	_, rerr := ub.CopyToKernel(4)
	assert.Equal(t, defs.Err_t(0), rerr)
}

func TestReadUTF8IntoRepairs(t *testing.T) {
	as, lo := stackAs(t)
	raw := []uint8{'o', 'k', 0xff, 0xfe, '!'}
	ub, _ := MkUserbuf(as, lo, len(raw))
	ub.CopyFromKernel(raw)

	ub, _ = MkUserbuf(as, lo, len(raw))
	var sb strings.Builder
	n, err := ub.ReadUTF8Into(&sb)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "ok��!", sb.String())
}

func TestFakeubuf(t *testing.T) {
	fb := &Fakeubuf_t{}
	fb.Fake_init([]uint8("abcd"))
	assert.Equal(t, 4, fb.Totalsz())
	dst := make([]uint8, 2)
	fb.Uioread(dst)
	assert.Equal(t, "ab", string(dst))
	assert.Equal(t, 2, fb.Remain())
}
