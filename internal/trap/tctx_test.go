package trap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biscuit-kernel/sv39kernel/internal/mem"
)

func TestTctxRoundTrip(t *testing.T) {
	var pg mem.Page
	var tc Tctx_t
	for i := range tc.Regs {
		tc.Regs[i] = uint64(i) * 0x1111
	}
	tc.Sepc = 0xdeadbeef
	tc.Sstatus = 0x120
	tc.Ksp = 0xFFFFFFFF80002000
	tc.Ksatp = 0x8000000000000001
	tc.Usatp = 0x8000000000000002
	tc.Handler = 0xFFFFFFFFFFFFF000
	tc.Ctxva = 0xFFFFFFFF40001000
	tc.WriteTo(&pg, 0)

	var got Tctx_t
	got.ReadFrom(&pg, 0)
	// x0 is pinned to zero regardless of what was stored
	tc.Regs[0] = 0
	assert.Equal(t, tc, got)
}

func TestSyscallAccessors(t *testing.T) {
	var tc Tctx_t
	tc.Regs[REG_A0] = 7
	tc.Regs[REG_A1] = 8
	tc.Regs[REG_A2] = 9
	tc.Regs[REG_A7] = 42
	assert.Equal(t, 42, tc.SysID())
	assert.Equal(t, uint64(7), tc.Arg(0))
	assert.Equal(t, uint64(9), tc.Arg(2))
	tc.SetRet(-2)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFE), tc.Regs[REG_A0])
}

func TestShadowSaveRestore(t *testing.T) {
	var pg mem.Page
	var tc Tctx_t
	tc.Regs[REG_A0] = 0x1234
	tc.Sepc = 0x8000
	tc.WriteTo(&pg, 0)

	SaveShadow(&pg)

	// the live context gets redirected (a handler frame push)
	tc.Sepc = 0x9999
	tc.Regs[REG_A0] = 6
	tc.WriteTo(&pg, 0)

	a0 := RestoreShadow(&pg)
	assert.Equal(t, uint64(0x1234), a0)
	var got Tctx_t
	got.ReadFrom(&pg, 0)
	assert.Equal(t, uint64(0x8000), got.Sepc)
	assert.Equal(t, uint64(0x1234), got.Regs[REG_A0])
}
