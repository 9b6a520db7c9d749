package accnt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biscuit-kernel/sv39kernel/internal/util"
)

func TestChargeAndSnapshot(t *testing.T) {
	var a Accnt_t
	a.ChargeUser(1500)
	a.ChargeSys(2500)
	a.ChargeUser(500)
	u, s := a.Snapshot()
	assert.Equal(t, int64(2000), u)
	assert.Equal(t, int64(2500), s)
}

func TestMergeAbsorbsChild(t *testing.T) {
	var parent, child Accnt_t
	parent.ChargeSys(100)
	child.ChargeUser(700)
	child.ChargeSys(300)
	parent.Merge(&child)
	u, s := parent.Snapshot()
	assert.Equal(t, int64(700), u)
	assert.Equal(t, int64(400), s)
	// the child's record is unchanged by the merge
	cu, cs := child.Snapshot()
	assert.Equal(t, int64(700), cu)
	assert.Equal(t, int64(300), cs)
}

func TestRusageEncoding(t *testing.T) {
	var a Accnt_t
	a.ChargeUser(3_500_000) // 3.5 ms
	a.ChargeSys(2_000_000_000)
	ru := a.ToRusage()
	assert.Len(t, ru, 32)
	assert.Equal(t, 0, util.Readn(ru, 8, 0))    // user seconds
	assert.Equal(t, 3500, util.Readn(ru, 8, 8)) // user usecs
	assert.Equal(t, 2, util.Readn(ru, 8, 16))   // sys seconds
	assert.Equal(t, 0, util.Readn(ru, 8, 24))   // sys usecs
}
