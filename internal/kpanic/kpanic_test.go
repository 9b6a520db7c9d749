package kpanic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKpanicHaltsMachine(t *testing.T) {
	require.False(t, Halted())
	defer func() {
		r := recover()
		require.NotNil(t, r)
		h, ok := r.(Halt_t)
		require.True(t, ok)
		assert.Contains(t, h.Error(), "bad frame 42")
		assert.True(t, Halted())
	}()
	Kpanic("bad frame %d", 42)
	t.Fatal("unreachable")
}

func TestDistinctCaller(t *testing.T) {
	dc := &Distinct_caller_t{Enabled: true}
	ok, trace := dc.Distinct()
	assert.True(t, ok)
	assert.NotEmpty(t, trace)
	// the same call chain reports only once
	for i := 0; i < 3; i++ {
		again, _ := dc.Distinct()
		assert.False(t, again)
	}
	assert.Equal(t, 1, dc.Len())
}

func TestDistinctCallerDisabled(t *testing.T) {
	dc := &Distinct_caller_t{}
	ok, _ := dc.Distinct()
	assert.False(t, ok)
}
