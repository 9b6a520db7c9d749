package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	l := MkSysLimit()
	assert.Equal(t, 256, l.Fds)
	assert.Equal(t, 1024, l.Threads)
	assert.Equal(t, 64, l.Locks)
}

func TestTakeGive(t *testing.T) {
	var s Sysatomic_t = 2
	assert.True(t, s.Take())
	assert.True(t, s.Take())
	assert.False(t, s.Take()) // exhausted, budget unchanged
	s.Give()
	assert.True(t, s.Take())
	s.Given(2)
	assert.True(t, s.Taken(2))
}
