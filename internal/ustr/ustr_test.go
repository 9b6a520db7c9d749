package ustr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEq(t *testing.T) {
	assert.True(t, Ustr("abc").Eq(Ustr("abc")))
	assert.False(t, Ustr("abc").Eq(Ustr("abd")))
	assert.False(t, Ustr("abc").Eq(Ustr("ab")))
	assert.True(t, MkUstr().Eq(Ustr("")))
}

func TestMkUstrSliceStopsAtNUL(t *testing.T) {
	assert.Equal(t, Ustr("hi"), MkUstrSlice([]uint8{'h', 'i', 0, 'x'}))
	assert.Equal(t, Ustr("full"), MkUstrSlice([]uint8("full")))
}

func TestExtend(t *testing.T) {
	p := MkUstrRoot().ExtendStr("bin")
	assert.Equal(t, "//bin", p.String())
	assert.True(t, p.IsAbsolute())
	assert.False(t, Ustr("rel").IsAbsolute())
}

func TestIndexByte(t *testing.T) {
	assert.Equal(t, 1, Ustr("a/b").IndexByte('/'))
	assert.Equal(t, -1, Ustr("ab").IndexByte('/'))
}
