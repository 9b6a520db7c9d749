package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRounding(t *testing.T) {
	assert.Equal(t, 4096, Rounddown(4097, 4096))
	assert.Equal(t, 8192, Roundup(4097, 4096))
	assert.Equal(t, 4096, Roundup(4096, 4096))
	assert.Equal(t, 3, Min(3, 7))
	assert.Equal(t, uint8(2), Min(uint8(9), uint8(2)))
}

func TestReadnWritenRoundTrip(t *testing.T) {
	b := make([]uint8, 16)
	for _, sz := range []int{1, 2, 4, 8} {
		v := 0x1122334455667788 & (1<<(8*sz) - 1)
		Writen(b, sz, 4, v)
		assert.Equal(t, v, Readn(b, sz, 4), "size %d", sz)
	}
}

func TestLittleEndianLayout(t *testing.T) {
	b := make([]uint8, 8)
	Writen(b, 4, 0, 0x0A0B0C0D)
	assert.Equal(t, []uint8{0x0D, 0x0C, 0x0B, 0x0A, 0, 0, 0, 0}, b)
}

func TestBoundsPanics(t *testing.T) {
	b := make([]uint8, 4)
	assert.Panics(t, func() { Readn(b, 8, 0) })
	assert.Panics(t, func() { Writen(b, 2, 3, 1) })
	assert.Panics(t, func() { Readn(b, 3, 0) })
}
