package cons

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/mem"
	"github.com/biscuit-kernel/sv39kernel/internal/vm"
)

func TestMain(m *testing.M) {
	mem.Init(512)
	m.Run()
}

func fub(b []uint8) *vm.Fakeubuf_t {
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(b)
	return fb
}

func TestWriteReachesSink(t *testing.T) {
	var out bytes.Buffer
	Console.SetOutput(&out)
	n, err := Console.Write(fub([]uint8("boot banner\n")))
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "boot banner\n", out.String())
}

func TestIRQBytesReachReader(t *testing.T) {
	for _, b := range []uint8("abc") {
		Console.HandleIRQ(b)
	}
	out := make([]uint8, 8)
	// input is buffered, so the read completes without blocking
	n, err := Console.Read(fub(out))
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "abc", string(out[:n]))
}

func TestCapabilityContract(t *testing.T) {
	assert.True(t, Console.Readable())
	assert.True(t, Console.Writable())
	assert.Equal(t, defs.Err_t(0), Console.Reopen())
	assert.Equal(t, defs.Err_t(0), Console.Close())
}
