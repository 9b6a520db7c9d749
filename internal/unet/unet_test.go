package unet

import (
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

func TestConnectRefusedWithoutListener(t *testing.T) {
	_, err := Connect(4000)
	assert.Equal(t, defs.ENOENT, err)
}

func TestDuplicateListen(t *testing.T) {
	lf, err := Listen(4001)
	require.Equal(t, defs.Err_t(0), err)
	_, err = Listen(4001)
	assert.Equal(t, defs.EINVAL, err)
	lf.Fops.Close()
}

func TestConnectAcceptRoundTrip(t *testing.T) {
	lf, err := Listen(4002)
	require.Equal(t, defs.Err_t(0), err)

	cf, cerr := Connect(4002)
	require.Equal(t, defs.Err_t(0), cerr)
	// the connection is already parked on the backlog, so accept does
	// not block
	sf, aerr := Accept(lf)
	require.Equal(t, defs.Err_t(0), aerr)

	// client -> server
	n, werr := cf.Fops.Write(fub([]uint8("hi srv")))
	require.Equal(t, defs.Err_t(0), werr)
	assert.Equal(t, 6, n)
	out := make([]uint8, 16)
	n, rerr := sf.Fops.Read(fub(out))
	require.Equal(t, defs.Err_t(0), rerr)
	assert.Equal(t, "hi srv", string(out[:n]))

	// server -> client
	sf.Fops.Write(fub([]uint8("hi cli")))
	n, _ = cf.Fops.Read(fub(out))
	assert.Equal(t, "hi cli", string(out[:n]))

	// closing the server end EOFs the client
	sf.Fops.Close()
	n, rerr = cf.Fops.Read(fub(out))
	require.Equal(t, defs.Err_t(0), rerr)
	assert.Equal(t, 0, n)
	cf.Fops.Close()
	lf.Fops.Close()
}

func TestListenerFdHasNoByteStream(t *testing.T) {
	lf, err := Listen(4003)
	require.Equal(t, defs.Err_t(0), err)
	_, rerr := lf.Fops.Read(fub(make([]uint8, 4)))
	assert.Equal(t, defs.EBADF, rerr)
	_, werr := lf.Fops.Write(fub([]uint8("x")))
	assert.Equal(t, defs.EBADF, werr)
	lf.Fops.Close()
}

func TestCloseListenerDrainsBacklog(t *testing.T) {
	lf, err := Listen(4004)
	require.Equal(t, defs.Err_t(0), err)
	cf, cerr := Connect(4004)
	require.Equal(t, defs.Err_t(0), cerr)
	lf.Fops.Close()

	// the unaccepted peer observes EOF rather than hanging
	out := make([]uint8, 4)
	n, rerr := cf.Fops.Read(fub(out))
	require.Equal(t, defs.Err_t(0), rerr)
	assert.Equal(t, 0, n)
	// the port is free again
	lf2, lerr := Listen(4004)
	require.Equal(t, defs.Err_t(0), lerr)
	lf2.Fops.Close()
	cf.Fops.Close()
}
