package virtio

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsockalloc "github.com/aledbf/microvmm/internal/vsock"
)

func TestBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	t.Run("read write", func(t *testing.T) {
		b, err := NewBlock("rootfs", path, false)
		require.NoError(t, err)

		assert.Equal(t, IDBlock, b.DeviceID())
		assert.Equal(t, uint64(8), b.Sectors())
		assert.Equal(t, uint64(8), binary.LittleEndian.Uint64(b.ConfigSpace()))
		assert.Zero(t, b.AvailableFeatures()&feature(blkFRO))

		require.NoError(t, b.OnVmmExit(context.Background()))
		require.NoError(t, b.OnVmmExit(context.Background()), "second exit is a no-op")
	})

	t.Run("read only", func(t *testing.T) {
		b, err := NewBlock("data", path, true)
		require.NoError(t, err)
		assert.NotZero(t, b.AvailableFeatures()&feature(blkFRO))
		require.NoError(t, b.OnVmmExit(context.Background()))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewBlock("missing", filepath.Join(t.TempDir(), "nope"), false)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestFs(t *testing.T) {
	dir := t.TempDir()

	f, err := NewFs("shared", dir)
	require.NoError(t, err)
	assert.Equal(t, IDFs, f.DeviceID())
	assert.Equal(t, []uint16{FsQueueSize, FsQueueSize}, f.QueueMaxSizes())
	assert.Equal(t, feature(FVersion1), f.AvailableFeatures())

	cfg := f.ConfigSpace()
	require.Len(t, cfg, fsTagLen+4)
	assert.Equal(t, "shared", string(cfg[:6]))
	assert.Equal(t, byte(0), cfg[6])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(cfg[fsTagLen:]))
	require.NoError(t, f.OnVmmExit(context.Background()))

	_, err = NewFs("", dir)
	assert.True(t, errdefs.IsInvalidArgument(err))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewFs("tag", file)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestNet(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	n, err := NewNet("eth0", "tap0", w, "02:00:00:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, IDNet, n.DeviceID())
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 0x01, netLinkUp, 0}, n.ConfigSpace())
	assert.Len(t, n.QueueMaxSizes(), 2)

	require.NoError(t, n.OnVmmExit(context.Background()))
	_, err = w.Write([]byte{1})
	assert.Error(t, err, "tap file is closed on exit")

	generated, err := NewNet("eth1", "tap1", nil, "")
	require.NoError(t, err)
	mac := generated.MAC()
	assert.Equal(t, byte(0x02), mac[0]&0x03, "locally administered unicast")
	require.NoError(t, generated.OnVmmExit(context.Background()))

	_, err = NewNet("eth2", "tap2", nil, "not-a-mac")
	assert.Error(t, err)
}

func TestVsock_Lifecycle(t *testing.T) {
	lockDir := t.TempDir()
	lease, err := vsockalloc.NewAllocator(lockDir, 3, 3, 0).Allocate("vm")
	require.NoError(t, err)

	var served atomic.Int32
	var addr net.Addr
	v, err := NewVsock(VsockConfig{
		Lease: lease,
		Port:  1025,
		Listen: func(uint32) (net.Listener, error) {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err == nil {
				addr = l.Addr()
			}
			return l, err
		},
		Handler: func(_ context.Context, conn net.Conn) {
			served.Add(1)
			_ = conn.Close()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(3), v.CID())
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(v.ConfigSpace()))
	assert.Len(t, v.QueueMaxSizes(), 3)

	require.NoError(t, v.OnVmmBoot(context.Background()))
	require.NoError(t, v.OnVmmBoot(context.Background()), "boot is idempotent")

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_ = conn.Close()
	require.Eventually(t, func() bool { return served.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, v.OnVmmExit(context.Background()))

	// The CID is free again.
	again, err := vsockalloc.NewAllocator(lockDir, 3, 3, 0).Allocate("vm2")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestVsock_RequiresLease(t *testing.T) {
	_, err := NewVsock(VsockConfig{})
	assert.Error(t, err)
}
