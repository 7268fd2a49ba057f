package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	features    uint64
	activated   uint64
	activations int
	activateErr error
	booted      bool
	exited      bool
}

func (b *fakeBackend) DeviceID() uint32          { return 99 }
func (b *fakeBackend) AvailableFeatures() uint64 { return b.features }
func (b *fakeBackend) QueueMaxSizes() []uint16   { return []uint16{8, 16} }
func (b *fakeBackend) ConfigSpace() []byte       { return []byte{0xaa, 0xbb, 0xcc} }

func (b *fakeBackend) Activate(_ context.Context, acked uint64) error {
	b.activations++
	b.activated = acked
	return b.activateErr
}

func (b *fakeBackend) OnVmmBoot(context.Context) error { b.booted = true; return nil }
func (b *fakeBackend) OnVmmExit(context.Context) error { b.exited = true; return nil }

func read32(t *Transport, off uint64) uint32 {
	buf := make([]byte, 4)
	t.Read(0, off, buf)
	return binary.LittleEndian.Uint32(buf)
}

func write32(t *Transport, off uint64, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	t.Write(0, off, buf)
}

func TestTransport_Identification(t *testing.T) {
	tr := NewTransport(&fakeBackend{features: feature(FVersion1) | 0x3})

	assert.Equal(t, uint32(0x74726976), read32(tr, regMagic))
	assert.Equal(t, uint32(2), read32(tr, regVersion))
	assert.Equal(t, uint32(99), read32(tr, regDeviceID))
	assert.Equal(t, uint32(0), read32(tr, regVendorID))

	assert.Equal(t, uint32(0x3), read32(tr, regDeviceFeatures))
	write32(tr, regDeviceFeatSel, 1)
	assert.Equal(t, uint32(1), read32(tr, regDeviceFeatures))
	write32(tr, regDeviceFeatSel, 2)
	assert.Equal(t, uint32(0), read32(tr, regDeviceFeatures))

	cfg := make([]byte, 4)
	tr.Read(0, regConfig+1, cfg)
	assert.Equal(t, []byte{0xbb, 0xcc, 0, 0}, cfg)
}

func TestTransport_Queues(t *testing.T) {
	tr := NewTransport(&fakeBackend{})

	write32(tr, regQueueSel, 1)
	assert.Equal(t, uint32(16), read32(tr, regQueueNumMax))
	write32(tr, regQueueNum, 32)
	assert.Equal(t, uint16(0), tr.queues[1].size, "size above the maximum is ignored")
	write32(tr, regQueueNum, 16)
	assert.Equal(t, uint16(16), tr.queues[1].size)

	write32(tr, regQueueReady, 1)
	assert.Equal(t, uint32(1), read32(tr, regQueueReady))

	write32(tr, regQueueSel, 7)
	assert.Equal(t, uint32(0), read32(tr, regQueueNumMax))
}

func TestTransport_NegotiationAndActivation(t *testing.T) {
	backend := &fakeBackend{features: feature(FVersion1) | 0x1}
	tr := NewTransport(backend)

	write32(tr, regStatus, StatusAcknowledge|StatusDriver)
	write32(tr, regDriverFeatures, 0x1|0x4)
	write32(tr, regDriverFeatSel, 1)
	write32(tr, regDriverFeatures, 1)
	write32(tr, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)

	// Features are frozen once FEATURES_OK is set.
	write32(tr, regDriverFeatSel, 0)
	write32(tr, regDriverFeatures, 0x2)
	assert.Equal(t, feature(FVersion1)|0x1, tr.AckedFeatures())

	write32(tr, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	assert.Equal(t, 1, backend.activations)
	assert.Equal(t, feature(FVersion1)|0x1, backend.activated)

	write32(tr, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	assert.Equal(t, 1, backend.activations, "activation happens once")

	write32(tr, regStatus, 0)
	assert.Equal(t, uint32(0), tr.Status())
	assert.Zero(t, tr.AckedFeatures())
}

func TestTransport_ActivationFailure(t *testing.T) {
	backend := &fakeBackend{activateErr: errors.New("no tap")}
	tr := NewTransport(backend)

	write32(tr, regStatus, StatusDriverOK)
	assert.NotZero(t, tr.Status()&StatusNeedsReset)
	assert.Equal(t, uint32(1), read32(tr, regConfigGeneration))
}

func TestTransport_ForwardsObservers(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTransport(backend)

	require.NoError(t, tr.OnVmmBoot(context.Background()))
	require.NoError(t, tr.OnVmmExit(context.Background()))
	assert.True(t, backend.booted)
	assert.True(t, backend.exited)
	assert.Same(t, backend, tr.Backend())
}

func TestTransport_InterruptAck(t *testing.T) {
	tr := NewTransport(&fakeBackend{})
	tr.interrupt = 0x3
	write32(tr, regInterruptAck, 0x1)
	assert.Equal(t, uint32(0x2), read32(tr, regInterruptStatus))
}
