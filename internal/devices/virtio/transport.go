package virtio

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/devices"
)

const (
	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
	vendorID    = 0

	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeatSel    = 0x014
	regDriverFeatures   = 0x020
	regDriverFeatSel    = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regInterruptStatus  = 0x060
	regInterruptAck     = 0x064
	regStatus           = 0x070
	regConfigGeneration = 0x0fc
	regConfig           = 0x100
)

type queueState struct {
	maxSize uint16
	size    uint16
	ready   bool
}

// Transport exposes a Backend through the virtio-mmio register layout.
// It is not safe for concurrent use; callers wrap it in a SharedDevice.
type Transport struct {
	backend Backend

	deviceFeatSel uint32
	driverFeatSel uint32
	ackedFeatures uint64
	queueSel      uint32
	queues        []queueState
	interrupt     uint32
	status        uint32
	configGen     uint32
}

var (
	_ devices.BusDevice    = (*Transport)(nil)
	_ devices.BootObserver = (*Transport)(nil)
	_ devices.ExitObserver = (*Transport)(nil)
)

// NewTransport wraps backend in an MMIO transport.
func NewTransport(backend Backend) *Transport {
	t := &Transport{backend: backend}
	t.reset()
	return t
}

// Backend returns the wrapped backend.
func (t *Transport) Backend() Backend {
	return t.backend
}

// Status returns the device status register.
func (t *Transport) Status() uint32 {
	return t.status
}

// AckedFeatures returns the features accepted by the driver.
func (t *Transport) AckedFeatures() uint64 {
	return t.ackedFeatures
}

func (t *Transport) reset() {
	sizes := t.backend.QueueMaxSizes()
	t.queues = make([]queueState, len(sizes))
	for i, s := range sizes {
		t.queues[i].maxSize = s
	}
	t.deviceFeatSel, t.driverFeatSel, t.queueSel = 0, 0, 0
	t.ackedFeatures = 0
	t.interrupt = 0
	t.status = 0
}

func (t *Transport) selectedQueue() *queueState {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return &t.queues[t.queueSel]
}

func (t *Transport) Read(_, offset uint64, data []byte) {
	if offset >= regConfig {
		cfg := t.backend.ConfigSpace()
		off := offset - regConfig
		for i := range data {
			if off+uint64(i) < uint64(len(cfg)) {
				data[i] = cfg[off+uint64(i)]
			} else {
				data[i] = 0
			}
		}
		return
	}
	if len(data) != 4 {
		log.L.WithField("offset", fmt.Sprintf("0x%x", offset)).Warn("virtio: invalid register read width")
		return
	}

	var v uint32
	switch offset {
	case regMagic:
		v = mmioMagic
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = t.backend.DeviceID()
	case regVendorID:
		v = vendorID
	case regDeviceFeatures:
		if t.deviceFeatSel < 2 {
			v = uint32(t.backend.AvailableFeatures() >> (32 * t.deviceFeatSel))
		}
	case regQueueNumMax:
		if q := t.selectedQueue(); q != nil {
			v = uint32(q.maxSize)
		}
	case regQueueReady:
		if q := t.selectedQueue(); q != nil && q.ready {
			v = 1
		}
	case regInterruptStatus:
		v = t.interrupt
	case regStatus:
		v = t.status
	case regConfigGeneration:
		v = t.configGen
	}
	binary.LittleEndian.PutUint32(data, v)
}

func (t *Transport) Write(_, offset uint64, data []byte) {
	if offset >= regConfig {
		log.L.WithField("offset", fmt.Sprintf("0x%x", offset)).Debug("virtio: ignoring config space write")
		return
	}
	if len(data) != 4 {
		log.L.WithField("offset", fmt.Sprintf("0x%x", offset)).Warn("virtio: invalid register write width")
		return
	}

	v := binary.LittleEndian.Uint32(data)
	switch offset {
	case regDeviceFeatSel:
		t.deviceFeatSel = v
	case regDriverFeatSel:
		t.driverFeatSel = v
	case regDriverFeatures:
		if t.driverFeatSel < 2 && t.status&StatusFeaturesOK == 0 {
			shift := 32 * t.driverFeatSel
			t.ackedFeatures |= uint64(v) << shift
			t.ackedFeatures &= t.backend.AvailableFeatures()
		}
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.selectedQueue(); q != nil && v <= uint32(q.maxSize) {
			q.size = uint16(v)
		}
	case regQueueReady:
		if q := t.selectedQueue(); q != nil {
			q.ready = v == 1
		}
	case regInterruptAck:
		t.interrupt &^= v
	case regStatus:
		t.setStatus(v)
	default:
		log.L.WithField("offset", fmt.Sprintf("0x%x", offset)).Debug("virtio: write to unknown register")
	}
}

func (t *Transport) setStatus(v uint32) {
	if v == 0 {
		t.reset()
		return
	}
	prev := t.status
	t.status = v
	if prev&StatusDriverOK != 0 || v&StatusDriverOK == 0 || v&StatusFailed != 0 {
		return
	}

	act, ok := t.backend.(Activator)
	if !ok {
		return
	}
	if err := act.Activate(context.Background(), t.ackedFeatures); err != nil {
		log.L.WithError(err).WithField("device_id", t.backend.DeviceID()).Error("virtio: activation failed")
		t.status |= StatusNeedsReset
		t.configGen++
	}
}

// OnVmmBoot forwards to the backend.
func (t *Transport) OnVmmBoot(ctx context.Context) error {
	if o, ok := t.backend.(devices.BootObserver); ok {
		return o.OnVmmBoot(ctx)
	}
	return nil
}

// OnVmmExit forwards to the backend.
func (t *Transport) OnVmmExit(ctx context.Context) error {
	if o, ok := t.backend.(devices.ExitObserver); ok {
		return o.OnVmmExit(ctx)
	}
	return nil
}
