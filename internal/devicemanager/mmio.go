// Package devicemanager keeps the registries of devices attached to the
// MMIO and port I/O buses, keyed by device type and id.
package devicemanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/microvmm/internal/arch"
	"github.com/aledbf/microvmm/internal/devices"
	"github.com/aledbf/microvmm/internal/kernel/cmdline"
)

// ErrIrqsExhausted is returned when no interrupt line is left for a device.
var ErrIrqsExhausted = errors.New("no more IRQs are available")

// DeviceKey identifies a device within one registry.
type DeviceKey struct {
	Type devices.DeviceType
	ID   string
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// MMIODeviceManager allocates MMIO windows and IRQs and owns the MMIO bus.
// Registration happens while the VM is built; lookups afterwards are
// read-only and may come from any goroutine.
type MMIODeviceManager struct {
	bus *devices.Bus

	mu       sync.RWMutex
	nextAddr uint64
	nextIRQ  uint32
	lastIRQ  uint32
	devices  map[DeviceKey]*devices.SharedDevice
	info     []arch.DeviceInfo
}

// NewMMIODeviceManager allocates windows from mmioBase and IRQs from
// [irqBase, irqMax].
func NewMMIODeviceManager(mmioBase uint64, irqBase, irqMax uint32) *MMIODeviceManager {
	return &MMIODeviceManager{
		bus:      devices.NewBus(),
		nextAddr: mmioBase,
		nextIRQ:  irqBase,
		lastIRQ:  irqMax,
		devices:  make(map[DeviceKey]*devices.SharedDevice),
	}
}

// Bus returns the MMIO bus shared with the vCPUs.
func (m *MMIODeviceManager) Bus() *devices.Bus {
	return m.bus
}

// RegisterDevice places dev on the bus under (typ, id) and returns the
// lockable handle stored in the registry along with its placement.
func (m *MMIODeviceManager) RegisterDevice(typ devices.DeviceType, id string, dev devices.BusDevice) (*devices.SharedDevice, arch.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := DeviceKey{Type: typ, ID: id}
	if _, ok := m.devices[key]; ok {
		return nil, arch.DeviceInfo{}, fmt.Errorf("device %s: %w", key, errdefs.ErrAlreadyExists)
	}
	if m.nextIRQ > m.lastIRQ {
		return nil, arch.DeviceInfo{}, fmt.Errorf("device %s: %w", key, ErrIrqsExhausted)
	}

	shared := devices.NewShared(dev)
	if err := m.bus.Insert(shared, m.nextAddr, arch.MMIOLen); err != nil {
		return nil, arch.DeviceInfo{}, fmt.Errorf("device %s: %w", key, err)
	}

	info := arch.DeviceInfo{
		Type: typ,
		ID:   id,
		Addr: m.nextAddr,
		Len:  arch.MMIOLen,
		IRQ:  m.nextIRQ,
	}
	m.devices[key] = shared
	m.info = append(m.info, info)
	m.nextAddr += arch.MMIOLen
	m.nextIRQ++

	log.L.WithFields(log.Fields{
		"device": key.String(),
		"addr":   fmt.Sprintf("0x%x", info.Addr),
		"irq":    info.IRQ,
	}).Debug("devicemanager: registered mmio device")

	return shared, info, nil
}

// GetDevice returns the device registered under (typ, id), or nil.
func (m *MMIODeviceManager) GetDevice(typ devices.DeviceType, id string) *devices.SharedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[DeviceKey{Type: typ, ID: id}]
}

// DeviceInfo returns the placement of every device in registration order.
func (m *MMIODeviceManager) DeviceInfo() []arch.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]arch.DeviceInfo, len(m.info))
	copy(out, m.info)
	return out
}

// AddDeviceToCmdline describes a virtio-mmio device to a guest without a
// device tree.
func AddDeviceToCmdline(cl *cmdline.Cmdline, info arch.DeviceInfo) error {
	return cl.InsertStr(fmt.Sprintf("virtio_mmio.device=%dK@0x%x:%d", info.Len/1024, info.Addr, info.IRQ))
}
