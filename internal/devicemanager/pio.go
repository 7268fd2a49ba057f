package devicemanager

import (
	"fmt"

	"github.com/aledbf/microvmm/internal/devices"
)

// Legacy port ranges.
const (
	SerialPortBase = 0x3f8
	SerialPortLen  = 0x8
	I8042PortBase  = 0x60
	I8042PortLen   = 0x5
)

// Fixed ids of the legacy devices.
const (
	SerialID = "com1"
	I8042ID  = "i8042"
)

// PortIODeviceManager owns the port I/O bus and the legacy devices on it.
type PortIODeviceManager struct {
	bus    *devices.Bus
	serial *devices.SharedDevice
	i8042  *devices.SharedDevice
}

// NewPortIODeviceManager wraps the serial port and the i8042 controller.
// Either may be nil.
func NewPortIODeviceManager(serial, i8042 devices.BusDevice) *PortIODeviceManager {
	m := &PortIODeviceManager{bus: devices.NewBus()}
	if serial != nil {
		m.serial = devices.NewShared(serial)
	}
	if i8042 != nil {
		m.i8042 = devices.NewShared(i8042)
	}
	return m
}

// Bus returns the port I/O bus shared with the vCPUs.
func (m *PortIODeviceManager) Bus() *devices.Bus {
	return m.bus
}

// RegisterDevices places the legacy devices at their fixed ports.
func (m *PortIODeviceManager) RegisterDevices() error {
	if m.serial != nil {
		if err := m.bus.Insert(m.serial, SerialPortBase, SerialPortLen); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if m.i8042 != nil {
		if err := m.bus.Insert(m.i8042, I8042PortBase, I8042PortLen); err != nil {
			return fmt.Errorf("i8042: %w", err)
		}
	}
	return nil
}

// Serial returns the serial port, or nil.
func (m *PortIODeviceManager) Serial() *devices.SharedDevice {
	return m.serial
}

// I8042 returns the keyboard controller, or nil.
func (m *PortIODeviceManager) I8042() *devices.SharedDevice {
	return m.i8042
}

// GetDevice returns the legacy device registered under (typ, id), or nil.
func (m *PortIODeviceManager) GetDevice(typ devices.DeviceType, id string) *devices.SharedDevice {
	switch {
	case typ == devices.DeviceTypeSerial && id == SerialID:
		return m.serial
	case typ == devices.DeviceTypeI8042 && id == I8042ID:
		return m.i8042
	}
	return nil
}
