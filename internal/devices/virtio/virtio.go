// Package virtio implements the virtio-mmio register transport and the
// host resources behind each virtio device. Queue processing is left to
// the device backends.
package virtio

import (
	"context"
)

// Device IDs from the virtio specification.
const (
	IDNet   uint32 = 1
	IDBlock uint32 = 2
	IDVsock uint32 = 19
	IDFs    uint32 = 26
)

// Feature bits shared by all devices.
const (
	// FVersion1 marks a device that conforms to virtio 1.0.
	FVersion1 = 32
)

// Device status bits written by the driver.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Backend is the device specific part behind a Transport.
type Backend interface {
	// DeviceID returns the virtio device ID.
	DeviceID() uint32
	// AvailableFeatures returns the feature bits offered to the driver.
	AvailableFeatures() uint64
	// QueueMaxSizes returns the maximum size of each virtqueue.
	QueueMaxSizes() []uint16
	// ConfigSpace returns the device configuration space.
	ConfigSpace() []byte
}

// Activator is implemented by backends that act on the driver setting
// DRIVER_OK with the negotiated features.
type Activator interface {
	Activate(ctx context.Context, ackedFeatures uint64) error
}

func feature(bit uint) uint64 {
	return 1 << bit
}
