// Package devices defines the contracts shared by every emulated device:
// the bus device interface, device type keys, the lock that serializes
// access between vCPU goroutines and the VMM, and exit notifications.
package devices

import (
	"context"
	"fmt"
	"sync"
)

// BusDevice is a device reachable through an address range on a bus.
// base is the start of the range the device was inserted at and offset
// is relative to it.
type BusDevice interface {
	Read(base, offset uint64, data []byte)
	Write(base, offset uint64, data []byte)
}

// ExitObserver is notified once when the VMM is about to terminate.
type ExitObserver interface {
	OnVmmExit(ctx context.Context) error
}

// BootObserver is notified once after devices are set up and before the
// vCPUs start running guest code.
type BootObserver interface {
	OnVmmBoot(ctx context.Context) error
}

// DeviceKind is the coarse class of a device.
type DeviceKind uint8

const (
	KindVirtio DeviceKind = iota
	KindSerial
	KindRTC
	KindI8042
)

// DeviceType identifies a class of device. Together with a string id it
// keys a device in a registry. VirtioID is only set for KindVirtio.
type DeviceType struct {
	Kind     DeviceKind
	VirtioID uint32
}

var (
	DeviceTypeSerial = DeviceType{Kind: KindSerial}
	DeviceTypeRTC    = DeviceType{Kind: KindRTC}
	DeviceTypeI8042  = DeviceType{Kind: KindI8042}
)

// Virtio returns the device type of a virtio device with the given device id.
func Virtio(id uint32) DeviceType {
	return DeviceType{Kind: KindVirtio, VirtioID: id}
}

func (t DeviceType) String() string {
	switch t.Kind {
	case KindVirtio:
		return fmt.Sprintf("virtio(%d)", t.VirtioID)
	case KindSerial:
		return "serial"
	case KindRTC:
		return "rtc"
	case KindI8042:
		return "i8042"
	default:
		return fmt.Sprintf("unknown(%d)", t.Kind)
	}
}

// SharedDevice guards a BusDevice with a mutex. The same SharedDevice is
// handed to the bus, the device registry and the exit observer list so
// that all of them serialize on one lock.
type SharedDevice struct {
	mu  sync.Mutex
	dev BusDevice
}

// NewShared wraps dev.
func NewShared(dev BusDevice) *SharedDevice {
	return &SharedDevice{dev: dev}
}

// With runs fn while holding the device lock.
func (s *SharedDevice) With(fn func(BusDevice) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.dev)
}

// Device returns the wrapped device. Callers must use With to touch its state.
func (s *SharedDevice) Device() BusDevice {
	return s.dev
}

func (s *SharedDevice) Read(base, offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev.Read(base, offset, data)
}

func (s *SharedDevice) Write(base, offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev.Write(base, offset, data)
}

// OnVmmBoot forwards to the wrapped device if it is a BootObserver.
func (s *SharedDevice) OnVmmBoot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.dev.(BootObserver); ok {
		return o.OnVmmBoot(ctx)
	}
	return nil
}

// OnVmmExit forwards to the wrapped device if it is an ExitObserver.
func (s *SharedDevice) OnVmmExit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.dev.(ExitObserver); ok {
		return o.OnVmmExit(ctx)
	}
	return nil
}

// ObservesExit reports whether the wrapped device wants exit notifications.
func (s *SharedDevice) ObservesExit() bool {
	_, ok := s.dev.(ExitObserver)
	return ok
}
