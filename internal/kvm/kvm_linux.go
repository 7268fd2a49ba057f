// Package kvm is the Linux KVM backend for the VMM: it creates the VM,
// registers guest memory and runs vCPUs.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/sys/userns"
	"golang.org/x/sys/unix"
)

// DevicePath is the KVM control device.
const DevicePath = "/dev/kvm"

// APIVersion is the only KVM API version ever released.
const APIVersion = 12

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmRun                 = 0xae80
	kvmIrqfd               = 0x4020ae76
	kvmCreatePIT2          = 0x4040ae77
)

// Extension numbers for KVM_CHECK_EXTENSION.
const (
	CapIrqchip       = 0
	CapUserMemory    = 3
	CapSetTSSAddr    = 4
	CapIrqfd         = 32
	CapImmediateExit = 136
)

const defaultVcpuMmapSz = 4096

// ErrUnsupportedAPI is returned when /dev/kvm reports an unexpected API version.
var ErrUnsupportedAPI = errors.New("unsupported KVM API version")

// Kvm is an open handle on /dev/kvm.
type Kvm struct {
	f *os.File
}

// Open opens path, usually DevicePath.
func Open(path string) (*Kvm, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if userns.RunningInUserNS() {
			log.L.Warn("kvm: running in a user namespace, /dev/kvm is usually not accessible")
		}
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, fmt.Errorf("kvm: open %s: %w: %w", path, err, errdefs.ErrUnavailable)
		}
		return nil, fmt.Errorf("kvm: open %s: %w", path, err)
	}
	return &Kvm{f: f}, nil
}

// Close closes the handle. VMs created from it stay valid.
func (k *Kvm) Close() error {
	return k.f.Close()
}

// APIVersion returns the KVM API version.
func (k *Kvm) APIVersion() (int, error) {
	v, err := ioctl(k.f.Fd(), kvmGetAPIVersion, 0)
	return int(v), err
}

// CheckExtension returns the KVM_CHECK_EXTENSION result for ext.
func (k *Kvm) CheckExtension(ext uintptr) (int, error) {
	v, err := ioctl(k.f.Fd(), kvmCheckExtension, ext)
	return int(v), err
}

// Check validates that KVM is usable by this VMM.
func (k *Kvm) Check(ctx context.Context) error {
	v, err := k.APIVersion()
	if err != nil {
		return fmt.Errorf("kvm: get api version: %w", err)
	}
	if v != APIVersion {
		return fmt.Errorf("kvm: api version %d, want %d: %w", v, APIVersion, ErrUnsupportedAPI)
	}
	for _, ext := range []uintptr{CapUserMemory, CapImmediateExit} {
		n, err := k.CheckExtension(ext)
		if err != nil {
			return fmt.Errorf("kvm: check extension %d: %w", ext, err)
		}
		if n == 0 {
			return fmt.Errorf("kvm: missing extension %d: %w", ext, errdefs.ErrNotImplemented)
		}
	}
	log.G(ctx).WithField("api_version", v).Debug("kvm: support validated")
	return nil
}

// CheckKVM opens DevicePath and validates it.
func CheckKVM(ctx context.Context) error {
	k, err := Open(DevicePath)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()
	return k.Check(ctx)
}

func (k *Kvm) vcpuMmapSize() (int, error) {
	n, err := ioctl(k.f.Fd(), kvmGetVcpuMmapSize, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return defaultVcpuMmapSz, nil
	}
	return int(n), nil
}

// CreateVM creates an empty VM.
func (k *Kvm) CreateVM(ctx context.Context) (*VM, error) {
	mmapSize, err := k.vcpuMmapSize()
	if err != nil {
		return nil, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}

	fd, err := ioctl(k.f.Fd(), kvmCreateVM, vmType())
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}

	vm := &VM{
		fd:           int(fd),
		vcpuMmapSize: mmapSize,
	}
	if err := vm.setupIrqChip(); err != nil {
		_ = vm.Close()
		return nil, err
	}
	log.G(ctx).WithField("fd", vm.fd).Debug("kvm: vm created")
	return vm, nil
}

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return r, nil
	}
}
