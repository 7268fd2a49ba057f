package builder

import (
	"context"

	"github.com/aledbf/microvmm/internal/kvm"
	"github.com/aledbf/microvmm/internal/vstate"
)

// KVM is the Hypervisor backed by a KVM control device.
type KVM struct {
	// Path defaults to kvm.DevicePath.
	Path string
}

func (k KVM) path() string {
	if k.Path == "" {
		return kvm.DevicePath
	}
	return k.Path
}

func (k KVM) Check(ctx context.Context) error {
	dev, err := kvm.Open(k.path())
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()
	return dev.Check(ctx)
}

// CreateVM creates a VM. The VM descriptor stays valid after the control
// device is closed.
func (k KVM) CreateVM(ctx context.Context) (VM, error) {
	dev, err := kvm.Open(k.path())
	if err != nil {
		return nil, err
	}
	defer func() { _ = dev.Close() }()

	vm, err := dev.CreateVM(ctx)
	if err != nil {
		return nil, err
	}
	return kvmVM{VM: vm}, nil
}

type kvmVM struct {
	*kvm.VM
}

func (v kvmVM) CreateVcpu(index int) (vstate.Runner, error) {
	vcpu, err := v.VM.CreateVcpu(index)
	if err != nil {
		return nil, err
	}
	return vcpu, nil
}
