//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/aledbf/microvmm/internal/vstate"
)

// tssAddr is the three page region below the 4 GiB boundary KVM needs on
// Intel hosts.
const tssAddr = 0xfffbd000

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

func vmType() uintptr { return 0 }

func (vm *VM) setupIrqChip() error {
	if _, err := ioctl(uintptr(vm.fd), kvmSetTSSAddr, tssAddr); err != nil {
		return fmt.Errorf("kvm: set tss address: %w", err)
	}
	if _, err := ioctl(uintptr(vm.fd), kvmCreateIrqchip, 0); err != nil {
		return fmt.Errorf("kvm: create irqchip: %w", err)
	}
	pit := pitConfig{}
	//nolint:gosec // KVM_CREATE_PIT2 takes a pointer to struct kvm_pit_config.
	if _, err := ioctl(uintptr(vm.fd), kvmCreatePIT2, uintptr(unsafe.Pointer(&pit))); err != nil {
		return fmt.Errorf("kvm: create pit: %w", err)
	}
	vm.irqChip = &vstate.IrqChip{
		Version: "ioapic",
		Regions: []vstate.IrqChipRegion{{Name: "ioapic", Base: 0xfec00000, Size: 0x1000}},
	}
	return nil
}
