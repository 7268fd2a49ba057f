//go:build linux

package kvm

// vmType selects the default IPA size.
func vmType() uintptr { return 0 }

// The GIC is created through KVM_CREATE_DEVICE by the arch configurator
// once the vCPUs exist, so nothing is set up here.
func (vm *VM) setupIrqChip() error {
	return nil
}
