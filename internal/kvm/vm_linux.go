package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aledbf/microvmm/internal/memory"
	"github.com/aledbf/microvmm/internal/vstate"
)

type userMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type irqfdRequest struct {
	Fd    uint32
	Gsi   uint32
	Flags uint32
	_     [20]byte
}

// VM is a KVM virtual machine.
type VM struct {
	fd           int
	vcpuMmapSize int
	irqChip      *vstate.IrqChip

	mu        sync.Mutex
	nextSlot  uint32
	closeOnce sync.Once
}

var _ vstate.Vm = (*VM)(nil)

// Fd returns the VM file descriptor.
func (vm *VM) Fd() int { return vm.fd }

// IrqChip returns the in-kernel interrupt controller.
func (vm *VM) IrqChip() *vstate.IrqChip { return vm.irqChip }

// Capabilities reports that KVM vCPUs can be paused between exits.
func (vm *VM) Capabilities() vstate.Capabilities {
	return vstate.Capabilities{CooperativePause: true}
}

// RegisterMemory maps every region of mem into the guest.
func (vm *VM) RegisterMemory(mem *memory.GuestMemory) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, r := range mem.Regions() {
		host := r.Host()
		region := userMemoryRegion{
			Slot:          vm.nextSlot,
			GuestPhysAddr: r.Start,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
		}
		//nolint:gosec // KVM_SET_USER_MEMORY_REGION takes a pointer to the region.
		if _, err := ioctl(uintptr(vm.fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
			return fmt.Errorf("kvm: set memory region at 0x%x: %w", r.Start, err)
		}
		vm.nextSlot++
	}
	return nil
}

// RegisterIrqfd routes writes to the eventfd to guest interrupt gsi.
func (vm *VM) RegisterIrqfd(eventFd int, gsi uint32) error {
	req := irqfdRequest{Fd: uint32(eventFd), Gsi: gsi}
	//nolint:gosec // KVM_IRQFD takes a pointer to struct kvm_irqfd.
	if _, err := ioctl(uintptr(vm.fd), kvmIrqfd, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("kvm: register irqfd for gsi %d: %w", gsi, err)
	}
	return nil
}

// CreateVcpu creates vCPU index and maps its run structure.
func (vm *VM) CreateVcpu(index int) (*Vcpu, error) {
	fd, err := ioctl(uintptr(vm.fd), kvmCreateVcpu, uintptr(index))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", index, err)
	}
	run, err := unix.Mmap(int(fd), 0, vm.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(int(fd))
		return nil, fmt.Errorf("kvm: mmap vcpu %d run area: %w", index, err)
	}
	return &Vcpu{index: index, fd: int(fd), run: run}, nil
}

// Close closes the VM descriptor.
func (vm *VM) Close() error {
	var err error
	vm.closeOnce.Do(func() {
		err = unix.Close(vm.fd)
	})
	return err
}
