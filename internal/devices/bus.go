package devices

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrBusOverlap is returned when an inserted range intersects an existing one.
	ErrBusOverlap = errors.New("bus range overlaps an existing device")

	// ErrBusZeroLength is returned when inserting an empty range.
	ErrBusZeroLength = errors.New("bus range has zero length")
)

type busRange struct {
	base uint64
	len  uint64
	dev  *SharedDevice
}

func (r busRange) contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.len
}

// Bus maps non-overlapping address ranges to devices. It is safe for
// concurrent use; readers never block each other.
type Bus struct {
	mu     sync.RWMutex
	ranges []busRange // sorted by base
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Insert maps [base, base+length) to dev.
func (b *Bus) Insert(dev *SharedDevice, base, length uint64) error {
	if length == 0 {
		return ErrBusZeroLength
	}
	if base+length < base {
		return fmt.Errorf("range 0x%x+0x%x wraps: %w", base, length, ErrBusOverlap)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, _ := slices.BinarySearchFunc(b.ranges, base, func(r busRange, t uint64) int {
		switch {
		case r.base < t:
			return -1
		case r.base > t:
			return 1
		}
		return 0
	})
	if idx > 0 {
		prev := b.ranges[idx-1]
		if prev.base+prev.len > base {
			return fmt.Errorf("range 0x%x: %w", base, ErrBusOverlap)
		}
	}
	if idx < len(b.ranges) && b.ranges[idx].base < base+length {
		return fmt.Errorf("range 0x%x: %w", base, ErrBusOverlap)
	}

	b.ranges = slices.Insert(b.ranges, idx, busRange{base: base, len: length, dev: dev})
	return nil
}

func (b *Bus) lookup(addr uint64) (busRange, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// First range whose base is greater than addr; the candidate is the one before it.
	idx, _ := slices.BinarySearchFunc(b.ranges, addr, func(r busRange, t uint64) int {
		if r.base <= t {
			return -1
		}
		return 1
	})
	if idx == 0 {
		return busRange{}, false
	}
	r := b.ranges[idx-1]
	if !r.contains(addr) {
		return busRange{}, false
	}
	return r, true
}

// Get returns the device mapped at addr and the base of its range.
func (b *Bus) Get(addr uint64) (*SharedDevice, uint64, bool) {
	r, ok := b.lookup(addr)
	if !ok {
		return nil, 0, false
	}
	return r.dev, r.base, true
}

// Read dispatches a read at addr. It returns false if nothing is mapped there.
func (b *Bus) Read(addr uint64, data []byte) bool {
	r, ok := b.lookup(addr)
	if !ok {
		return false
	}
	r.dev.Read(r.base, addr-r.base, data)
	return true
}

// Write dispatches a write at addr. It returns false if nothing is mapped there.
func (b *Bus) Write(addr uint64, data []byte) bool {
	r, ok := b.lookup(addr)
	if !ok {
		return false
	}
	r.dev.Write(r.base, addr-r.base, data)
	return true
}

// Len returns the number of mapped ranges.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ranges)
}
