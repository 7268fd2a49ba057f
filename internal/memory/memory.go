// Package memory manages guest physical memory backed by anonymous host
// mappings.
package memory

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfRange is returned for accesses outside every region.
	ErrOutOfRange = errors.New("guest address out of range")

	// ErrOverlap is returned when two regions overlap.
	ErrOverlap = errors.New("guest memory regions overlap")
)

// Range is a guest physical address range.
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// Region is a contiguous piece of guest memory and its host mapping.
type Region struct {
	Range
	host []byte
}

// Host returns the host mapping of the region.
func (r *Region) Host() []byte {
	return r.host
}

// GuestMemory is the set of guest memory regions.
type GuestMemory struct {
	regions []*Region
}

// New maps anonymous memory for every range.
func New(ranges []Range) (*GuestMemory, error) {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].End() > sorted[i].Start {
			return nil, fmt.Errorf("0x%x and 0x%x: %w", sorted[i-1].Start, sorted[i].Start, ErrOverlap)
		}
	}

	m := &GuestMemory{}
	for _, r := range sorted {
		if r.Size == 0 {
			continue
		}
		host, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("mmap %d bytes at guest 0x%x: %w", r.Size, r.Start, err)
		}
		m.regions = append(m.regions, &Region{Range: r, host: host})
	}
	return m, nil
}

// Regions returns the regions sorted by guest address.
func (m *GuestMemory) Regions() []*Region {
	return m.regions
}

// Size returns the total guest memory size.
func (m *GuestMemory) Size() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += r.Size
	}
	return total
}

// LastAddr returns the last valid guest address.
func (m *GuestMemory) LastAddr() uint64 {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[len(m.regions)-1].End() - 1
}

// Slice returns the host bytes backing [addr, addr+size). The range must
// not cross a region boundary.
func (m *GuestMemory) Slice(addr, size uint64) ([]byte, error) {
	for _, r := range m.regions {
		if addr < r.Start || addr >= r.End() {
			continue
		}
		off := addr - r.Start
		if size > r.Size-off {
			return nil, fmt.Errorf("0x%x+0x%x crosses region end 0x%x: %w", addr, size, r.End(), ErrOutOfRange)
		}
		return r.host[off : off+size], nil
	}
	return nil, fmt.Errorf("0x%x: %w", addr, ErrOutOfRange)
}

// WriteAt copies p to guest address addr.
func (m *GuestMemory) WriteAt(p []byte, addr uint64) (int, error) {
	dst, err := m.Slice(addr, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// ReadAt copies guest memory at addr into p.
func (m *GuestMemory) ReadAt(p []byte, addr uint64) (int, error) {
	src, err := m.Slice(addr, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// Close unmaps all regions.
func (m *GuestMemory) Close() error {
	var errs []error
	for _, r := range m.regions {
		if err := unix.Munmap(r.host); err != nil {
			errs = append(errs, err)
		}
	}
	m.regions = nil
	return errors.Join(errs...)
}
