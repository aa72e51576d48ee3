// Package hwmap models the boot-time description of physical memory as an
// ordered sequence of non-overlapping regions. The map is assembled once
// from the information handed over by the boot firmware and is immutable
// afterwards except for carving reserved sub-ranges out of available
// regions.
package hwmap

import (
	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/mem"
)

var (
	errUnalignedRegion  = &kernel.Error{Module: "hwmap", Message: "region is not aligned to a page boundary"}
	errRegionOrder      = &kernel.Error{Module: "hwmap", Message: "regions must be added in ascending, non-overlapping order"}
	errRegionOutsideMap = &kernel.Error{Module: "hwmap", Message: "range is not covered by a single available region"}
	errEmptyMap         = &kernel.Error{Module: "hwmap", Message: "memory map contains no regions"}
)

// RegionType defines the type of a memory map region.
type RegionType int

const (
	// RegionAvailable indicates that the memory region is available for use.
	RegionAvailable RegionType = iota

	// RegionReserved indicates that the memory region must not be
	// allocated; the reserved sub-type records why.
	RegionReserved
)

// ReservedType records why a reserved region is not available for use.
type ReservedType int

const (
	// ReservedFirmware covers memory retained by the boot firmware.
	ReservedFirmware ReservedType = iota

	// ReservedHostKernelImage covers the host VM kernel image.
	ReservedHostKernelImage

	// ReservedHostInitramfsImage covers the host VM initramfs image.
	ReservedHostInitramfsImage

	// ReservedPageMap covers the memory backing the page ownership
	// tracker itself.
	ReservedPageMap

	// ReservedMmio covers memory-mapped device ranges.
	ReservedMmio
)

// Region describes a contiguous run of physical memory, namely its base
// address, its length and its type.
type Region struct {
	// The physical address where this memory region begins.
	Base uint64

	// The length of the memory region in bytes.
	Size uint64

	// The type of this region.
	Type RegionType

	// The reserved sub-type; only meaningful when Type is RegionReserved.
	Reserved ReservedType
}

// End returns the first physical address past this region.
func (r *Region) End() uint64 {
	return r.Base + r.Size
}

// Frames returns the number of page frames covered by this region.
func (r *Region) Frames() uint64 {
	return r.Size >> mem.PageShift
}

// Builder assembles a MemoryMap out of the available memory ranges reported
// by the boot firmware.
type Builder struct {
	regions []Region
	err     *kernel.Error
}

// NewBuilder returns a Builder with no regions.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddRegion appends an available memory region. Regions must be page
// aligned and added in ascending, non-overlapping address order.
func (b *Builder) AddRegion(base, size uint64) *Builder {
	if b.err != nil {
		return b
	}

	if !mem.IsPageAligned(base) || !mem.IsPageAligned(size) || size == 0 {
		b.err = errUnalignedRegion
		return b
	}

	if numRegions := len(b.regions); numRegions != 0 && b.regions[numRegions-1].End() > base {
		b.err = errRegionOrder
		return b
	}

	b.regions = append(b.regions, Region{
		Base: base,
		Size: size,
		Type: RegionAvailable,
	})
	return b
}

// Build returns the assembled MemoryMap.
func (b *Builder) Build() (*MemoryMap, *kernel.Error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(b.regions) == 0 {
		return nil, errEmptyMap
	}

	return &MemoryMap{regions: b.regions}, nil
}

// MemoryMap is the boot-time immutable description of physical memory.
// Regions are kept in ascending address order and never overlap.
type MemoryMap struct {
	regions []Region
}

// VisitRegions invokes the supplied visitor for each region in address
// order. The visitor returns false to stop the iteration.
func (m *MemoryMap) VisitRegions(visitor func(*Region) bool) {
	for regionIndex := range m.regions {
		if !visitor(&m.regions[regionIndex]) {
			return
		}
	}
}

// NumRegions returns the number of regions in the map.
func (m *MemoryMap) NumRegions() int {
	return len(m.regions)
}

// TotalFrames returns the number of page frames covered by all regions.
func (m *MemoryMap) TotalFrames() uint64 {
	var total uint64
	for regionIndex := range m.regions {
		total += m.regions[regionIndex].Frames()
	}
	return total
}

// ReserveRegion carves a reserved sub-range out of an available region. The
// requested range must be page aligned and lie entirely within a single
// available region; any overlap with an already-reserved range fails and
// leaves the map unchanged.
func (m *MemoryMap) ReserveRegion(rtype ReservedType, base, size uint64) *kernel.Error {
	if !mem.IsPageAligned(base) || !mem.IsPageAligned(size) || size == 0 {
		return errUnalignedRegion
	}

	for regionIndex := range m.regions {
		r := &m.regions[regionIndex]
		if base < r.Base || base+size > r.End() {
			continue
		}

		if r.Type != RegionAvailable {
			return errRegionOutsideMap
		}

		m.splitRegion(regionIndex, rtype, base, size)
		return nil
	}

	return errRegionOutsideMap
}

// splitRegion replaces the available region at regionIndex with up to three
// regions: the available prefix, the reserved range and the available
// suffix. Address order is preserved.
func (m *MemoryMap) splitRegion(regionIndex int, rtype ReservedType, base, size uint64) {
	orig := m.regions[regionIndex]

	var split []Region
	if base > orig.Base {
		split = append(split, Region{
			Base: orig.Base,
			Size: base - orig.Base,
			Type: RegionAvailable,
		})
	}
	split = append(split, Region{
		Base:     base,
		Size:     size,
		Type:     RegionReserved,
		Reserved: rtype,
	})
	if base+size < orig.End() {
		split = append(split, Region{
			Base: base + size,
			Size: orig.End() - (base + size),
			Type: RegionAvailable,
		})
	}

	replaced := append([]Region{}, m.regions[:regionIndex]...)
	replaced = append(replaced, split...)
	replaced = append(replaced, m.regions[regionIndex+1:]...)
	m.regions = replaced
}
