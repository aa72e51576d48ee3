package pgtrack

import (
	"unsafe"

	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/mem/hwmap"
	"github.com/intertidal-holdings/salus/kernel/sync"
)

var (
	// ErrNoSpaceForPageMap is returned at boot when no available region
	// can hold the tracker's backing memory.
	ErrNoSpaceForPageMap = &kernel.Error{Module: "pgtrack", Message: "no free space for the page map"}
)

// maxSparseMapEntries bounds the number of discontiguous physical memory
// runs the tracker can index.
const maxSparseMapEntries = 16

// sparseMapEntry maps a contiguous run of page frames to a subset of the
// PageInfo array.
type sparseMapEntry struct {
	basePfn      uint64
	numPages     uint64
	pageMapIndex uint64
}

// PageMap keeps ownership information for all physical pages in the system.
// It is built once at boot and shared between harts; the embedded lock
// serializes ownership mutations.
type PageMap struct {
	lock   sync.Spinlock
	pages  []PageInfo
	sparse []sparseMapEntry
}

// BuildFrom builds a new PageMap from a populated memory map, tracking
// ownership information for each page frame in the system. A range the
// size of the tracker's PageInfo array is carved out of the first available
// region large enough to hold it and marked reserved. The array itself is
// allocated by the Go runtime; it is not placed in the reserved range.
func BuildFrom(memMap *hwmap.MemoryMap) (*PageMap, *kernel.Error) {
	// Determine how many bytes we'll need for the page map.
	totalPages := memMap.TotalFrames()
	pageMapSize := mem.RoundUpToPage(totalPages * uint64(unsafe.Sizeof(PageInfo{})))

	// Find a space for the page map.
	var pageMapBase uint64
	found := false
	memMap.VisitRegions(func(r *hwmap.Region) bool {
		if r.Type != hwmap.RegionAvailable || r.Size < pageMapSize {
			return true
		}
		pageMapBase = r.Base
		found = true
		return false
	})
	if !found {
		return nil, ErrNoSpaceForPageMap
	}

	if err := memMap.ReserveRegion(hwmap.ReservedPageMap, pageMapBase, pageMapSize); err != nil {
		return nil, err
	}

	pm := &PageMap{pages: make([]PageInfo, 0, totalPages)}
	pm.populateFrom(memMap)
	return pm, nil
}

// populateFrom fills an empty PageMap with the region information from the
// given memory map.
//
// All pages in available regions are initially free and will later be
// claimed by the hypervisor (and, for most pages, further delegated to the
// host VM). Pages in reserved regions are marked reserved, except for
// those containing the host VM images, which are initially
// hypervisor-owned.
func (pm *PageMap) populateFrom(memMap *hwmap.MemoryMap) {
	memMap.VisitRegions(func(r *hwmap.Region) bool {
		basePfn := uint64(mem.FrameForAddress(r.Base))
		if numEntries := len(pm.sparse); numEntries == 0 ||
			pm.sparse[numEntries-1].basePfn+pm.sparse[numEntries-1].numPages != basePfn {
			if numEntries == maxSparseMapEntries {
				// Construction-time invariant; the boot sequence
				// can't continue with an unindexable memory map.
				panic("pgtrack: sparse map entry limit exceeded")
			}
			nextIndex := uint64(0)
			if numEntries != 0 {
				nextIndex = pm.sparse[numEntries-1].pageMapIndex + pm.sparse[numEntries-1].numPages
			}
			pm.sparse = append(pm.sparse, sparseMapEntry{
				basePfn:      basePfn,
				pageMapIndex: nextIndex,
			})
		}
		current := &pm.sparse[len(pm.sparse)-1]

		for frame := uint64(0); frame < r.Frames(); frame++ {
			switch {
			case r.Type == hwmap.RegionAvailable:
				pm.pages = append(pm.pages, NewFreePage())
			case r.Reserved == hwmap.ReservedHostKernelImage,
				r.Reserved == hwmap.ReservedHostInitramfsImage:
				pm.pages = append(pm.pages, NewHypervisorOwnedPage())
			default:
				pm.pages = append(pm.pages, NewReservedPage())
			}
			current.numPages++
		}
		return true
	})
}

// Get returns the PageInfo struct for the page at addr, or nil if addr is
// not page aligned, names a huge mapping, or lies outside every tracked
// region. Huge-page ownership lookups are unsupported; callers must
// decompose huge mappings into their 4 KiB frames.
func (pm *PageMap) Get(addr uint64, t mem.PageType) *PageInfo {
	index, ok := pm.mapIndex(addr, t)
	if !ok {
		return nil
	}
	return &pm.pages[index]
}

// NumAfter returns the number of PageInfo slots from the page at addr to
// the end of the tracker, used by bulk iterators.
func (pm *PageMap) NumAfter(addr uint64, t mem.PageType) (uint64, bool) {
	index, ok := pm.mapIndex(addr, t)
	if !ok {
		return 0, false
	}
	return uint64(len(pm.pages)) - index, true
}

// NumPages returns the total number of tracked page frames.
func (pm *PageMap) NumPages() uint64 {
	return uint64(len(pm.pages))
}

// Lock acquires the tracker's cross-hart mutation lock.
func (pm *PageMap) Lock() {
	pm.lock.Acquire()
}

// Unlock releases the tracker's cross-hart mutation lock.
func (pm *PageMap) Unlock() {
	pm.lock.Release()
}

// VisitPages invokes the supplied visitor for every tracked page in
// address order. The visitor returns false to stop the iteration.
func (pm *PageMap) VisitPages(visitor func(addr uint64, page *PageInfo) bool) {
	for entryIndex := range pm.sparse {
		entry := &pm.sparse[entryIndex]
		for offset := uint64(0); offset < entry.numPages; offset++ {
			addr := mem.Frame(entry.basePfn + offset).Address()
			if !visitor(addr, &pm.pages[entry.pageMapIndex+offset]) {
				return
			}
		}
	}
}

// ReleaseOwner pops every ownership record held by the given owner,
// reverting those pages to their previous owners. Used when a guest VM is
// destroyed.
func (pm *PageMap) ReleaseOwner(owner OwnerID) {
	for pageIndex := range pm.pages {
		pm.pages[pageIndex].PopOwnersWhile(func(o OwnerID) bool {
			return o == owner
		})
	}
}

// mapIndex returns the index in the PageInfo array for the given address.
func (pm *PageMap) mapIndex(addr uint64, t mem.PageType) (uint64, bool) {
	if t != mem.PageType4k || !mem.IsPageAligned(addr) {
		return 0, false
	}

	pfn := uint64(mem.FrameForAddress(addr))
	for entryIndex := range pm.sparse {
		entry := &pm.sparse[entryIndex]
		if entry.basePfn <= pfn && pfn < entry.basePfn+entry.numPages {
			return entry.pageMapIndex + pfn - entry.basePfn, true
		}
	}
	return 0, false
}
