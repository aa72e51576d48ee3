package vm

import (
	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/mem/pgtrack"
	"github.com/intertidal-holdings/salus/kernel/sbi"
)

// mapping records a 4 KiB guest physical to supervisor physical
// translation. Huge donations are decomposed into their 4 KiB frames
// before they are recorded.
type mapping struct {
	gpa uint64
	spa uint64
}

// VmPages manages a VM's view of physical memory: the pages it owns, the
// G-stage translations installed for it and its measurement. The second
// stage page-table walker consumes the root and pool pages recorded here;
// the control plane only tracks ownership and translation intent.
type VmPages struct {
	ownerID    pgtrack.OwnerID
	pageMap    *pgtrack.PageMap
	ownerAlloc *pgtrack.OwnerAllocator

	// rootAddr is the base of the four contiguous pages forming the
	// top-level G-stage page table.
	rootAddr uint64

	measure  DataMeasure
	ptePages []uint64
	mappings []mapping

	// reclaim holds translations removed by RemovePages; a later guest
	// fault on one of these is serviced by re-donating the page.
	reclaim []mapping
}

// PageOwnerID returns the identifier under which this VM owns pages.
func (v *VmPages) PageOwnerID() pgtrack.OwnerID {
	return v.ownerID
}

// RootAddress returns the base address of the VM's top-level G-stage page
// table.
func (v *VmPages) RootAddress() uint64 {
	return v.rootAddr
}

// NewHostPages claims every free page for the hypervisor and delegates it,
// together with the host image pages, to the host VM. rootAddr names the
// four contiguous, 16 KiB-aligned pages that become the host's top-level
// G-stage page table.
func NewHostPages(pageMap *pgtrack.PageMap, ownerAlloc *pgtrack.OwnerAllocator, rootAddr uint64) (*VmPages, *kernel.Error) {
	if !mem.IsAligned(rootAddr, mem.TvmDonorAlign) {
		return nil, sbi.ErrInvalidAddress
	}

	pageMap.Lock()
	defer pageMap.Unlock()

	pageMap.VisitPages(func(addr uint64, page *pgtrack.PageInfo) bool {
		if page.IsFree() {
			page.PushOwner(pgtrack.HypervisorOwnerID)
			page.PushOwner(pgtrack.HostOwnerID)
			return true
		}
		if owner, ok := page.Owner(); ok && owner.IsHypervisor() {
			// Host kernel and initramfs images.
			page.PushOwner(pgtrack.HostOwnerID)
		}
		return true
	})

	return &VmPages{
		ownerID:    pgtrack.HostOwnerID,
		pageMap:    pageMap,
		ownerAlloc: ownerAlloc,
		rootAddr:   rootAddr,
		measure:    NewSha3Measure(),
	}, nil
}

// GuestRootBuilder accumulates the pages of a guest VM while it is being
// constructed. CreatePages consumes the builder into the running VmPages.
type GuestRootBuilder struct {
	ownerID    pgtrack.OwnerID
	pageMap    *pgtrack.PageMap
	ownerAlloc *pgtrack.OwnerAllocator
	rootAddr   uint64
	measure    DataMeasure
	ptePages   []uint64
	mappings   []mapping
}

// PageOwnerID returns the identifier minted for the guest under
// construction.
func (b *GuestRootBuilder) PageOwnerID() pgtrack.OwnerID {
	return b.ownerID
}

// CreatePages consumes the builder, producing the VmPages of the running
// guest.
func (b *GuestRootBuilder) CreatePages() *VmPages {
	return &VmPages{
		ownerID:    b.ownerID,
		pageMap:    b.pageMap,
		ownerAlloc: b.ownerAlloc,
		rootAddr:   b.rootAddr,
		measure:    b.measure,
		ptePages:   b.ptePages,
		mappings:   b.mappings,
	}
}

// donorPages is the size of the contiguous block consumed by
// CreateGuestRootBuilder: four pages of top-level page table plus one page
// of guest tracking state.
const donorPages = 5

// CreateGuestRootBuilder consumes five contiguous, 16 KiB-aligned pages
// owned by this VM and transfers them to a freshly minted guest
// identifier. It returns the builder for the new guest and the address of
// the page backing the guest's tracking state.
func (v *VmPages) CreateGuestRootBuilder(donorAddr uint64) (*GuestRootBuilder, uint64, *kernel.Error) {
	if !mem.IsAligned(donorAddr, mem.TvmDonorAlign) {
		return nil, 0, sbi.ErrInvalidParam
	}

	v.pageMap.Lock()
	defer v.pageMap.Unlock()

	var pages [donorPages]*pgtrack.PageInfo
	for pageIndex := range pages {
		page := v.pageMap.Get(donorAddr+uint64(pageIndex)*uint64(mem.PageSize), mem.PageType4k)
		if page == nil {
			return nil, 0, sbi.ErrInvalidAddress
		}
		if owner, ok := page.Owner(); !ok || owner != v.ownerID {
			return nil, 0, sbi.ErrInvalidParam
		}
		pages[pageIndex] = page
	}

	guestID := v.ownerAlloc.Next()
	for pageIndex, page := range pages {
		if err := page.PushOwner(guestID); err != nil {
			// Unwind the transfers already made so a failed create
			// leaves the tracker unchanged.
			for _, donated := range pages[:pageIndex] {
				donated.PopOwner()
			}
			return nil, 0, teeError(err)
		}
	}

	builder := &GuestRootBuilder{
		ownerID:    guestID,
		pageMap:    v.pageMap,
		ownerAlloc: v.ownerAlloc,
		rootAddr:   donorAddr,
		measure:    NewSha3Measure(),
	}
	return builder, donorAddr + (donorPages-1)*uint64(mem.PageSize), nil
}

// AddPtePagesBuilder transfers numPages pages starting at fromAddr from
// this VM to the guest under construction and hands them to its G-stage
// page-table pool.
func (v *VmPages) AddPtePagesBuilder(fromAddr, numPages uint64, builder *GuestRootBuilder) *kernel.Error {
	v.pageMap.Lock()
	defer v.pageMap.Unlock()

	if err := v.transferPages(fromAddr, numPages, builder.ownerID); err != nil {
		return err
	}

	for pageIndex := uint64(0); pageIndex < numPages; pageIndex++ {
		builder.ptePages = append(builder.ptePages, fromAddr+pageIndex*uint64(mem.PageSize))
	}
	return nil
}

// AddPagesBuilder transfers numPages mappings of the given type starting
// at fromAddr to the guest under construction, maps them starting at
// toGpa and folds them into the guest's measurement. The pages are zeroed
// before donation unless skipZero is set, in which case the donated
// contents are preserved (and measured).
func (v *VmPages) AddPagesBuilder(fromAddr uint64, pageType mem.PageType, numPages uint64, builder *GuestRootBuilder, toGpa uint64, skipZero bool) *kernel.Error {
	if !pageType.Valid() {
		return sbi.ErrInvalidParam
	}

	v.pageMap.Lock()
	defer v.pageMap.Unlock()

	// Ownership is tracked per 4 KiB frame; huge donations decompose.
	numFrames := numPages * pageType.Frames()
	if err := v.transferPages(fromAddr, numFrames, builder.ownerID); err != nil {
		return err
	}

	for frame := uint64(0); frame < numFrames; frame++ {
		spa := fromAddr + frame*uint64(mem.PageSize)
		gpa := toGpa + frame*uint64(mem.PageSize)

		if !skipZero {
			mem.Memset(uintptr(spa), 0, uintptr(mem.PageSize))
		}
		builder.measure.AddDataPage(gpa, mem.Bytes(uintptr(spa), int(mem.PageSize)))
		builder.mappings = append(builder.mappings, mapping{gpa: gpa, spa: spa})
	}
	return nil
}

// transferPages pushes the given owner onto numPages pages starting at
// fromAddr. Every page must currently be owned by this VM; on failure no
// transfer is retained.
func (v *VmPages) transferPages(fromAddr, numPages uint64, to pgtrack.OwnerID) *kernel.Error {
	if !mem.IsPageAligned(fromAddr) || numPages == 0 {
		return sbi.ErrInvalidAddress
	}

	for pageIndex := uint64(0); pageIndex < numPages; pageIndex++ {
		addr := fromAddr + pageIndex*uint64(mem.PageSize)
		page := v.pageMap.Get(addr, mem.PageType4k)
		if page == nil {
			v.untransferPages(fromAddr, pageIndex)
			return sbi.ErrInvalidAddress
		}
		if owner, ok := page.Owner(); !ok || owner != v.ownerID {
			v.untransferPages(fromAddr, pageIndex)
			return sbi.ErrInvalidParam
		}
		if err := page.PushOwner(to); err != nil {
			v.untransferPages(fromAddr, pageIndex)
			return teeError(err)
		}
	}
	return nil
}

// untransferPages pops the transfers made by a partially completed
// transferPages call.
func (v *VmPages) untransferPages(fromAddr, numPages uint64) {
	for pageIndex := uint64(0); pageIndex < numPages; pageIndex++ {
		page := v.pageMap.Get(fromAddr+pageIndex*uint64(mem.PageSize), mem.PageType4k)
		page.PopOwner()
	}
}

// Remove4kPages unmaps numPages pages starting at the given guest physical
// address and reverts their ownership to the delegating VM. The removed
// translations are retained so a later guest fault on them can be
// serviced.
func (v *VmPages) Remove4kPages(gpa, numPages uint64) *kernel.Error {
	if !mem.IsPageAligned(gpa) || numPages == 0 {
		return sbi.ErrInvalidAddress
	}

	// Validate the whole range before mutating anything.
	for pageIndex := uint64(0); pageIndex < numPages; pageIndex++ {
		if v.findMapping(gpa+pageIndex*uint64(mem.PageSize)) < 0 {
			return sbi.ErrInvalidAddress
		}
	}

	v.pageMap.Lock()
	defer v.pageMap.Unlock()

	for pageIndex := uint64(0); pageIndex < numPages; pageIndex++ {
		mappingIndex := v.findMapping(gpa + pageIndex*uint64(mem.PageSize))
		m := v.mappings[mappingIndex]

		page := v.pageMap.Get(m.spa, mem.PageType4k)
		if owner, ok := page.Owner(); ok && owner == v.ownerID {
			page.PopOwner()
		}

		v.mappings = append(v.mappings[:mappingIndex], v.mappings[mappingIndex+1:]...)
		v.reclaim = append(v.reclaim, m)
	}
	return nil
}

// HandlePageFault demand-faults a previously removed translation back into
// the VM, reclaiming ownership of the backing page.
func (v *VmPages) HandlePageFault(gpa uint64) *kernel.Error {
	faultPage := gpa &^ (uint64(mem.PageSize) - 1)

	for reclaimIndex, m := range v.reclaim {
		if m.gpa != faultPage {
			continue
		}

		v.pageMap.Lock()
		defer v.pageMap.Unlock()

		page := v.pageMap.Get(m.spa, mem.PageType4k)
		if page == nil {
			return sbi.ErrInvalidAddress
		}
		if err := page.PushOwner(v.ownerID); err != nil {
			return teeError(err)
		}

		v.reclaim = append(v.reclaim[:reclaimIndex], v.reclaim[reclaimIndex+1:]...)
		v.mappings = append(v.mappings, m)
		return nil
	}
	return sbi.ErrInvalidAddress
}

// ExecuteWithGuestOwnedPage runs the callback with temporary access to the
// page at addr, which must be owned by this VM. Used to deliver the
// measurement digest.
func (v *VmPages) ExecuteWithGuestOwnedPage(addr uint64, callback func([]byte)) *kernel.Error {
	if !mem.IsPageAligned(addr) {
		return sbi.ErrInvalidAddress
	}

	v.pageMap.Lock()
	defer v.pageMap.Unlock()

	page := v.pageMap.Get(addr, mem.PageType4k)
	if page == nil {
		return sbi.ErrInvalidAddress
	}
	if owner, ok := page.Owner(); !ok || owner != v.ownerID {
		return sbi.ErrInvalidAddress
	}

	callback(mem.Bytes(uintptr(addr), int(mem.PageSize)))
	return nil
}

// findMapping returns the index of the mapping installed at gpa, or -1.
func (v *VmPages) findMapping(gpa uint64) int {
	for mappingIndex := range v.mappings {
		if v.mappings[mappingIndex].gpa == gpa {
			return mappingIndex
		}
	}
	return -1
}

// teeError maps a page-tracking failure to the error surfaced over the
// TEE protocol.
func teeError(err *kernel.Error) *kernel.Error {
	switch err {
	case pgtrack.ErrReservedPage:
		return sbi.ErrDenied
	case pgtrack.ErrUnownedPage, pgtrack.ErrOwnerOverflow:
		return sbi.ErrInvalidParam
	default:
		return err
	}
}
