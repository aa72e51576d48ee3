package pgtrack

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/mem/hwmap"
)

func mustBuildMap(t *testing.T, b *hwmap.Builder) *hwmap.MemoryMap {
	t.Helper()

	m, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected memory map build error: %v", err)
	}
	return m
}

func populatedPageMap(t *testing.T, memMap *hwmap.MemoryMap) *PageMap {
	t.Helper()

	pm := &PageMap{}
	pm.populateFrom(memMap)
	return pm
}

func TestIndexing(t *testing.T) {
	const baseAddr = uint64(0x1000_0000)
	const numPages = 10

	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(baseAddr, numPages*uint64(mem.PageSize)))
	pm := populatedPageMap(t, memMap)

	if got := pm.Get(baseAddr-uint64(mem.PageSize), mem.PageType4k); got != nil {
		t.Error("expected the page before the region to be untracked")
	}
	if got := pm.Get(baseAddr, mem.PageType4k); got == nil {
		t.Error("expected the first page of the region to be tracked")
	}
	if got := pm.Get(baseAddr+(numPages-1)*uint64(mem.PageSize), mem.PageType4k); got == nil {
		t.Error("expected the last page of the region to be tracked")
	}
	if got := pm.Get(baseAddr+numPages*uint64(mem.PageSize), mem.PageType4k); got != nil {
		t.Error("expected the page after the region to be untracked")
	}

	// Unaligned and huge lookups are unsupported.
	if got := pm.Get(baseAddr+0x800, mem.PageType4k); got != nil {
		t.Error("expected an unaligned lookup to be rejected")
	}
	if got := pm.Get(baseAddr, mem.PageType2M); got != nil {
		t.Error("expected a huge-page lookup to be rejected")
	}
}

func TestPageMapBuilding(t *testing.T) {
	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x2_0000))
	if err := memMap.ReserveRegion(hwmap.ReservedFirmware, 0x1000_4000, 0x1000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	if err := memMap.ReserveRegion(hwmap.ReservedHostKernelImage, 0x1001_0000, 0x2000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}

	pm := populatedPageMap(t, memMap)

	if page := pm.Get(0x1000_1000, mem.PageType4k); page == nil || !page.IsFree() {
		t.Error("expected the page at 0x1000_1000 to be free")
	}
	if page := pm.Get(0x1000_4000, mem.PageType4k); page == nil || !page.IsReserved() {
		t.Error("expected the page at 0x1000_4000 to be reserved")
	}
	if page := pm.Get(0x1001_1000, mem.PageType4k); page == nil {
		t.Error("expected the page at 0x1001_1000 to be tracked")
	} else if owner, ok := page.Owner(); !ok || owner != HypervisorOwnerID {
		t.Errorf("expected the host kernel image page to be hypervisor-owned; got %d (ok=%t)", owner, ok)
	}
}

func TestInitialStatePerRegionType(t *testing.T) {
	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x1_0000))
	if err := memMap.ReserveRegion(hwmap.ReservedHostInitramfsImage, 0x1000_8000, 0x2000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	if err := memMap.ReserveRegion(hwmap.ReservedMmio, 0x1000_c000, 0x1000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}

	pm := populatedPageMap(t, memMap)

	memMap.VisitRegions(func(r *hwmap.Region) bool {
		for addr := r.Base; addr < r.End(); addr += uint64(mem.PageSize) {
			page := pm.Get(addr, mem.PageType4k)
			if page == nil {
				t.Fatalf("expected the page at 0x%x to be tracked", addr)
			}

			switch {
			case r.Type == hwmap.RegionAvailable:
				if !page.IsFree() {
					t.Errorf("expected the available page at 0x%x to be free", addr)
				}
			case r.Reserved == hwmap.ReservedHostInitramfsImage:
				owner, ok := page.Owner()
				if !ok || owner != HypervisorOwnerID {
					t.Errorf("expected the image page at 0x%x to be hypervisor-owned", addr)
				}
			default:
				if !page.IsReserved() {
					t.Errorf("expected the page at 0x%x to be reserved", addr)
				}
			}
		}
		return true
	})
}

func TestSparseMap(t *testing.T) {
	const totalSize = uint64(0x4_0000)

	memMap := mustBuildMap(t, hwmap.NewBuilder().
		AddRegion(0x1000_0000, totalSize/2).
		AddRegion(0x2000_0000, totalSize/2))
	pm := populatedPageMap(t, memMap)

	expSparse := []sparseMapEntry{
		{basePfn: 0x10000, numPages: 0x20, pageMapIndex: 0},
		{basePfn: 0x20000, numPages: 0x20, pageMapIndex: 0x20},
	}
	if diff := cmp.Diff(expSparse, pm.sparse, cmp.AllowUnexported(sparseMapEntry{})); diff != "" {
		t.Fatalf("sparse map mismatch (-want +got):\n%s", diff)
	}

	if page := pm.Get(0x1000_8000, mem.PageType4k); page == nil || !page.IsFree() {
		t.Error("expected the page at 0x1000_8000 to be free")
	}
	if page := pm.Get(0x2000_3000, mem.PageType4k); page == nil || !page.IsFree() {
		t.Error("expected the page at 0x2000_3000 to be free")
	}

	if got, ok := pm.NumAfter(0x1000_0000, mem.PageType4k); !ok || got != 0x40 {
		t.Fatalf("expected 0x40 pages after the map base; got 0x%x (ok=%t)", got, ok)
	}
	if got, ok := pm.NumAfter(0x2000_0000, mem.PageType4k); !ok || got != 0x20 {
		t.Fatalf("expected 0x20 pages after the second run; got 0x%x (ok=%t)", got, ok)
	}
	if _, ok := pm.NumAfter(0x3000_0000, mem.PageType4k); ok {
		t.Fatal("expected NumAfter outside the map to report no index")
	}
}

func TestContiguousRegionsShareSparseEntry(t *testing.T) {
	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x4000))
	if err := memMap.ReserveRegion(hwmap.ReservedFirmware, 0x1000_1000, 0x1000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}

	// Splitting a region into contiguous runs must not create new sparse
	// entries.
	pm := populatedPageMap(t, memMap)
	if len(pm.sparse) != 1 {
		t.Fatalf("expected a single sparse entry for contiguous regions; got %d", len(pm.sparse))
	}
}

func TestBuildFromReservesTrackerBacking(t *testing.T) {
	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x10_0000))

	pm, err := BuildFrom(memMap)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	// The tracker's own backing pages are reserved and must reject
	// ownership changes.
	page := pm.Get(0x1000_0000, mem.PageType4k)
	if page == nil || !page.IsReserved() {
		t.Fatal("expected the tracker backing page to be reserved")
	}

	if got := pm.NumPages(); got != 0x100 {
		t.Fatalf("expected the tracker to cover 0x100 frames; got 0x%x", got)
	}
}

func TestBuildFromWithoutSpaceFails(t *testing.T) {
	// The map's only page is reserved, so no available region is left to
	// hold the tracker.
	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x1000))
	if err := memMap.ReserveRegion(hwmap.ReservedFirmware, 0x1000_0000, 0x1000); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}

	if _, err := BuildFrom(memMap); err != ErrNoSpaceForPageMap {
		t.Fatalf("expected construction to fail with ErrNoSpaceForPageMap; got %v", err)
	}
}

func TestReleaseOwner(t *testing.T) {
	alloc := NewOwnerAllocator()
	guest := alloc.Next()

	memMap := mustBuildMap(t, hwmap.NewBuilder().AddRegion(0x1000_0000, 0x4000))
	pm := populatedPageMap(t, memMap)

	for addr := uint64(0x1000_0000); addr < 0x1000_4000; addr += uint64(mem.PageSize) {
		page := pm.Get(addr, mem.PageType4k)
		page.PushOwner(HostOwnerID)
		if addr != 0x1000_0000 {
			page.PushOwner(guest)
		}
	}

	pm.ReleaseOwner(guest)

	for addr := uint64(0x1000_0000); addr < 0x1000_4000; addr += uint64(mem.PageSize) {
		owner, ok := pm.Get(addr, mem.PageType4k).Owner()
		if !ok || owner != HostOwnerID {
			t.Fatalf("expected the page at 0x%x to revert to the host; got %d (ok=%t)", addr, owner, ok)
		}
	}
}
