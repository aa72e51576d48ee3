// Package kmain contains the hypervisor boot sequence. It is kept in its
// own package so the lifecycle packages it wires together can depend on
// the base kernel package without forming an import cycle.
package kmain

import (
	"io"

	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/kfmt"
	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/mem/hwmap"
	"github.com/intertidal-holdings/salus/kernel/mem/pgtrack"
	"github.com/intertidal-holdings/salus/kernel/vm"
)

var errNoHostMemory = &kernel.Error{Module: "kmain", Message: "no free space for the host VM state"}

// hostTrackingPages is the number of pages dedicated to the host's guest
// registry.
const hostTrackingPages = 2

// hostStatePages is the contiguous run the boot sequence carves out for
// the host: four pages of G-stage root plus the guest tracking pages.
const hostStatePages = 4 + hostTrackingPages

// Kmain builds the page ownership tracker from the boot memory map,
// delegates all usable memory to the host VM and constructs it. Any error
// returned here aborts the boot.
func Kmain(memMap *hwmap.MemoryMap, console io.Writer) (*vm.Host, *kernel.Error) {
	kfmt.SetOutput(console)

	pageMap, err := pgtrack.BuildFrom(memMap)
	if err != nil {
		return nil, err
	}
	kfmt.Printf("page map tracks %d frames\n", pageMap.NumPages())

	rootAddr, err := findHostStateBlock(memMap)
	if err != nil {
		return nil, err
	}

	ownerAlloc := pgtrack.NewOwnerAllocator()
	hostPages, err := vm.NewHostPages(pageMap, ownerAlloc, rootAddr)
	if err != nil {
		return nil, err
	}

	trackingAddr := rootAddr + 4*uint64(mem.PageSize)
	return vm.NewHost(hostPages, trackingAddr, hostTrackingPages), nil
}

// findHostStateBlock locates a 16 KiB-aligned run of free pages for the
// host's page-table root and guest tracking state.
func findHostStateBlock(memMap *hwmap.MemoryMap) (uint64, *kernel.Error) {
	var (
		rootAddr uint64
		found    bool
	)

	memMap.VisitRegions(func(r *hwmap.Region) bool {
		if r.Type != hwmap.RegionAvailable {
			return true
		}

		aligned := (r.Base + mem.TvmDonorAlign - 1) &^ (mem.TvmDonorAlign - 1)
		if aligned+hostStatePages*uint64(mem.PageSize) > r.End() {
			return true
		}

		rootAddr = aligned
		found = true
		return false
	})

	if !found {
		return 0, errNoHostMemory
	}
	return rootAddr, nil
}
