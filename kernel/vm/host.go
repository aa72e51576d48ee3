package vm

import "github.com/intertidal-holdings/salus/kernel/cpu"

// Host represents the special VM that serves as the host for the system.
// It is the root of the guest delegation tree: all of physical memory not
// retained by the hypervisor is owned by it, and every TEE guest is
// created out of its pages.
type Host struct {
	inner *Vm
}

// NewHost creates the host VM from its pages. trackingPagesAddr names
// numTrackingPages host-owned pages dedicated to guest tracking; their
// capacity bounds the number of nested guests the host can create.
func NewHost(pages *VmPages, trackingPagesAddr, numTrackingPages uint64) *Host {
	inner := newVm(pages)
	inner.addGuestTrackingPages(trackingPagesAddr, numTrackingPages)
	return &Host{inner: inner}
}

// SetEntryAddress sets the address the host starts executing at on the
// first Run.
func (h *Host) SetEntryAddress(entryAddr uint64) {
	h.inner.setEntryAddress(entryAddr)
}

// AddDeviceTree passes the device tree location to the host per the boot
// protocol.
func (h *Host) AddDeviceTree(dtAddr uint64) {
	h.inner.addDeviceTree(dtAddr)
}

// Run enters the host VM. It only returns for an interrupt or a trap the
// hypervisor can't service.
func (h *Host) Run(hartID uint64) cpu.Trap {
	return h.inner.run(hartID)
}
