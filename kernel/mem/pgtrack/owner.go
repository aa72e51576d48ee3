// Package pgtrack tracks the ownership of every physical page frame in the
// system. Ownership is recorded as a bounded chain-of-custody stack so that
// pages delegated to a guest VM can be reclaimed by the delegating VM when
// the guest is torn down.
package pgtrack

// OwnerID identifies a principal that may own pages: the hypervisor, the
// host VM or a nested guest VM.
type OwnerID uint64

const (
	// HypervisorOwnerID is the identifier of the hypervisor itself.
	HypervisorOwnerID OwnerID = 0

	// HostOwnerID is the identifier of the host VM.
	HostOwnerID OwnerID = 1

	// firstGuestOwnerID is the first identifier minted for guest VMs.
	firstGuestOwnerID OwnerID = 2
)

// Valid returns true if this identifier names a known principal. Guest
// identifiers become known as they are minted; identifiers are never
// reused so any value below the mint watermark is valid.
func (id OwnerID) Valid(alloc *OwnerAllocator) bool {
	return id < HostOwnerID+1 || (alloc != nil && id < alloc.next)
}

// IsHypervisor returns true if this is the hypervisor identifier.
func (id OwnerID) IsHypervisor() bool {
	return id == HypervisorOwnerID
}

// IsHost returns true if this is the host VM identifier.
func (id OwnerID) IsHost() bool {
	return id == HostOwnerID
}

// OwnerAllocator mints identifiers for guest VMs. Identifiers are assigned
// monotonically and never reused, so a destroyed guest's identifier can't
// be confused with a live one.
type OwnerAllocator struct {
	next OwnerID
}

// NewOwnerAllocator returns an allocator whose first minted identifier
// follows the well-known hypervisor and host identifiers.
func NewOwnerAllocator() *OwnerAllocator {
	return &OwnerAllocator{next: firstGuestOwnerID}
}

// Next mints the identifier for a new guest VM.
func (a *OwnerAllocator) Next() OwnerID {
	id := a.next
	a.next++
	return id
}
