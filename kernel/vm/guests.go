package vm

import (
	"unsafe"

	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/mem/pgtrack"
	"github.com/intertidal-holdings/salus/kernel/sbi"
)

// guestState tags the lifecycle stage of a registry entry. The transient
// state exists only for the duration of the Finalize swap and is never
// observable through any registry accessor.
type guestState int

const (
	guestInit guestState = iota
	guestRunning
	guestTransient
)

// Guest is one entry of a VM's guest registry.
type Guest struct {
	id      pgtrack.OwnerID
	state   guestState
	builder *GuestRootBuilder
	vm      *Vm

	// statePageAddr is the donor page backing this entry's tracking
	// state.
	statePageAddr uint64
}

// measurement returns the guest's current measurement regardless of
// lifecycle stage.
func (g *Guest) measurement() []byte {
	if g.state == guestInit {
		return g.builder.measure.Digest()
	}
	return g.vm.pages.measure.Digest()
}

// Guests is the registry of guest VMs owned by a parent VM. Its capacity
// is bounded by the tracking pages the parent dedicated at creation time.
type Guests struct {
	entries  []*Guest
	capacity int
}

// newGuests returns an empty registry bounded to the given number of
// entries.
func newGuests(capacity int) *Guests {
	return &Guests{capacity: capacity}
}

// full returns true if the registry can accept no further entries.
func (g *Guests) full() bool {
	return len(g.entries) >= g.capacity
}

// add appends an entry to the registry.
func (g *Guests) add(guest *Guest) *kernel.Error {
	if g.full() {
		return sbi.ErrInvalidParam
	}
	g.entries = append(g.entries, guest)
	return nil
}

// guest returns the entry for the given guest id. Ids not present in this
// registry, including the well-known hypervisor and host ids, fail.
func (g *Guests) guest(id uint64) (*Guest, *kernel.Error) {
	for _, entry := range g.entries {
		if entry.id == pgtrack.OwnerID(id) {
			return entry, nil
		}
	}
	return nil, sbi.ErrInvalidParam
}

// remove drops the entry for the given guest id, retaining all others.
func (g *Guests) remove(id uint64) {
	retained := g.entries[:0]
	for _, entry := range g.entries {
		if entry.id != pgtrack.OwnerID(id) {
			retained = append(retained, entry)
		}
	}
	g.entries = retained
}

// initializingGuest returns the builder for the given guest if it is still
// initializing.
func (g *Guests) initializingGuest(id uint64) (*GuestRootBuilder, *kernel.Error) {
	entry, err := g.guest(id)
	if err != nil {
		return nil, err
	}
	if entry.state != guestInit {
		return nil, sbi.ErrInvalidParam
	}
	return entry.builder, nil
}

// runningGuest returns the VM for the given guest if it has been
// finalized.
func (g *Guests) runningGuest(id uint64) (*Vm, *kernel.Error) {
	entry, err := g.guest(id)
	if err != nil {
		return nil, err
	}
	if entry.state != guestRunning {
		return nil, sbi.ErrInvalidParam
	}
	return entry.vm, nil
}

// finalize converts the given guest from initializing to running. The
// entry passes through the transient state while the builder is consumed;
// no registry accessor can observe it there.
func (g *Guests) finalize(id uint64) *kernel.Error {
	entry, err := g.guest(id)
	if err != nil {
		return err
	}
	if entry.state != guestInit {
		return sbi.ErrInvalidParam
	}

	builder := entry.builder
	entry.state = guestTransient
	entry.builder = nil
	entry.vm = newVm(builder.CreatePages())
	entry.state = guestRunning
	return nil
}

// guestsPerPage is the number of registry entries a single tracking page
// can hold.
func guestsPerPage() int {
	return int(uint64(mem.PageSize) / uint64(unsafe.Sizeof(Guest{})))
}
