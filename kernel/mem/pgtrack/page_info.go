package pgtrack

import "github.com/intertidal-holdings/salus/kernel"

var (
	// ErrReservedPage is returned for ownership operations on a page that
	// is permanently reserved.
	ErrReservedPage = &kernel.Error{Module: "pgtrack", Message: "page is reserved"}

	// ErrUnownedPage is returned when popping the owner of a page that
	// has none.
	ErrUnownedPage = &kernel.Error{Module: "pgtrack", Message: "page is not owned"}

	// ErrOwnerOverflow is returned when pushing past the maximum chain
	// depth or popping the root owner.
	ErrOwnerOverflow = &kernel.Error{Module: "pgtrack", Message: "owner chain depth exceeded"}
)

// maxPageOwners bounds the length of an ownership chain. Enough for the
// host VM to assign a hypervisor-owned page to a guest VM without further
// nesting.
const maxPageOwners = 3

type pageState uint8

const (
	// pageFree marks a usable, unclaimed page. No page is in this state
	// after startup: it must either be reserved or owned.
	pageFree pageState = iota

	// pageReserved marks a page that is present but permanently unusable.
	pageReserved

	// pageOwned marks a page with a non-empty ownership chain.
	pageOwned
)

// PageInfo holds the current ownership status of a page. The ownership
// chain is ordered oldest first; its last element is the current owner.
type PageInfo struct {
	state     pageState
	numOwners uint8
	owners    [maxPageOwners]OwnerID
}

// NewFreePage creates a PageInfo that is free.
func NewFreePage() PageInfo {
	return PageInfo{state: pageFree}
}

// NewReservedPage creates a PageInfo that is forever reserved.
func NewReservedPage() PageInfo {
	return PageInfo{state: pageReserved}
}

// NewHypervisorOwnedPage creates a PageInfo that is initially owned by the
// hypervisor.
func NewHypervisorOwnedPage() PageInfo {
	p := PageInfo{state: pageOwned, numOwners: 1}
	p.owners[0] = HypervisorOwnerID
	return p
}

// IsFree returns true if the page is free.
func (p *PageInfo) IsFree() bool {
	return p.state == pageFree
}

// IsReserved returns true if the page is marked reserved.
func (p *PageInfo) IsReserved() bool {
	return p.state == pageReserved
}

// Owner returns the current owner of the page, if it has one.
func (p *PageInfo) Owner() (OwnerID, bool) {
	if p.state != pageOwned {
		return 0, false
	}
	return p.owners[p.numOwners-1], true
}

// PushOwner records a new current owner for the page while maintaining the
// chain of custody, so the previous owner is known when the new owner
// abandons the page. Failures leave the page unchanged.
func (p *PageInfo) PushOwner(owner OwnerID) *kernel.Error {
	switch p.state {
	case pageOwned:
		if p.numOwners == maxPageOwners {
			return ErrOwnerOverflow
		}
		p.owners[p.numOwners] = owner
		p.numOwners++
		return nil
	case pageFree:
		p.state = pageOwned
		p.owners[0] = owner
		p.numOwners = 1
		return nil
	default:
		return ErrReservedPage
	}
}

// PopOwner removes and returns the current owner, reverting the page to
// its previous owner. The root owner can't be popped; failures leave the
// page unchanged.
func (p *PageInfo) PopOwner() (OwnerID, *kernel.Error) {
	switch p.state {
	case pageOwned:
		if p.numOwners == 1 {
			return 0, ErrOwnerOverflow
		}
		p.numOwners--
		return p.owners[p.numOwners], nil
	case pageFree:
		return 0, ErrUnownedPage
	default:
		return 0, ErrReservedPage
	}
}

// PopOwnersWhile pops owners for as long as the supplied check accepts the
// current owner and a pop is legal. It never fails.
func (p *PageInfo) PopOwnersWhile(check func(OwnerID) bool) {
	for {
		owner, ok := p.Owner()
		if !ok || !check(owner) {
			return
		}
		if _, err := p.PopOwner(); err != nil {
			return
		}
	}
}

// FindOwner scans the ownership chain from the current owner downwards and
// returns the first owner accepted by the supplied check.
func (p *PageInfo) FindOwner(check func(OwnerID) bool) (OwnerID, bool) {
	if p.state != pageOwned {
		return 0, false
	}
	for ownerIndex := int(p.numOwners) - 1; ownerIndex >= 0; ownerIndex-- {
		if check(p.owners[ownerIndex]) {
			return p.owners[ownerIndex], true
		}
	}
	return 0, false
}
