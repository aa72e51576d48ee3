package mem

const (
	// PageShift is the number of address bits covered by a page.
	PageShift = 12

	// PageSize is the size of a page frame in bytes.
	PageSize = Size(1 << PageShift)

	// TvmDonorAlign is the alignment required of the contiguous donor
	// block consumed when a guest VM is created; the first four of its
	// pages form the 16 KiB top-level G-stage page table.
	TvmDonorAlign = uint64(4 * PageSize)
)
