package mem

import "unsafe"

// Memset sets size bytes at the given address to the supplied value.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Bytes overlays a byte slice on top of the size bytes starting at addr.
// The caller must guarantee that the region is mapped and exclusively held.
func Bytes(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
