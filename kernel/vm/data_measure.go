package vm

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// MeasurementSize is the size of a guest measurement digest in bytes.
const MeasurementSize = 32

// DataMeasure computes the running measurement of a guest: a digest over
// the contents and destination addresses of every page donated before the
// guest is finalized.
type DataMeasure interface {
	// AddDataPage folds a page mapped at the given guest physical
	// address into the measurement.
	AddDataPage(gpa uint64, data []byte)

	// Digest returns the current measurement.
	Digest() []byte
}

// Sha3Measure implements DataMeasure by chaining SHA3-256 over the donated
// pages in donation order.
type Sha3Measure struct {
	digest [MeasurementSize]byte
}

// NewSha3Measure returns an empty measurement.
func NewSha3Measure() *Sha3Measure {
	return &Sha3Measure{}
}

// AddDataPage folds the page into the measurement chain.
func (m *Sha3Measure) AddDataPage(gpa uint64, data []byte) {
	var gpaBytes [8]byte
	binary.LittleEndian.PutUint64(gpaBytes[:], gpa)

	h := sha3.New256()
	h.Write(m.digest[:])
	h.Write(gpaBytes[:])
	h.Write(data)
	copy(m.digest[:], h.Sum(nil))
}

// Digest returns the current measurement.
func (m *Sha3Measure) Digest() []byte {
	return m.digest[:]
}
