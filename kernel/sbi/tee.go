package sbi

import (
	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/cpu"
	"github.com/intertidal-holdings/salus/kernel/mem"
)

// TEE extension function identifiers, as carried in A6.
const (
	teeFuncTvmCreate uint64 = iota
	teeFuncTvmDestroy
	teeFuncAddPageTablePages
	teeFuncAddPages
	teeFuncFinalize
	teeFuncRun
	teeFuncRemovePages
	teeFuncGetGuestMeasurement
)

// TeeFunction is the decoded payload of a TEE extension call. Like
// Message it is a closed set.
type TeeFunction interface {
	teeFunction()
}

// TvmCreate creates a guest VM. DonorPageAddr names five contiguous,
// 16 KiB-aligned pages: the first four become the guest's top-level
// G-stage page table, the fifth backs the guest's tracking state.
type TvmCreate struct {
	DonorPageAddr uint64
}

// TvmDestroy destroys a guest VM created with TvmCreate.
type TvmDestroy struct {
	GuestID uint64
}

// AddPageTablePages donates pages to a guest's G-stage page-table pool.
// AddPages does not check that any pool pages have been donated.
type AddPageTablePages struct {
	GuestID  uint64
	PageAddr uint64
	NumPages uint64
}

// AddPages donates data pages to a guest, mapping them at GuestPhysAddr.
// SkipZero leaves the page contents in place instead of zeroing them
// before donation; it is only permitted while the guest is initializing,
// and the donated contents become part of the guest's measurement.
type AddPages struct {
	GuestID       uint64
	PageAddr      uint64
	PageType      mem.PageType
	NumPages      uint64
	GuestPhysAddr uint64
	SkipZero      bool
}

// Finalize moves a guest VM from the initializing state to the running
// state.
type Finalize struct {
	GuestID uint64
}

// Run enters the given guest VM until it traps.
type Run struct {
	GuestID uint64
}

// RemovePages reclaims pages that were previously donated with AddPages.
// RemapAddr is accepted but its semantics are still tentative; it is not
// consumed by the dispatcher.
type RemovePages struct {
	GuestID       uint64
	GuestPhysAddr uint64
	RemapAddr     uint64
	NumPages      uint64
}

// GetGuestMeasurement copies the guest's measurement into the caller-owned
// page at PageAddr.
type GetGuestMeasurement struct {
	GuestID            uint64
	MeasurementVersion uint64
	MeasurementType    uint64
	PageAddr           uint64
}

func (TvmCreate) teeFunction()           {}
func (TvmDestroy) teeFunction()          {}
func (AddPageTablePages) teeFunction()   {}
func (AddPages) teeFunction()            {}
func (Finalize) teeFunction()            {}
func (Run) teeFunction()                 {}
func (RemovePages) teeFunction()         {}
func (GetGuestMeasurement) teeFunction() {}

// decodeTeeFunction decodes a TEE function from the argument registers
// A0..A7 (indexed from A0).
func decodeTeeFunction(args []uint64) (TeeFunction, *kernel.Error) {
	switch args[6] {
	case teeFuncTvmCreate:
		return TvmCreate{DonorPageAddr: args[0]}, nil
	case teeFuncTvmDestroy:
		return TvmDestroy{GuestID: args[0]}, nil
	case teeFuncAddPageTablePages:
		return AddPageTablePages{
			GuestID:  args[0],
			PageAddr: args[1],
			NumPages: args[2],
		}, nil
	case teeFuncAddPages:
		pageType := mem.PageType(args[2])
		if !pageType.Valid() {
			return nil, ErrInvalidParam
		}
		return AddPages{
			GuestID:       args[0],
			PageAddr:      args[1],
			PageType:      pageType,
			NumPages:      args[3],
			GuestPhysAddr: args[4],
			SkipZero:      args[5] != 0,
		}, nil
	case teeFuncFinalize:
		return Finalize{GuestID: args[0]}, nil
	case teeFuncRun:
		return Run{GuestID: args[0]}, nil
	case teeFuncRemovePages:
		return RemovePages{
			GuestID:       args[0],
			GuestPhysAddr: args[1],
			RemapAddr:     args[2],
			NumPages:      args[3],
		}, nil
	case teeFuncGetGuestMeasurement:
		return GetGuestMeasurement{
			GuestID:            args[0],
			MeasurementVersion: args[1],
			MeasurementType:    args[2],
			PageAddr:           args[3],
		}, nil
	default:
		return nil, ErrInvalidParam
	}
}

// encodeTeeCall places the register values for the given TEE function in
// A0..A6.
func encodeTeeCall(fn TeeFunction, gprs *cpu.GeneralPurposeRegisters) {
	switch f := fn.(type) {
	case TvmCreate:
		gprs.SetReg(cpu.A6, teeFuncTvmCreate)
		gprs.SetReg(cpu.A0, f.DonorPageAddr)
	case TvmDestroy:
		gprs.SetReg(cpu.A6, teeFuncTvmDestroy)
		gprs.SetReg(cpu.A0, f.GuestID)
	case AddPageTablePages:
		gprs.SetReg(cpu.A6, teeFuncAddPageTablePages)
		gprs.SetReg(cpu.A0, f.GuestID)
		gprs.SetReg(cpu.A1, f.PageAddr)
		gprs.SetReg(cpu.A2, f.NumPages)
	case AddPages:
		gprs.SetReg(cpu.A6, teeFuncAddPages)
		gprs.SetReg(cpu.A0, f.GuestID)
		gprs.SetReg(cpu.A1, f.PageAddr)
		gprs.SetReg(cpu.A2, uint64(f.PageType))
		gprs.SetReg(cpu.A3, f.NumPages)
		gprs.SetReg(cpu.A4, f.GuestPhysAddr)
		if f.SkipZero {
			gprs.SetReg(cpu.A5, 1)
		}
	case Finalize:
		gprs.SetReg(cpu.A6, teeFuncFinalize)
		gprs.SetReg(cpu.A0, f.GuestID)
	case Run:
		gprs.SetReg(cpu.A6, teeFuncRun)
		gprs.SetReg(cpu.A0, f.GuestID)
	case RemovePages:
		gprs.SetReg(cpu.A6, teeFuncRemovePages)
		gprs.SetReg(cpu.A0, f.GuestID)
		gprs.SetReg(cpu.A1, f.GuestPhysAddr)
		gprs.SetReg(cpu.A2, f.RemapAddr)
		gprs.SetReg(cpu.A3, f.NumPages)
	case GetGuestMeasurement:
		gprs.SetReg(cpu.A6, teeFuncGetGuestMeasurement)
		gprs.SetReg(cpu.A0, f.GuestID)
		gprs.SetReg(cpu.A1, f.MeasurementVersion)
		gprs.SetReg(cpu.A2, f.MeasurementType)
		gprs.SetReg(cpu.A3, f.PageAddr)
	}
}
