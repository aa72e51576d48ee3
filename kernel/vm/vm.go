// Package vm implements the guest VM lifecycle: the registry of guests a
// VM may create, the TEE control-plane dispatcher that drives guest
// construction, measurement, execution and teardown, and the page adapter
// that mediates every ownership transfer through the page tracker.
package vm

import (
	"github.com/intertidal-holdings/salus/kernel"
	"github.com/intertidal-holdings/salus/kernel/cpu"
	"github.com/intertidal-holdings/salus/kernel/kfmt"
	"github.com/intertidal-holdings/salus/kernel/mem"
	"github.com/intertidal-holdings/salus/kernel/sbi"
)

var (
	// runGuestFn enters the guest described by the given CPU state and
	// returns when it traps. It is installed by the platform's trap
	// entry code at boot; the default records an illegal-instruction
	// exit so a guest without an entry path surfaces to its caller.
	runGuestFn = func(info *VmCpuState) {
		info.Csrs.Scause = uint64(cpu.ExceptionIllegalInstruction)
	}

	// poweroffFn halts the system in response to a reset request from
	// any VM this hypervisor runs.
	poweroffFn = func() {}
)

// VmCpuState is the per-VM CPU state block saved and restored around guest
// entry.
type VmCpuState struct {
	Csrs cpu.Csrs
	Gprs cpu.GeneralPurposeRegisters
}

// Vm is a virtual machine that can be run.
type Vm struct {
	info   VmCpuState
	pages  *VmPages
	guests *Guests
	hasRun bool

	// inRun is set while a hart is executing this VM's run loop; a
	// destroy raced against it is denied.
	inRun bool
}

// newVm creates a new VM using the given pages for its address space.
func newVm(pages *VmPages) *Vm {
	v := &Vm{pages: pages}
	csrs := &v.info.Csrs

	csrs.Sie = cpu.SieSsie | cpu.SieStie | cpu.SieSeie

	csrs.Hgatp = cpu.HgatpModeSv48x4<<cpu.HgatpModeShift |
		1<<cpu.HgatpVmidShift |
		pages.RootAddress()>>mem.PageShift

	csrs.Hedeleg = cpu.HedelegInstructionMisaligned |
		cpu.HedelegBreakpoint |
		cpu.HedelegUserEnvCall |
		cpu.HedelegInstructionPageFault |
		cpu.HedelegLoadPageFault |
		cpu.HedelegStorePageFault

	csrs.Hideleg = cpu.HidelegVsSoft | cpu.HidelegVsTimer | cpu.HidelegVsExternal

	csrs.Hstatus = cpu.HstatusSpv | cpu.HstatusSpvp
	csrs.Hcounteren = 0xffff_ffff_ffff_ffff
	csrs.Sstatus = cpu.SstatusSpp | cpu.SstatusSpie

	// Hart id; a single hart is supported for now.
	v.info.Gprs.SetReg(cpu.A0, 0)

	return v
}

// setEntryAddress sets the address the VM starts executing at.
func (v *Vm) setEntryAddress(entryAddr uint64) {
	v.info.Csrs.Sepc = entryAddr
}

// addDeviceTree passes the device tree location to the VM per the boot
// protocol.
func (v *Vm) addDeviceTree(dtAddr uint64) {
	v.info.Gprs.SetReg(cpu.A1, dtAddr)
}

// addGuestTrackingPages dedicates numPages host-owned pages at addr to
// tracking nested guests; their capacity bounds the registry.
func (v *Vm) addGuestTrackingPages(addr, numPages uint64) {
	v.guests = newGuests(int(numPages) * guestsPerPage())
}

// runToExit enters the VM until its next trap.
func (v *Vm) runToExit(hartID uint64) cpu.Trap {
	runGuestFn(&v.info)
	return cpu.TrapFromScause(v.info.Csrs.Scause)
}

// run executes the VM until it takes an interrupt or raises a trap the
// hypervisor can't service.
func (v *Vm) run(hartID uint64) cpu.Trap {
	v.hasRun = true
	v.inRun = true
	defer func() { v.inRun = false }()

	for {
		trap := v.runToExit(hartID)
		if trap.Interrupt {
			return trap
		}

		switch trap.Exception {
		case cpu.ExceptionVirtualSupervisorEnvCall:
			v.handleEcall()
			v.incSepcEcall() // must return to _after_ the ecall
		case cpu.ExceptionGuestInstructionPageFault,
			cpu.ExceptionGuestLoadPageFault,
			cpu.ExceptionGuestStorePageFault:
			if v.handleGuestFault() != nil {
				return trap
			}
		default:
			return trap
		}
	}
}

// incSepcEcall advances sepc past the ecall instruction that caused the
// exit.
func (v *Vm) incSepcEcall() {
	v.info.Csrs.Sepc += 4
}

// handleEcall decodes and services an SBI call from the guest, leaving the
// result in the caller's A0/A1. Legacy extensions leave the registers
// untouched.
func (v *Vm) handleEcall() {
	msg, err := sbi.DecodeMessage(&v.info.Gprs)
	if err != nil {
		sbi.Fail(err).Write(&v.info.Gprs)
		return
	}

	switch m := msg.(type) {
	case sbi.PutCharMessage:
		kfmt.PutChar(byte(m.Char))
	case sbi.ResetMessage:
		kfmt.Printf("vm shutdown/reboot request\n")
		poweroffFn()
	case sbi.TeeMessage:
		v.handleTeeMsg(m.Func).Write(&v.info.Gprs)
	default:
		sbi.Fail(sbi.ErrNotSupported).Write(&v.info.Gprs)
	}
}

// handleTeeMsg routes a TEE control-plane call to the guest registry.
func (v *Vm) handleTeeMsg(fn sbi.TeeFunction) sbi.Return {
	var (
		value uint64
		err   *kernel.Error
	)

	switch f := fn.(type) {
	case sbi.TvmCreate:
		value, err = v.addGuest(f.DonorPageAddr)
	case sbi.TvmDestroy:
		value, err = v.destroyGuest(f.GuestID)
	case sbi.AddPageTablePages:
		value, err = v.guestAddPageTablePages(f.GuestID, f.PageAddr, f.NumPages)
	case sbi.AddPages:
		value, err = v.guestAddPages(f.GuestID, f.PageAddr, f.PageType, f.NumPages, f.GuestPhysAddr, f.SkipZero)
	case sbi.Finalize:
		value, err = v.guestFinalize(f.GuestID)
	case sbi.Run:
		value, err = v.guestRun(f.GuestID)
	case sbi.RemovePages:
		value, err = v.guestRemovePages(f.GuestID, f.GuestPhysAddr, f.NumPages)
	case sbi.GetGuestMeasurement:
		value, err = v.guestGetMeasurement(f.GuestID, f.MeasurementVersion, f.MeasurementType, f.PageAddr)
	default:
		err = sbi.ErrNotSupported
	}

	if err != nil {
		return sbi.Fail(err)
	}
	return sbi.Success(value)
}

// handleGuestFault services an access fault, demand-faulting a reclaimable
// page back into the VM's address space.
func (v *Vm) handleGuestFault() *kernel.Error {
	csrs := &v.info.Csrs
	faultAddr := csrs.Htval<<2 | csrs.Stval&0x3
	kfmt.Printf("guest fault stval:%x htval:%x sepc:%x addr:%x\n", csrs.Stval, csrs.Htval, csrs.Sepc, faultAddr)

	return v.pages.HandlePageFault(faultAddr)
}

// addGuest creates a guest VM from five donor pages, transferring their
// ownership to a freshly minted guest id.
func (v *Vm) addGuest(donorPagesAddr uint64) (uint64, *kernel.Error) {
	kfmt.Printf("add guest %x\n", donorPagesAddr)
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if !mem.IsPageAligned(donorPagesAddr) {
		return 0, sbi.ErrInvalidAddress
	}

	// Reserve registry capacity up front so a failed add can't leave a
	// transferred donor block behind.
	if v.guests.full() {
		return 0, sbi.ErrInvalidParam
	}

	builder, statePageAddr, err := v.pages.CreateGuestRootBuilder(donorPagesAddr)
	if err != nil {
		return 0, err
	}

	guest := &Guest{
		id:            builder.PageOwnerID(),
		state:         guestInit,
		builder:       builder,
		statePageAddr: statePageAddr,
	}
	if err := v.guests.add(guest); err != nil {
		return 0, err
	}

	return uint64(guest.id), nil
}

// destroyGuest tears down a guest, reverting every page it still owns to
// this VM.
func (v *Vm) destroyGuest(guestID uint64) (uint64, *kernel.Error) {
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}

	guest, err := v.guests.guest(guestID)
	if err != nil {
		return 0, err
	}
	if guest.state == guestRunning && guest.vm.inRun {
		return 0, sbi.ErrDenied
	}

	v.pages.pageMap.Lock()
	v.pages.pageMap.ReleaseOwner(guest.id)
	v.pages.pageMap.Unlock()

	v.guests.remove(guestID)
	return 0, nil
}

// guestAddPageTablePages donates page-table pages to an initializing
// guest.
func (v *Vm) guestAddPageTablePages(guestID, fromAddr, numPages uint64) (uint64, *kernel.Error) {
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if !mem.IsPageAligned(fromAddr) {
		return 0, sbi.ErrInvalidAddress
	}

	builder, err := v.guests.initializingGuest(guestID)
	if err != nil {
		return 0, err
	}

	if err := v.pages.AddPtePagesBuilder(fromAddr, numPages, builder); err != nil {
		kfmt.Printf("pte pages donation error: %s\n", err.Message)
		return 0, err
	}
	return 0, nil
}

// guestAddPages donates data pages to an initializing guest, mapping and
// measuring them.
func (v *Vm) guestAddPages(guestID, fromAddr uint64, pageType mem.PageType, numPages, toAddr uint64, skipZero bool) (uint64, *kernel.Error) {
	kfmt.Printf("add pages %x type:%d num:%d to:%x\n", fromAddr, pageType, numPages, toAddr)
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if !mem.IsPageAligned(fromAddr) || !mem.IsPageAligned(toAddr) {
		return 0, sbi.ErrInvalidAddress
	}

	builder, err := v.guests.initializingGuest(guestID)
	if err != nil {
		return 0, err
	}

	if err := v.pages.AddPagesBuilder(fromAddr, pageType, numPages, builder, toAddr, skipZero); err != nil {
		return 0, err
	}
	return numPages, nil
}

// guestFinalize converts the given guest from initializing to running.
func (v *Vm) guestFinalize(guestID uint64) (uint64, *kernel.Error) {
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if err := v.guests.finalize(guestID); err != nil {
		return 0, err
	}
	return 0, nil
}

// guestRun enters the given guest until it raises a trap this VM must
// observe.
func (v *Vm) guestRun(guestID uint64) (uint64, *kernel.Error) {
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}

	guest, err := v.guests.runningGuest(guestID)
	if err != nil {
		return 0, err
	}

	guest.run(0) // TODO: thread the calling hart id through
	return 0, nil
}

// guestRemovePages reclaims pages previously donated to a running guest.
func (v *Vm) guestRemovePages(guestID, gpa, numPages uint64) (uint64, *kernel.Error) {
	kfmt.Printf("rm pages %x gpa:%x num:%d\n", guestID, gpa, numPages)
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if !mem.IsPageAligned(gpa) {
		return 0, sbi.ErrInvalidAddress
	}

	guest, err := v.guests.runningGuest(guestID)
	if err != nil {
		return 0, err
	}

	if err := guest.pages.Remove4kPages(gpa, numPages); err != nil {
		kfmt.Printf("remove pages error: %s\n", err.Message)
		return 0, err
	}
	return numPages, nil
}

// guestGetMeasurement copies the guest's measurement into the caller-owned
// page at pageAddr.
func (v *Vm) guestGetMeasurement(guestID, version, measurementType, pageAddr uint64) (uint64, *kernel.Error) {
	if v.guests == nil {
		return 0, sbi.ErrInvalidParam
	}
	if version != 1 || measurementType != 1 || !mem.IsPageAligned(pageAddr) {
		return 0, sbi.ErrInvalidParam
	}

	guest, err := v.guests.guest(guestID)
	if err != nil {
		return 0, err
	}

	digest := guest.measurement()
	if err := v.pages.ExecuteWithGuestOwnedPage(pageAddr, func(page []byte) {
		copy(page, digest)
	}); err != nil {
		return 0, err
	}
	return 0, nil
}
