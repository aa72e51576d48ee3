package sbi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intertidal-holdings/salus/kernel/cpu"
	"github.com/intertidal-holdings/salus/kernel/mem"
)

func TestMessageRoundTrips(t *testing.T) {
	specs := []Message{
		PutCharMessage{Char: 'x'},
		BaseMessage{Func: BaseGetMachineVendorID},
		HartStateMessage{Func: HartSuspend},
		ResetMessage{Type: ResetWarmReset, Reason: ResetSystemFailure},
		TeeMessage{Func: TvmCreate{DonorPageAddr: 0x1000_4000}},
		TeeMessage{Func: TvmDestroy{GuestID: 2}},
		TeeMessage{Func: AddPageTablePages{GuestID: 2, PageAddr: 0x1000_9000, NumPages: 4}},
		TeeMessage{Func: AddPages{
			GuestID:       2,
			PageAddr:      0x1000_d000,
			PageType:      mem.PageType4k,
			NumPages:      1,
			GuestPhysAddr: 0x8000_0000,
			SkipZero:      true,
		}},
		TeeMessage{Func: Finalize{GuestID: 2}},
		TeeMessage{Func: Run{GuestID: 2}},
		TeeMessage{Func: RemovePages{GuestID: 2, GuestPhysAddr: 0x8000_0000, RemapAddr: 0x1000_d000, NumPages: 1}},
		TeeMessage{Func: GetGuestMeasurement{GuestID: 2, MeasurementVersion: 1, MeasurementType: 1, PageAddr: 0x1000_e000}},
	}

	for _, msg := range specs {
		var gprs cpu.GeneralPurposeRegisters
		EncodeCall(msg, &gprs)

		decoded, err := DecodeMessage(&gprs)
		require.Nilf(t, err, "decode of %T", msg)
		require.Equal(t, msg, decoded)
	}
}

func TestResetWireConvention(t *testing.T) {
	// The reset type travels in A0 and the reason in A1, symmetrically.
	var gprs cpu.GeneralPurposeRegisters
	EncodeCall(ResetMessage{Type: ResetColdReset, Reason: ResetSystemFailure}, &gprs)

	require.Equal(t, uint64(ExtReset), gprs.Reg(cpu.A7))
	require.Equal(t, uint64(0), gprs.Reg(cpu.A6))
	require.Equal(t, uint64(ResetColdReset), gprs.Reg(cpu.A0))
	require.Equal(t, uint64(ResetSystemFailure), gprs.Reg(cpu.A1))

	require.Equal(t, ResetMessage{Type: ResetShutdown, Reason: ResetNoReason}, Shutdown())
}

func TestSkipZeroWireConvention(t *testing.T) {
	// A5 != 0 means the donated pages keep their contents.
	for _, skipZero := range []bool{false, true} {
		var gprs cpu.GeneralPurposeRegisters
		EncodeCall(TeeMessage{Func: AddPages{GuestID: 2, PageType: mem.PageType4k, NumPages: 1, SkipZero: skipZero}}, &gprs)

		expA5 := uint64(0)
		if skipZero {
			expA5 = 1
		}
		require.Equal(t, expA5, gprs.Reg(cpu.A5))

		decoded, err := DecodeMessage(&gprs)
		require.Nil(t, err)
		require.Equal(t, skipZero, decoded.(TeeMessage).Func.(AddPages).SkipZero)
	}
}

func TestDecodeRejectsMalformedMessages(t *testing.T) {
	specs := []struct {
		descr string
		a7    uint64
		a6    uint64
		a0    uint64
		a2    uint64
		err   error
	}{
		{descr: "unknown extension", a7: 0xdead, err: ErrUnknownExtension},
		{descr: "base function out of range", a7: ExtBase, a6: 6, err: ErrInvalidParam},
		{descr: "hart state function out of range", a7: ExtHartState, a6: 4, err: ErrInvalidParam},
		{descr: "reset function out of range", a7: ExtReset, a6: 1, err: ErrInvalidParam},
		{descr: "reset type out of range", a7: ExtReset, a0: 3, err: ErrInvalidParam},
		{descr: "tee function out of range", a7: ExtTee, a6: 8, err: ErrInvalidParam},
		{descr: "page type out of range", a7: ExtTee, a6: teeFuncAddPages, a2: 4, err: ErrInvalidParam},
	}

	for _, spec := range specs {
		var gprs cpu.GeneralPurposeRegisters
		gprs.SetReg(cpu.A7, spec.a7)
		gprs.SetReg(cpu.A6, spec.a6)
		gprs.SetReg(cpu.A0, spec.a0)
		gprs.SetReg(cpu.A2, spec.a2)

		_, err := DecodeMessage(&gprs)
		require.Equalf(t, spec.err, err, "spec: %s", spec.descr)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	require.Equal(t, CodeInvalidAddress, CodeForError(ErrInvalidAddress))
	require.Equal(t, CodeInvalidParam, CodeForError(ErrInvalidParam))
	require.Equal(t, CodeNotSupported, CodeForError(ErrNotSupported))
	require.Equal(t, CodeDenied, CodeForError(ErrDenied))
	require.Equal(t, CodeFailed, CodeForError(ErrFailed))

	// Unknown extensions surface as invalid parameters on the wire.
	require.Equal(t, CodeInvalidParam, CodeForError(ErrUnknownExtension))

	// Decoding inverts the mapping where possible; unrecognized codes
	// collapse to ErrFailed.
	require.Equal(t, ErrInvalidAddress, ErrorFromCode(CodeInvalidAddress))
	require.Equal(t, ErrInvalidParam, ErrorFromCode(CodeInvalidParam))
	require.Equal(t, ErrNotSupported, ErrorFromCode(CodeNotSupported))
	require.Equal(t, ErrDenied, ErrorFromCode(CodeDenied))
	require.Equal(t, ErrFailed, ErrorFromCode(CodeAlreadyStopped))
	require.Equal(t, ErrFailed, ErrorFromCode(-42))
}

func TestResult(t *testing.T) {
	value, err := Result(TeeMessage{Func: Run{GuestID: 2}}, 0, 7)
	require.Nil(t, err)
	require.Equal(t, uint64(7), value)

	deniedCode := CodeDenied
	_, err = Result(TeeMessage{Func: Run{GuestID: 2}}, uint64(deniedCode), 0)
	require.Equal(t, ErrDenied, err)

	// Legacy putchar has no return values.
	value, err = Result(PutCharMessage{Char: 'c'}, 0xffff, 0xffff)
	require.Nil(t, err)
	require.Equal(t, uint64(0), value)

	// A reset that came back at all has failed.
	_, err = Result(ResetMessage{}, 0, 0)
	require.Equal(t, ErrFailed, err)
}

func TestReturnWrite(t *testing.T) {
	var gprs cpu.GeneralPurposeRegisters

	Success(0x1234).Write(&gprs)
	require.Equal(t, uint64(0), gprs.Reg(cpu.A0))
	require.Equal(t, uint64(0x1234), gprs.Reg(cpu.A1))

	Fail(ErrInvalidAddress).Write(&gprs)
	require.Equal(t, uint64(0xffff_ffff_ffff_fffb), gprs.Reg(cpu.A0)) // -5
	require.Equal(t, uint64(0), gprs.Reg(cpu.A1))
}
