package cpu

import "testing"

func TestGprAccess(t *testing.T) {
	var gprs GeneralPurposeRegisters

	gprs.SetReg(A0, 0x1234)
	if got := gprs.Reg(A0); got != 0x1234 {
		t.Fatalf("expected A0 to contain 0x1234; got 0x%x", got)
	}

	// The zero register always reads as zero.
	gprs.SetReg(Zero, 0xffff)
	if got := gprs.Reg(Zero); got != 0 {
		t.Fatalf("expected the zero register to read 0; got 0x%x", got)
	}

	aRegs := gprs.ARegs()
	if len(aRegs) != 8 {
		t.Fatalf("expected 8 argument registers; got %d", len(aRegs))
	}
	if aRegs[0] != 0x1234 {
		t.Fatalf("expected aRegs[0] to alias A0; got 0x%x", aRegs[0])
	}
}

func TestTrapFromScause(t *testing.T) {
	trap := TrapFromScause(uint64(ExceptionVirtualSupervisorEnvCall))
	if trap.Interrupt || trap.Exception != ExceptionVirtualSupervisorEnvCall {
		t.Fatalf("expected a VS-mode ecall exception; got %+v", trap)
	}

	trap = TrapFromScause(scauseInterruptBit | 5)
	if !trap.Interrupt || trap.Cause != 5 {
		t.Fatalf("expected supervisor timer interrupt cause 5; got %+v", trap)
	}
}
