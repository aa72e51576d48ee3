package cpu

// Exception enumerates the synchronous scause values the run loop cares
// about.
type Exception uint64

// Exception cause codes from the privileged spec.
const (
	ExceptionInstructionMisaligned     Exception = 0
	ExceptionIllegalInstruction        Exception = 2
	ExceptionBreakpoint                Exception = 3
	ExceptionUserEnvCall               Exception = 8
	ExceptionVirtualSupervisorEnvCall  Exception = 10
	ExceptionInstructionPageFault      Exception = 12
	ExceptionLoadPageFault             Exception = 13
	ExceptionStorePageFault            Exception = 15
	ExceptionGuestInstructionPageFault Exception = 20
	ExceptionGuestLoadPageFault        Exception = 21
	ExceptionVirtualInstruction        Exception = 22
	ExceptionGuestStorePageFault       Exception = 23
)

// scauseInterruptBit flags an scause value as an interrupt rather than an
// exception.
const scauseInterruptBit = uint64(1) << 63

// Trap is the decoded cause of a guest exit.
type Trap struct {
	// Interrupt is true if the exit was caused by an interrupt.
	Interrupt bool

	// Exception is the synchronous cause; only meaningful when Interrupt
	// is false.
	Exception Exception

	// Cause is the raw cause code.
	Cause uint64
}

// TrapFromScause decodes the given scause value.
func TrapFromScause(scause uint64) Trap {
	if scause&scauseInterruptBit != 0 {
		return Trap{Interrupt: true, Cause: scause &^ scauseInterruptBit}
	}
	return Trap{Exception: Exception(scause), Cause: scause}
}
