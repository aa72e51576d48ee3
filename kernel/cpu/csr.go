package cpu

// sie interrupt-enable bits.
const (
	SieSsie = uint64(1) << 1
	SieStie = uint64(1) << 5
	SieSeie = uint64(1) << 9
)

// hedeleg exception delegation bits; each position matches the exception
// cause code it delegates.
const (
	HedelegInstructionMisaligned = uint64(1) << 0
	HedelegBreakpoint            = uint64(1) << 3
	HedelegUserEnvCall           = uint64(1) << 8
	HedelegInstructionPageFault  = uint64(1) << 12
	HedelegLoadPageFault         = uint64(1) << 13
	HedelegStorePageFault        = uint64(1) << 15
)

// hideleg interrupt delegation bits for the virtual supervisor interrupts.
const (
	HidelegVsSoft     = uint64(1) << 2
	HidelegVsTimer    = uint64(1) << 6
	HidelegVsExternal = uint64(1) << 10
)

// hstatus fields.
const (
	HstatusSpv  = uint64(1) << 7
	HstatusSpvp = uint64(1) << 8
)

// sstatus fields.
const (
	SstatusSpie = uint64(1) << 5
	SstatusSpp  = uint64(1) << 8
)

// hgatp layout for the G-stage translation root.
const (
	HgatpVmidShift  = 44
	HgatpModeShift  = 60
	HgatpModeSv48x4 = uint64(9)
)

// Csrs mirrors the control and status registers saved and restored around
// guest entry. With the exception of hgatp, any guest-written value is safe
// for the host; the guest may malfunction but it can't reach host memory.
type Csrs struct {
	Sepc       uint64
	Sie        uint64
	Scause     uint64
	Stvec      uint64
	Hgatp      uint64
	Hedeleg    uint64
	Hideleg    uint64
	Hstatus    uint64
	Hcounteren uint64
	Sstatus    uint64
	Stval      uint64
	Htval      uint64
}
