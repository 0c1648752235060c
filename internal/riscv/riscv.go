// Package riscv models the architectural state of RV64 harts: privilege
// levels, the CSR file, interrupt arbitration, and trap delivery.
package riscv

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusSD   uint64 = 1 << 63
)

// mstatus bit positions
const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
	MstatusFSShift  = 13
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (with bit 63 set)
const (
	CauseInterrupt    uint64 = 1 << 63
	CauseSSoftwareInt uint64 = CauseInterrupt | 1
	CauseMSoftwareInt uint64 = CauseInterrupt | 3
	CauseSTimerInt    uint64 = CauseInterrupt | 5
	CauseMTimerInt    uint64 = CauseInterrupt | 7
	CauseSExternalInt uint64 = CauseInterrupt | 9
	CauseMExternalInt uint64 = CauseInterrupt | 11
)

// menvcfg bits
const (
	MenvcfgCBIEShift        = 4
	MenvcfgCBIEInvalidate   = 3 << MenvcfgCBIEShift // cbo.inval invalidates
	MenvcfgCBCFE     uint64 = 1 << 6                // cbo.clean/flush enable
	MenvcfgCBZE      uint64 = 1 << 7                // cbo.zero enable
	MenvcfgSTCE      uint64 = 1 << 63               // Sstc: stimecmp enable
)

// mtvec modes
const (
	MtvecModeDirect   uint64 = 0
	MtvecModeVectored uint64 = 1
)

// PMP configuration byte fields (pmpcfg)
const (
	PmpR        uint8 = 1 << 0
	PmpW        uint8 = 1 << 1
	PmpX        uint8 = 1 << 2
	PmpAShift         = 3
	PmpAOff     uint8 = 0 << PmpAShift
	PmpATOR     uint8 = 1 << PmpAShift
	PmpANA4     uint8 = 2 << PmpAShift
	PmpANAPOT   uint8 = 3 << PmpAShift
	PmpL        uint8 = 1 << 7
)

// ABI register indices used by the SBI calling convention.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA3 = 13
	RegA4 = 14
	RegA5 = 15
	RegA6 = 16
	RegA7 = 17
)
