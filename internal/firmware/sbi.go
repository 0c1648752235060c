package firmware

import (
	"github.com/tinyrange/sbivm/internal/riscv"
)

// SBI extension IDs.
const (
	SBIExtBase          = 0x10
	SBIExtTimer         = 0x54494D45 // "TIME"
	SBIExtIPI           = 0x735049   // "sPI"
	SBIExtRFence        = 0x52464E43 // "RFNC"
	SBIExtHSM           = 0x48534D   // "HSM"
	SBIExtSRST          = 0x53525354 // "SRST"
	SBIExtLegacyPutchar = 0x01
	SBIExtLegacyGetchar = 0x02
)

// SBI Base extension function IDs.
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

// SBI Timer extension function IDs.
const (
	SBITimerSetTimer = 0
)

// SBI IPI extension function IDs.
const (
	SBIIPISendIPI = 0
)

// SBI RFENCE extension function IDs.
const (
	SBIRFenceFenceI         = 0
	SBIRFenceSFenceVMA      = 1
	SBIRFenceSFenceVMAASID  = 2
	SBIRFenceHFenceGVMAVMID = 3
	SBIRFenceHFenceGVMA     = 4
	SBIRFenceHFenceVVMAASID = 5
	SBIRFenceHFenceVVMA     = 6
)

// SBI HSM (Hart State Management) function IDs.
const (
	SBIHSMHartStart   = 0
	SBIHSMHartStop    = 1
	SBIHSMHartStatus  = 2
	SBIHSMHartSuspend = 3
)

// SBI System Reset function IDs and reset types.
const (
	SBISRSTSystemReset = 0

	SBIResetShutdown   = 0
	SBIResetColdReboot = 1
	SBIResetWarmReboot = 2
)

// SBI error codes.
const (
	SBISuccess           int64 = 0
	SBIErrFailed         int64 = -1
	SBIErrNotSupported   int64 = -2
	SBIErrInvalidParam   int64 = -3
	SBIErrDenied         int64 = -4
	SBIErrInvalidAddress int64 = -5
	SBIErrAlreadyAvail   int64 = -6
	SBIErrAlreadyStarted int64 = -7
	SBIErrAlreadyStopped int64 = -8
)

// SBIRet is the {error, value} pair every SBI call returns in {a0, a1}.
type SBIRet struct {
	Error int64
	Value uint64
}

// Implementation identity reported through the Base extension.
const (
	sbiSpecVersion = 0x0100_0000       // SBI 1.0
	sbiImplID      = 0x53_42_49_56_4d  // "SBIVM"
	sbiImplVersion = 0x0001_0000
)

// dispatchSBI routes an ecall by (extension id, function id). The ABI is the
// standard one: extension in a7, function in a6, arguments in a0..a5.
func (fw *Firmware) dispatchSBI(hc *HartContext, stop <-chan struct{}) SBIRet {
	h := hc.hart
	ext := h.X[riscv.RegA7]
	fid := h.X[riscv.RegA6]
	a0 := h.X[riscv.RegA0]
	a1 := h.X[riscv.RegA1]
	a2 := h.X[riscv.RegA2]
	a3 := h.X[riscv.RegA3]
	a4 := h.X[riscv.RegA4]

	switch ext {
	case SBIExtLegacyPutchar:
		if fw.console != nil {
			fw.console.Putchar(byte(a0))
		}
		return SBIRet{}

	case SBIExtLegacyGetchar:
		if fw.console != nil {
			if ch, ok := fw.console.Getchar(); ok {
				return SBIRet{Value: uint64(ch)}
			}
		}
		return SBIRet{Value: ^uint64(0)}

	case SBIExtBase:
		return fw.handleBase(fid, a0)

	case SBIExtTimer:
		if fid != SBITimerSetTimer {
			return SBIRet{Error: SBIErrNotSupported}
		}
		return fw.SetTimer(hc, a0)

	case SBIExtIPI:
		if fid != SBIIPISendIPI {
			return SBIRet{Error: SBIErrNotSupported}
		}
		return fw.SendIPI(HartMask{Mask: a0, Base: a1})

	case SBIExtRFence:
		return fw.handleRFence(hc, fid, HartMask{Mask: a0, Base: a1}, a2, a3, a4)

	case SBIExtHSM:
		switch fid {
		case SBIHSMHartStart:
			return fw.hartStart(a0, a1, a2)
		case SBIHSMHartStop:
			return fw.hartStop(hc)
		case SBIHSMHartStatus:
			return fw.hartGetStatus(a0)
		case SBIHSMHartSuspend:
			return fw.hartSuspend(hc, a0, stop)
		default:
			return SBIRet{Error: SBIErrNotSupported}
		}

	case SBIExtSRST:
		if fid != SBISRSTSystemReset {
			return SBIRet{Error: SBIErrNotSupported}
		}
		return fw.systemReset(a0)

	default:
		return SBIRet{Error: SBIErrNotSupported}
	}
}

func (fw *Firmware) handleBase(fid, arg uint64) SBIRet {
	switch fid {
	case SBIBaseGetSpecVersion:
		return SBIRet{Value: sbiSpecVersion}
	case SBIBaseGetImplID:
		return SBIRet{Value: sbiImplID}
	case SBIBaseGetImplVersion:
		return SBIRet{Value: sbiImplVersion}
	case SBIBaseProbeExtension:
		switch arg {
		case SBIExtBase, SBIExtTimer, SBIExtIPI, SBIExtRFence, SBIExtHSM,
			SBIExtSRST, SBIExtLegacyPutchar, SBIExtLegacyGetchar:
			return SBIRet{Value: 1}
		default:
			return SBIRet{Value: 0}
		}
	case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
		return SBIRet{Value: 0}
	default:
		return SBIRet{Error: SBIErrNotSupported}
	}
}

func (fw *Firmware) handleRFence(hc *HartContext, fid uint64, mask HartMask, a2, a3, a4 uint64) SBIRet {
	ctx := RFenceContext{Start: a2, Size: a3}
	switch fid {
	case SBIRFenceFenceI:
		ctx.Op = OpFenceI
		ctx.Start, ctx.Size = 0, 0
	case SBIRFenceSFenceVMA:
		ctx.Op = OpSFenceVMA
	case SBIRFenceSFenceVMAASID:
		ctx.Op = OpSFenceVMAASID
		ctx.ASID = a4
	case SBIRFenceHFenceGVMAVMID:
		ctx.Op = OpHFenceGVMAVMID
		ctx.VMID = a4
	case SBIRFenceHFenceGVMA:
		ctx.Op = OpHFenceGVMA
	case SBIRFenceHFenceVVMAASID:
		ctx.Op = OpHFenceVVMAASID
		ctx.ASID = a4
	case SBIRFenceHFenceVVMA:
		ctx.Op = OpHFenceVVMA
	default:
		return SBIRet{Error: SBIErrNotSupported}
	}
	return fw.RemoteFence(hc, mask, ctx)
}

func (fw *Firmware) systemReset(resetType uint64) SBIRet {
	if fw.reset == nil {
		return SBIRet{Error: SBIErrNotSupported}
	}
	switch resetType {
	case SBIResetShutdown:
		fw.reset.Shutdown()
		return SBIRet{}
	case SBIResetColdReboot, SBIResetWarmReboot:
		fw.reset.Reboot()
		return SBIRet{}
	default:
		return SBIRet{Error: SBIErrNotSupported}
	}
}
