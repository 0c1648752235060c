package firmware

import (
	"runtime"

	"github.com/tinyrange/sbivm/internal/riscv"
)

// HSM states, numbered per the SBI HSM extension so hart_get_status can
// return them directly.
const (
	HsmStarted        uint32 = 0
	HsmStopped        uint32 = 1
	HsmStartPending   uint32 = 2
	HsmStopPending    uint32 = 3
	HsmSuspended      uint32 = 4
	HsmSuspendPending uint32 = 5
	HsmResumePending  uint32 = 6
)

// HartState returns the hart's current lifecycle state.
func (fw *Firmware) HartState(id uint64) uint32 {
	return fw.ctx[id].hsmState.Load()
}

// allowIPI reports whether the hart may receive inter-processor interrupts:
// only harts that have claimed an address space (running or suspending) are
// eligible. Start/stop pending harts are reached through the lifecycle paths
// instead.
func (hc *HartContext) allowIPI() bool {
	switch hc.hsmState.Load() {
	case HsmStarted, HsmSuspendPending, HsmSuspended:
		return true
	default:
		return false
	}
}

// hartStart implements HSM hart_start: claim the target with a CAS out of
// STOPPED, publish the next-stage triple, and kick the target with a
// software IPI. The call returns immediately; the target completes the
// transition to STARTED when it services the IPI.
func (fw *Firmware) hartStart(target, addr, opaque uint64) SBIRet {
	if target >= uint64(len(fw.ctx)) {
		return SBIRet{Error: SBIErrInvalidParam}
	}
	hc := &fw.ctx[target]

	if !hc.hsmState.CompareAndSwap(HsmStopped, HsmStartPending) {
		return SBIRet{Error: SBIErrAlreadyAvail}
	}

	// The CAS claimed the hart; nextStage is safely ours to write until the
	// IPI below publishes it. Lifecycle IPIs bypass the allowIPI gate: the
	// target is STOPPED by definition.
	hc.nextStage = NextStage{Addr: addr, Priv: riscv.PrivSupervisor, Opaque: opaque}

	fw.setIPIType(hc, ipiSSoft)
	return SBIRet{}
}

// hartStop implements HSM hart_stop for the calling hart. The state flips to
// STOP_PENDING here; the machine notices after the trap returns and parks
// the hart, which completes the transition via CompleteStop.
func (fw *Firmware) hartStop(hc *HartContext) SBIRet {
	if !hc.hsmState.CompareAndSwap(HsmStarted, HsmStopPending) {
		return SBIRet{Error: SBIErrFailed}
	}
	return SBIRet{}
}

// StopRequested reports whether the hart has begun a stop transition.
func (fw *Firmware) StopRequested(id uint64) bool {
	return fw.ctx[id].hsmState.Load() == HsmStopPending
}

// CompleteStop parks a STOP_PENDING hart: pending IPIs are discarded and the
// state drops to STOPPED. The caller then re-enters the secondary park loop.
func (fw *Firmware) CompleteStop(id uint64) {
	hc := &fw.ctx[id]
	hc.ipiType.Store(0)
	fw.device().ClearMsip(id)
	hc.hsmState.Store(HsmStopped)
}

// hartGetStatus implements HSM hart_get_status.
func (fw *Firmware) hartGetStatus(target uint64) SBIRet {
	if target >= uint64(len(fw.ctx)) {
		return SBIRet{Error: SBIErrInvalidParam}
	}
	return SBIRet{Value: uint64(fw.ctx[target].hsmState.Load())}
}

// hartSuspend implements HSM hart_suspend for the default retentive type (0).
// The hart parks inside the call; a software IPI from a peer resumes it and
// the call returns to the caller. Other suspend types are not supported.
func (fw *Firmware) hartSuspend(hc *HartContext, suspendType uint64, stop <-chan struct{}) SBIRet {
	if suspendType != 0 {
		return SBIRet{Error: SBIErrNotSupported}
	}
	if !hc.hsmState.CompareAndSwap(HsmStarted, HsmSuspendPending) {
		return SBIRet{Error: SBIErrFailed}
	}
	hc.hsmState.Store(HsmSuspended)

	for {
		if !hc.hart.WFI(stop) {
			// Machine teardown; report failure so the supervisor unwinds.
			hc.hsmState.Store(HsmStarted)
			return SBIRet{Error: SBIErrFailed}
		}
		pending := hc.ipiType.Swap(0)
		fw.device().ClearMsip(hc.id)
		if pending&ipiFence != 0 {
			hc.drainFences()
		}
		if pending&ipiSSoft != 0 {
			// A peer asked us to resume. RESUME_PENDING may already have
			// been set by the sender; either way the wake completes it.
			hc.hsmState.CompareAndSwap(HsmSuspended, HsmResumePending)
			hc.hsmState.Store(HsmStarted)
			hc.hart.SetMip(riscv.MipSSIP)
			return SBIRet{}
		}
	}
}

// ParkStopped parks a STOPPED hart until a start request arrives, completes
// the transition, and returns the hand-off. Returns ErrShutdown when the
// stop channel closes first.
func (fw *Firmware) ParkStopped(id uint64, stop <-chan struct{}) (*HandOff, error) {
	hc := &fw.ctx[id]
	for {
		if !hc.hart.WFI(stop) {
			return nil, ErrShutdown
		}
		pending := hc.ipiType.Swap(0)
		fw.device().ClearMsip(id)

		// A started-but-idle hart can still be a fence target; its queue
		// must drain here or the initiator never completes.
		if pending&ipiFence != 0 {
			hc.drainFences()
		}
		if pending&ipiSSoft != 0 {
			switch hc.hsmState.Load() {
			case HsmStartPending:
				return fw.releaseHart(hc), nil
			case HsmStarted:
				hc.hart.SetMip(riscv.MipSSIP)
			}
		}
		runtime.Gosched()
	}
}

// releaseHart performs the hand-off into the next stage: program the return
// CSRs, publish STARTED, and drop privilege. The store to hsmState is the
// release edge that makes the new execution reachable.
func (fw *Firmware) releaseHart(hc *HartContext) *HandOff {
	h := hc.hart
	ns := hc.nextStage

	h.Mepc = ns.Addr
	h.Mstatus &^= riscv.MstatusMPP
	h.Mstatus |= uint64(ns.Priv) << riscv.MstatusMPPShift
	h.WriteReg(riscv.RegA0, hc.id)
	h.WriteReg(riscv.RegA1, ns.Opaque)

	hc.hsmState.Store(HsmStarted)

	// mret
	h.Priv = ns.Priv
	h.PC = ns.Addr

	return &HandOff{Entry: ns.Addr, Priv: ns.Priv, Opaque: ns.Opaque}
}
