package riscv

import (
	"fmt"
	"sync/atomic"
)

// Hart holds the architectural state of a single hardware thread.
//
// Every field except mip is exclusively owned by the hart that executes on it.
// mip is the one register other harts (and devices) poke asynchronously, so it
// lives behind atomics; SetMip also wakes the hart out of WFI.
type Hart struct {
	// Integer registers x0-x31
	X [32]uint64

	// Program counter
	PC uint64

	// Current privilege level
	Priv uint8

	// Hart identifier (mhartid)
	ID uint64

	// CSRs - Machine mode
	Mstatus    uint64
	Medeleg    uint64
	Mideleg    uint64
	Mie        uint64
	Mtvec      uint64
	Mcounteren uint64
	Mscratch   uint64
	Mepc       uint64
	Mcause     uint64
	Mtval      uint64
	Menvcfg    uint64

	// CSRs - Supervisor mode
	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64
	Stimecmp   uint64 // Sstc; ignored unless menvcfg.STCE is set

	// Physical memory protection
	Pmpcfg  [8]uint8
	Pmpaddr [8]uint64

	// Pending interrupts; touched cross-hart by the CLINT and the IPI path.
	mip atomic.Uint64

	// WFI wakeup doorbell. Capacity one: coalesced wakes are fine because the
	// sleeper re-checks mip&mie after every receive.
	wake chan struct{}
}

// NewHart creates a hart with the given id, parked in M-mode.
func NewHart(id uint64) *Hart {
	return &Hart{
		ID:   id,
		Priv: PrivMachine,
		wake: make(chan struct{}, 1),
	}
}

// ReadReg reads an integer register (x0 always returns 0).
func (h *Hart) ReadReg(reg int) uint64 {
	if reg == 0 {
		return 0
	}
	return h.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored).
func (h *Hart) WriteReg(reg int, val uint64) {
	if reg != 0 {
		h.X[reg] = val
	}
}

// Mip returns the current pending-interrupt set.
func (h *Hart) Mip() uint64 {
	return h.mip.Load()
}

// SetMip sets bits in mip and wakes the hart if it is parked in WFI.
func (h *Hart) SetMip(bits uint64) {
	for {
		old := h.mip.Load()
		if h.mip.CompareAndSwap(old, old|bits) {
			break
		}
	}
	h.Wake()
}

// ClearMip clears bits in mip.
func (h *Hart) ClearMip(bits uint64) {
	for {
		old := h.mip.Load()
		if h.mip.CompareAndSwap(old, old&^bits) {
			break
		}
	}
}

// Wake kicks the hart's WFI doorbell without changing mip. Used by shutdown
// paths that need a parked hart to re-check external state.
func (h *Hart) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// WFI parks the hart until an interrupt is both pending and locally enabled
// (mip & mie != 0). Per the architecture, WFI wakes on a locally enabled
// pending interrupt regardless of the global MIE/SIE bits. The stop channel
// aborts the wait; WFI returns false in that case.
func (h *Hart) WFI(stop <-chan struct{}) bool {
	for {
		if h.mip.Load()&h.Mie != 0 {
			return true
		}
		select {
		case <-h.wake:
		case <-stop:
			return false
		}
	}
}

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

// Sstatus reads the sstatus view of mstatus.
func (h *Hart) Sstatus() uint64 {
	return h.Mstatus & sstatusMask
}

// WriteSstatus writes the sstatus view of mstatus.
func (h *Hart) WriteSstatus(val uint64) {
	h.Mstatus = (h.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// Sip returns the supervisor view of mip (delegated bits only).
func (h *Hart) Sip() uint64 {
	return h.mip.Load() & h.Mideleg
}

// Sie returns the supervisor view of mie (delegated bits only).
func (h *Hart) Sie() uint64 {
	return h.Mie & h.Mideleg
}

// PendingInterrupt returns the highest-priority interrupt that should be
// taken now, honoring privilege, delegation, and the global enable bits.
// Machine interrupts outrank supervisor ones; within a rank the order is
// external, software, timer.
func (h *Hart) PendingInterrupt() (bool, uint64) {
	pending := h.mip.Load() & h.Mie
	if pending == 0 {
		return false, 0
	}

	mEnabled := h.Priv < PrivMachine || h.Mstatus&MstatusMIE != 0
	sEnabled := h.Priv < PrivSupervisor ||
		(h.Priv == PrivSupervisor && h.Mstatus&MstatusSIE != 0)

	mPending := pending &^ h.Mideleg
	if mEnabled && mPending != 0 {
		switch {
		case mPending&MipMEIP != 0:
			return true, CauseMExternalInt
		case mPending&MipMSIP != 0:
			return true, CauseMSoftwareInt
		case mPending&MipMTIP != 0:
			return true, CauseMTimerInt
		}
	}

	sPending := pending & h.Mideleg
	if sEnabled && h.Priv <= PrivSupervisor && sPending != 0 {
		switch {
		case sPending&MipSEIP != 0:
			return true, CauseSExternalInt
		case sPending&MipSSIP != 0:
			return true, CauseSSoftwareInt
		case sPending&MipSTIP != 0:
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// TrapToSupervisor delivers a delegated trap into S-mode. The supervisor
// trap CSRs record where and why; the SIE/SPIE/SPP stack in mstatus is
// rebuilt in one masked update so the handler starts with interrupts off and
// sret can undo the entry.
func (h *Hart) TrapToSupervisor(cause, tval uint64) {
	h.Sepc, h.Scause, h.Stval = h.PC, cause, tval

	stacked := h.Mstatus &^ (MstatusSIE | MstatusSPIE | MstatusSPP)
	if h.Mstatus&MstatusSIE != 0 {
		stacked |= MstatusSPIE
	}
	if h.Priv == PrivSupervisor {
		stacked |= MstatusSPP
	}
	h.Mstatus = stacked

	h.Priv = PrivSupervisor
	h.PC = VectorTarget(h.Stvec, cause)
}

// VectorTarget resolves a trap vector CSR (stvec/mtvec: base plus mode bits)
// to the handler address for the given cause. Only interrupts vector; every
// synchronous cause lands on the base.
func VectorTarget(tvec, cause uint64) uint64 {
	base := tvec &^ 3
	if tvec&3 == MtvecModeVectored && cause&CauseInterrupt != 0 {
		return base + 4*(cause&^CauseInterrupt)
	}
	return base
}

// String identifies the hart in log and panic output.
func (h *Hart) String() string {
	return fmt.Sprintf("hart%d", h.ID)
}
