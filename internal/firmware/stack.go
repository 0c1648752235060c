package firmware

import (
	"sync/atomic"

	"github.com/tinyrange/sbivm/internal/riscv"
)

// NextStage is the image a started hart transfers control to.
type NextStage struct {
	Addr   uint64
	Priv   uint8
	Opaque uint64
}

// HandOff is the result of releasing a hart into its next stage: the entry
// point, target privilege, and the opaque argument delivered in a1
// (conventionally the device-tree blob address).
type HandOff struct {
	Entry  uint64
	Priv   uint8
	Opaque uint64
}

// HartContext is the per-hart firmware state. It sits at the top of the
// hart's machine-mode trap stack and is exclusively owned by its hart;
// remote harts touch only the atomic fields (hsmState, ipiType, the fence
// cell) after looking the context up through the table.
type HartContext struct {
	fw   *Firmware
	hart *riscv.Hart
	id   uint64

	// nextStage is written by the HSM start path before the release edge
	// that makes the target runnable, and read only by the target.
	nextStage NextStage

	hsmState atomic.Uint32
	ipiType  atomic.Uint32

	rfence rfenceCell

	// ext is populated once during init and read-only afterwards.
	ext Extensions

	sink FenceSink

	// stack is the machine-mode trap stack. The top words hold the trap
	// frames; stackTop is the synthetic address parked in mscratch while the
	// hart runs in supervisor mode.
	stack     [TrapStackWords]uint64
	stackTop  uint64
	trapDepth int
}

// trapFrameWords is the per-entry frame: the 32 integer registers.
const trapFrameWords = 32

// stackBase returns the synthetic base address of a hart's trap stack. The
// region is 16-byte aligned by construction.
func stackBase(id uint64) uint64 {
	return 0x8004_0000 + id*uint64(TrapStackWords*8)
}

// PrepareForTrap arms the hart's trap entry: the machine-mode stack pointer
// is parked in mscratch so the first trap out of supervisor mode can recover
// the stack with a single swap.
func (hc *HartContext) PrepareForTrap() {
	hc.stackTop = stackBase(hc.id) + uint64(TrapStackWords*8)
	hc.hart.Mscratch = hc.stackTop
	hc.trapDepth = 0
}

// Hart returns the architectural state of the context's hart.
func (hc *HartContext) Hart() *riscv.Hart {
	return hc.hart
}

// ID returns the hart id.
func (hc *HartContext) ID() uint64 {
	return hc.id
}

// enterTrap performs the machine-mode trap entry: swap mscratch with the
// stack pointer, push the caller's registers onto the trap stack, record the
// trap CSRs, and raise the privilege to M. Nested entries (a trap taken
// while already in M-mode) skip the swap so the contract stays idempotent.
func (hc *HartContext) enterTrap(cause, tval uint64) {
	h := hc.hart

	if h.Priv != riscv.PrivMachine {
		// mscratch holds the M-stack while below M; swap it against sp.
		h.Mscratch, h.X[riscv.RegSP] = h.X[riscv.RegSP], h.Mscratch
	}

	// Snapshot the registers before pushFrame moves sp past the new frame.
	saved := h.X
	frame := hc.pushFrame()
	copy(frame, saved[:])

	h.Mepc = h.PC
	h.Mcause = cause
	h.Mtval = tval

	if h.Mstatus&riscv.MstatusMIE != 0 {
		h.Mstatus |= riscv.MstatusMPIE
	} else {
		h.Mstatus &^= riscv.MstatusMPIE
	}
	h.Mstatus &^= riscv.MstatusMIE

	h.Mstatus &^= riscv.MstatusMPP
	h.Mstatus |= uint64(h.Priv) << riscv.MstatusMPPShift
	h.Priv = riscv.PrivMachine

	h.PC = riscv.VectorTarget(h.Mtvec, cause)
}

// exitTrap is the mret path: pop the saved registers, drop back to the
// stacked privilege, and restore mscratch to the machine stack value so the
// next entry finds it where PrepareForTrap left it.
func (hc *HartContext) exitTrap() {
	h := hc.hart

	frame := hc.popFrame()
	// a0/a1 carry SBI results through the restore.
	a0, a1 := h.X[riscv.RegA0], h.X[riscv.RegA1]
	copy(h.X[:], frame)
	h.X[riscv.RegA0], h.X[riscv.RegA1] = a0, a1

	h.Priv = uint8((h.Mstatus & riscv.MstatusMPP) >> riscv.MstatusMPPShift)
	h.Mstatus &^= riscv.MstatusMPP

	if h.Mstatus&riscv.MstatusMPIE != 0 {
		h.Mstatus |= riscv.MstatusMIE
	} else {
		h.Mstatus &^= riscv.MstatusMIE
	}
	h.Mstatus |= riscv.MstatusMPIE

	h.PC = h.Mepc

	if h.Priv != riscv.PrivMachine {
		h.Mscratch, h.X[riscv.RegSP] = h.X[riscv.RegSP], h.Mscratch
	}
}

// pushFrame reserves one register frame on the trap stack and moves sp past
// it.
func (hc *HartContext) pushFrame() []uint64 {
	if (hc.trapDepth+1)*trapFrameWords > TrapStackWords {
		hc.fw.hartFatal(hc, "trap stack overflow")
	}
	top := TrapStackWords - hc.trapDepth*trapFrameWords
	frame := hc.stack[top-trapFrameWords : top]
	hc.trapDepth++
	hc.hart.X[riscv.RegSP] = hc.stackTop - uint64(hc.trapDepth*trapFrameWords*8)
	return frame
}

// popFrame releases the innermost frame.
func (hc *HartContext) popFrame() []uint64 {
	if hc.trapDepth == 0 {
		hc.fw.hartFatal(hc, "trap stack underflow")
	}
	hc.trapDepth--
	top := TrapStackWords - hc.trapDepth*trapFrameWords
	return hc.stack[top-trapFrameWords : top]
}
