package firmware

import (
	"github.com/tinyrange/sbivm/internal/riscv"
)

// HandleEcall services an ecall-from-S trap on the given hart: full trap
// entry, SBI dispatch, result in {a0, a1}, and mret with the pc advanced
// past the ecall instruction. The stop channel lets calls that park the hart
// (hart_suspend) abort on machine teardown.
func (fw *Firmware) HandleEcall(id uint64, stop <-chan struct{}) error {
	hc, err := fw.HartContext(id)
	if err != nil {
		return err
	}

	hc.enterTrap(riscv.CauseEcallFromS, 0)
	ret := fw.dispatchSBI(hc, stop)
	h := hc.hart
	h.WriteReg(riscv.RegA0, uint64(ret.Error))
	h.WriteReg(riscv.RegA1, ret.Value)
	h.Mepc += 4
	hc.exitTrap()
	return nil
}

// HandleInterrupt services an asynchronous machine-level trap. The machine
// calls it when a hart running below M-mode has a pending, enabled machine
// interrupt; cause is the interrupt cause the hart would vector on.
func (fw *Firmware) HandleInterrupt(id uint64, cause uint64) error {
	hc, err := fw.HartContext(id)
	if err != nil {
		return err
	}

	hc.enterTrap(cause, 0)
	switch cause {
	case riscv.CauseMSoftwareInt:
		fw.handleMachineSoft(hc)
	case riscv.CauseMTimerInt:
		fw.handleMachineTimer(hc)
	default:
		fw.hartFatal(hc, "unexpected machine interrupt")
	}
	hc.exitTrap()
	return nil
}

// handleMachineSoft acknowledges the software interrupt and fans the
// coalesced reason bits out: SSOFT becomes a supervisor software interrupt,
// FENCE drains the fence queue until empty.
func (fw *Firmware) handleMachineSoft(hc *HartContext) {
	pending := hc.getAndResetIPIType()
	fw.device().ClearMsip(hc.id)

	if pending&ipiSSoft != 0 {
		hc.hart.SetMip(riscv.MipSSIP)
	}
	if pending&ipiFence != 0 {
		hc.drainFences()
	}
}

// handleMachineTimer forwards a machine timer expiry to the supervisor:
// mask the machine timer, mark the supervisor timer pending, and park the
// compare at the far future until the supervisor reprograms it.
func (fw *Firmware) handleMachineTimer(hc *HartContext) {
	h := hc.hart
	h.Mie &^= riscv.MipMTIP
	h.SetMip(riscv.MipSTIP)
	fw.device().WriteMtimecmp(hc.id, ^uint64(0))
}
