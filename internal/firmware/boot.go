package firmware

import (
	"runtime"

	"github.com/tinyrange/sbivm/internal/riscv"
)

// BootInfo describes the next stage the boot hart releases into.
type BootInfo struct {
	NextAddr uint64
	NextPriv uint8
	Opaque   uint64 // conventionally the device-tree blob address
}

// MarkBSSReady records completion of the boot hart's one-time zeroing pass.
// Secondaries must not touch firmware state before this flag is up; it is
// deliberately separate from the SBI-ready flag, which gates the subsystems
// rather than the memory they live in.
func (fw *Firmware) MarkBSSReady() {
	fw.bssReady.Add(1)
}

// BootHart runs the boot-hart bring-up on the given hart and returns the
// hand-off into the next stage. Exactly one hart takes this path.
func (fw *Firmware) BootHart(id uint64, info BootInfo) (*HandOff, error) {
	hc, err := fw.HartContext(id)
	if err != nil {
		return nil, err
	}

	// The context table and fence cells were zeroed when the handle was
	// built; publish that before any secondary can look.
	fw.MarkBSSReady()

	hc.PrepareForTrap()

	// Publish the ready flag only after every subsystem reference is in
	// place; secondaries spin on this before touching SBI state.
	fw.sbiReady.Store(true)

	configurePMP(hc.hart)

	if info.NextPriv == 0 {
		info.NextPriv = riscv.PrivSupervisor
	}
	hc.nextStage = NextStage{Addr: info.NextAddr, Priv: info.NextPriv, Opaque: info.Opaque}

	fw.commonPostInit(hc)

	// The boot hart arms its own start and falls through the same release
	// path a secondary takes when its IPI arrives.
	return fw.releaseHart(hc), nil
}

// SecondaryHart runs the secondary bring-up: wait for the boot hart's
// publications, configure this hart, and park STOPPED until started.
func (fw *Firmware) SecondaryHart(id uint64, stop <-chan struct{}) (*HandOff, error) {
	hc, err := fw.HartContext(id)
	if err != nil {
		return nil, err
	}

	// Plain spins are enough here: the boot hart's release on publish pairs
	// with the acquire each load below performs.
	for fw.bssReady.Load() == 0 || !fw.sbiReady.Load() {
		select {
		case <-stop:
			return nil, ErrShutdown
		default:
		}
		runtime.Gosched()
	}

	configurePMP(hc.hart)
	hc.PrepareForTrap()
	fw.commonPostInit(hc)

	return fw.ParkStopped(id, stop)
}

// commonPostInit is the per-hart CSR configuration every hart runs after its
// mode-specific bring-up.
func (fw *Firmware) commonPostInit(hc *HartContext) {
	h := hc.hart

	// Clear any stale software interrupt on the device. Reason bits already
	// posted are kept and their doorbell re-raised: a hart that has not yet
	// parked only receives them from a hart_start that raced ahead of this
	// bring-up.
	fw.device().ClearMsip(hc.id)
	if hc.ipiType.Load() != 0 {
		fw.device().SetMsip(hc.id)
	}

	// Delegate everything to S-mode, then pull back supervisor ecalls and
	// illegal instructions: SBI calls and CSR emulation must land in M-mode.
	h.Mideleg = riscv.MipSSIP | riscv.MipSTIP | riscv.MipSEIP
	h.Medeleg = ^uint64(0) &^ ((1 << riscv.CauseEcallFromS) | (1 << riscv.CauseIllegalInsn))

	h.Mcounteren = ^uint64(0)

	h.Menvcfg = riscv.MenvcfgCBIEInvalidate | riscv.MenvcfgCBCFE | riscv.MenvcfgCBZE
	if hc.ext.Sstc {
		h.Menvcfg |= riscv.MenvcfgSTCE
		// Park the supervisor compare in the far future until programmed.
		h.Stimecmp = ^uint64(0)
	}

	h.Mtvec = trapVectorBase | riscv.MtvecModeVectored

	// Software interrupts stay enabled at the machine level so parked harts
	// wake on IPIs.
	h.Mie |= riscv.MipMSIP
}

// configurePMP installs the bootstrap protection map: entry 0 off at zero,
// entry 1 a TOR region covering the whole address space with RWX. Platforms
// should tighten this from their memory map.
func configurePMP(h *riscv.Hart) {
	h.Pmpcfg[0] = riscv.PmpAOff
	h.Pmpaddr[0] = 0
	h.Pmpcfg[1] = riscv.PmpATOR | riscv.PmpR | riscv.PmpW | riscv.PmpX
	h.Pmpaddr[1] = ^uint64(0) >> 2
}

// Sstc reports whether the hart was probed with the Sstc extension.
func (fw *Firmware) Sstc(id uint64) bool {
	return fw.ctx[id].ext.Sstc
}
