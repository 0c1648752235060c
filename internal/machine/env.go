package machine

import (
	"github.com/tinyrange/sbivm/internal/firmware"
	"github.com/tinyrange/sbivm/internal/riscv"
)

// Env is the execution environment a payload runs in: it stands in for the
// supervisor-mode instruction stream of one hart, so its methods are the
// instructions a real next stage would issue (ecall, wfi) plus register
// access.
type Env struct {
	m    *Machine
	id   uint64
	hart *riscv.Hart
}

// HartID returns the hart this environment executes on.
func (e *Env) HartID() uint64 {
	return e.id
}

// Hart exposes the hart's architectural state.
func (e *Env) Hart() *riscv.Hart {
	return e.hart
}

// Arg returns a register argument delivered at hand-off (a0 = hart id,
// a1 = opaque).
func (e *Env) Arg(reg int) uint64 {
	return e.hart.ReadReg(reg)
}

// ECall executes an SBI call: extension in a7, function in a6, arguments in
// a0..a5, result read back from {a0, a1}. Pending machine interrupts are
// delivered before and after, the way a real hart would take them around the
// trap.
func (e *Env) ECall(ext, fid uint64, args ...uint64) firmware.SBIRet {
	e.Poll()

	h := e.hart
	for i := 0; i < 6; i++ {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		h.WriteReg(riscv.RegA0+i, v)
	}
	h.WriteReg(riscv.RegA6, fid)
	h.WriteReg(riscv.RegA7, ext)

	if err := e.m.FW.HandleEcall(e.id, e.m.stop); err != nil {
		return firmware.SBIRet{Error: firmware.SBIErrFailed}
	}

	e.Poll()

	return firmware.SBIRet{
		Error: int64(h.ReadReg(riscv.RegA0)),
		Value: h.ReadReg(riscv.RegA1),
	}
}

// Poll delivers any pending, enabled machine-level interrupts, looping until
// only supervisor-level state remains.
func (e *Env) Poll() {
	for {
		ok, cause := e.hart.PendingInterrupt()
		if !ok {
			return
		}
		switch cause {
		case riscv.CauseMSoftwareInt, riscv.CauseMTimerInt:
			e.m.FW.HandleInterrupt(e.id, cause)
		default:
			// Supervisor-level; left pending for the payload to observe.
			return
		}
	}
}

// WFI parks the hart until an interrupt is pending, then delivers any
// machine-level ones. Returns false if the machine shut down instead.
func (e *Env) WFI() bool {
	if !e.hart.WFI(e.m.stop) {
		return false
	}
	e.Poll()
	return true
}

// TakeSSIP consumes a pending supervisor software interrupt, returning
// whether one was pending. Payloads use it where a supervisor trap handler
// would run.
func (e *Env) TakeSSIP() bool {
	if e.hart.Mip()&riscv.MipSSIP == 0 {
		return false
	}
	e.hart.ClearMip(riscv.MipSSIP)
	return true
}

// Stopping reports whether the machine is tearing down.
func (e *Env) Stopping() bool {
	select {
	case <-e.m.stop:
		return true
	default:
		return false
	}
}
