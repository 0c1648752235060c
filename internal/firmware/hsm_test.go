package firmware

import (
	"runtime"
	"testing"
	"time"

	"github.com/tinyrange/sbivm/internal/riscv"
)

func TestHartStartInvalidParam(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)

	ret := rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStart, 7, 0x8020_0000, 0)
	if ret.Error != SBIErrInvalidParam {
		t.Errorf("hart_start(7) error = %d, want INVALID_PARAM", ret.Error)
	}
}

func TestHartStartAlreadyAvailable(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)
	rig.startHart(1)

	ret := rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStart, 1, 0x8020_0000, 0)
	if ret.Error != SBIErrAlreadyAvail {
		t.Errorf("hart_start on STARTED hart error = %d, want ALREADY_AVAILABLE", ret.Error)
	}
	// No side effects: state unchanged, no IPI pended.
	if got := rig.fw.HartState(1); got != HsmStarted {
		t.Errorf("state = %d, want STARTED", got)
	}
	if rig.clint.ReadMsip(1) {
		t.Error("msip raised despite failed start")
	}
}

func TestHartStartReleasesParkedHart(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)

	stop := make(chan struct{})
	defer close(stop)

	type result struct {
		handoff *HandOff
		err     error
	}
	done := make(chan result, 1)
	go func() {
		hc := &rig.fw.ctx[1]
		hc.PrepareForTrap()
		hc.hart.Mie |= riscv.MipMSIP
		h, err := rig.fw.ParkStopped(1, stop)
		done <- result{h, err}
	}()

	ret := rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStart, 1, 0x8020_0000, 0xDEAD)
	if ret.Error != SBISuccess || ret.Value != 0 {
		t.Fatalf("hart_start = {%d, %d}, want {SUCCESS, 0}", ret.Error, ret.Value)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ParkStopped: %v", res.err)
		}
		h := res.handoff
		if h.Entry != 0x8020_0000 || h.Opaque != 0xDEAD || h.Priv != riscv.PrivSupervisor {
			t.Errorf("handoff = %+v", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hart 1 never released")
	}

	if got := rig.fw.HartState(1); got != HsmStarted {
		t.Errorf("state = %d, want STARTED", got)
	}
	hart := rig.harts[1]
	if hart.Priv != riscv.PrivSupervisor {
		t.Errorf("priv = %d, want supervisor", hart.Priv)
	}
	if hart.PC != 0x8020_0000 {
		t.Errorf("pc = %#x, want 0x80200000", hart.PC)
	}
	if a0 := hart.ReadReg(riscv.RegA0); a0 != 1 {
		t.Errorf("a0 = %d, want hart id 1", a0)
	}
	if a1 := hart.ReadReg(riscv.RegA1); a1 != 0xDEAD {
		t.Errorf("a1 = %#x, want 0xDEAD", a1)
	}
}

func TestHartStopAndRestart(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)
	rig.startHart(1)

	ret := rig.ecall(t, 1, SBIExtHSM, SBIHSMHartStop)
	if ret.Error != SBISuccess {
		t.Fatalf("hart_stop error = %d", ret.Error)
	}
	if !rig.fw.StopRequested(1) {
		t.Fatal("stop not pending after hart_stop")
	}
	rig.fw.CompleteStop(1)
	if got := rig.fw.HartState(1); got != HsmStopped {
		t.Fatalf("state = %d, want STOPPED", got)
	}

	// A stopped hart is startable again.
	ret = rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStart, 1, 0x8040_0000, 0)
	if ret.Error != SBISuccess {
		t.Fatalf("restart error = %d", ret.Error)
	}
	if got := rig.fw.HartState(1); got != HsmStartPending {
		t.Errorf("state = %d, want START_PENDING", got)
	}
}

func TestHartStopNotStarted(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	hc := rig.startHart(1)
	hc.hsmState.Store(HsmSuspended)

	ret := rig.ecall(t, 1, SBIExtHSM, SBIHSMHartStop)
	if ret.Error != SBIErrFailed {
		t.Errorf("hart_stop from SUSPENDED error = %d, want FAILED", ret.Error)
	}
	if got := rig.fw.HartState(1); got != HsmSuspended {
		t.Errorf("state changed to %d on failed stop", got)
	}
}

func TestHartGetStatus(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)

	ret := rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStatus, 0)
	if ret.Error != SBISuccess || ret.Value != uint64(HsmStarted) {
		t.Errorf("status(0) = {%d, %d}", ret.Error, ret.Value)
	}
	ret = rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStatus, 1)
	if ret.Error != SBISuccess || ret.Value != uint64(HsmStopped) {
		t.Errorf("status(1) = {%d, %d}", ret.Error, ret.Value)
	}
	ret = rig.ecall(t, 0, SBIExtHSM, SBIHSMHartStatus, 9)
	if ret.Error != SBIErrInvalidParam {
		t.Errorf("status(9) error = %d, want INVALID_PARAM", ret.Error)
	}
}

func TestSuspendResume(t *testing.T) {
	rig := newTestRig(t, 2, nil)
	rig.startHart(0)
	rig.startHart(1)

	stop := make(chan struct{})
	defer close(stop)

	done := make(chan SBIRet, 1)
	go func() {
		h := rig.harts[1]
		for i := 0; i < 6; i++ {
			h.WriteReg(riscv.RegA0+i, 0)
		}
		h.WriteReg(riscv.RegA6, SBIHSMHartSuspend)
		h.WriteReg(riscv.RegA7, SBIExtHSM)
		rig.fw.HandleEcall(1, stop)
		done <- SBIRet{Error: int64(h.ReadReg(riscv.RegA0))}
	}()

	// Wait until the hart reports SUSPENDED.
	deadline := time.Now().Add(5 * time.Second)
	for rig.fw.HartState(1) != HsmSuspended {
		if time.Now().After(deadline) {
			t.Fatal("hart 1 never suspended")
		}
		runtime.Gosched()
	}

	// A software IPI resumes it.
	ret := rig.ecall(t, 0, SBIExtIPI, SBIIPISendIPI, 1<<1, 0)
	if ret.Error != SBISuccess {
		t.Fatalf("send_ipi error = %d", ret.Error)
	}

	select {
	case res := <-done:
		if res.Error != SBISuccess {
			t.Errorf("hart_suspend returned %d", res.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hart 1 never resumed")
	}

	if got := rig.fw.HartState(1); got != HsmStarted {
		t.Errorf("state after resume = %d, want STARTED", got)
	}
	if rig.harts[1].Mip()&riscv.MipSSIP == 0 {
		t.Error("supervisor software interrupt not pended after resume")
	}
}

func TestSuspendUnsupportedType(t *testing.T) {
	rig := newTestRig(t, 1, nil)
	rig.startHart(0)

	ret := rig.ecall(t, 0, SBIExtHSM, SBIHSMHartSuspend, 0x8000_0000)
	if ret.Error != SBIErrNotSupported {
		t.Errorf("suspend type 0x80000000 error = %d, want NOT_SUPPORTED", ret.Error)
	}
	if got := rig.fw.HartState(0); got != HsmStarted {
		t.Errorf("state = %d, want STARTED", got)
	}
}
