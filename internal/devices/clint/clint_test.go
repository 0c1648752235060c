package clint

import (
	"testing"

	"github.com/tinyrange/sbivm/internal/riscv"
)

func newTestCLINT(n int) (*CLINT, []*riscv.Hart, *ManualClock) {
	clock := &ManualClock{}
	var harts []*riscv.Hart
	for i := 0; i < n; i++ {
		harts = append(harts, riscv.NewHart(uint64(i)))
	}
	return New(harts, clock), harts, clock
}

func TestMsipCouplesToMip(t *testing.T) {
	c, harts, _ := newTestCLINT(2)

	c.SetMsip(1)
	if !c.ReadMsip(1) {
		t.Error("msip not readable back")
	}
	if harts[1].Mip()&riscv.MipMSIP == 0 {
		t.Error("MSIP not pended on the hart")
	}
	if harts[0].Mip()&riscv.MipMSIP != 0 {
		t.Error("MSIP leaked onto the wrong hart")
	}

	c.ClearMsip(1)
	if c.ReadMsip(1) || harts[1].Mip()&riscv.MipMSIP != 0 {
		t.Error("MSIP not retracted")
	}
}

func TestMsipViaMMIO(t *testing.T) {
	c, harts, _ := newTestCLINT(2)

	if err := c.Write(RegMsip+4, 4, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if harts[1].Mip()&riscv.MipMSIP == 0 {
		t.Error("MMIO msip write did not pend MSIP")
	}
	v, err := c.Read(RegMsip+4, 4)
	if err != nil || v != 1 {
		t.Errorf("msip readback = %d (%v)", v, err)
	}

	if err := c.Write(RegMsip+4, 4, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if harts[1].Mip()&riscv.MipMSIP != 0 {
		t.Error("MMIO msip clear did not retract MSIP")
	}
}

func TestTimerCompare(t *testing.T) {
	c, harts, clock := newTestCLINT(1)

	c.WriteMtimecmp(0, 1000)
	if harts[0].Mip()&riscv.MipMTIP != 0 {
		t.Error("MTIP pending before compare")
	}

	clock.Advance(1000)
	c.Tick()
	if harts[0].Mip()&riscv.MipMTIP == 0 {
		t.Error("MTIP not pending after compare passed")
	}

	// Reprogramming into the future retracts the interrupt.
	c.WriteMtimecmp(0, 5000)
	if harts[0].Mip()&riscv.MipMTIP != 0 {
		t.Error("MTIP not retracted by future compare")
	}
}

func TestTimerImmediateFire(t *testing.T) {
	c, harts, clock := newTestCLINT(1)
	clock.Advance(2000)

	// A compare already in the past pends immediately.
	c.WriteMtimecmp(0, 1000)
	if harts[0].Mip()&riscv.MipMTIP == 0 {
		t.Error("MTIP not pending for a past compare")
	}
}

func TestMtimeReadWrite(t *testing.T) {
	c, _, clock := newTestCLINT(1)
	clock.Advance(123)

	if got := c.ReadMtime(); got != 123 {
		t.Errorf("mtime = %d", got)
	}
	c.WriteMtime(10_000)
	if got := c.ReadMtime(); got != 10_000 {
		t.Errorf("mtime after write = %d", got)
	}

	v, err := c.Read(RegMtime, 8)
	if err != nil || v != 10_000 {
		t.Errorf("mtime via MMIO = %d (%v)", v, err)
	}
}

func TestMtimecmpSplitWrite(t *testing.T) {
	c, _, _ := newTestCLINT(1)

	// 32-bit low/high writes compose a full compare value.
	c.Write(RegMtimecmp, 4, 0xdddd_eeee)
	c.Write(RegMtimecmp+4, 4, 0xaaaa_bbbb)
	if got := c.ReadMtimecmp(0); got != 0xaaaa_bbbb_dddd_eeee {
		t.Errorf("mtimecmp = %#x", got)
	}
}
