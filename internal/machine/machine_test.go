package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/tinyrange/sbivm/internal/devices/clint"
	"github.com/tinyrange/sbivm/internal/fdt"
	"github.com/tinyrange/sbivm/internal/firmware"
	"github.com/tinyrange/sbivm/internal/riscv"
)

const (
	testEntry  = 0x8020_0000
	testOpaque = 0x8300_0000
)

func shutdownPayload(env *Env) error {
	env.ECall(firmware.SBIExtSRST, firmware.SBISRSTSystemReset, firmware.SBIResetShutdown, 0)
	return nil
}

func TestSingleHartBootAndShutdown(t *testing.T) {
	m, err := New(Config{NumHarts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SetPayload(testEntry, func(env *Env) error {
		h := env.Hart()
		if h.Priv != riscv.PrivSupervisor {
			return fmt.Errorf("priv = %d, want supervisor", h.Priv)
		}
		if a0 := env.Arg(riscv.RegA0); a0 != 0 {
			return fmt.Errorf("a0 = %d, want boot hart id 0", a0)
		}
		if a1 := env.Arg(riscv.RegA1); a1 != testOpaque {
			return fmt.Errorf("a1 = %#x, want opaque", a1)
		}
		if !m.FW.Ready() {
			return fmt.Errorf("released before SBI ready")
		}
		return shutdownPayload(env)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestTwoHartStartup is the canonical bring-up: hart 0 boots, observes hart 1
// STOPPED, starts it at a second entry point with an opaque argument, and
// waits for it to come up.
func TestTwoHartStartup(t *testing.T) {
	m, err := New(Config{NumHarts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const secondEntry = 0x8021_0000
	hart1 := make(chan [2]uint64, 1)

	m.SetPayload(testEntry, func(env *Env) error {
		ret := env.ECall(firmware.SBIExtHSM, firmware.SBIHSMHartStatus, 1)
		if ret.Error != firmware.SBISuccess || ret.Value != uint64(firmware.HsmStopped) {
			return fmt.Errorf("hart 1 status = {%d, %d}, want STOPPED", ret.Error, ret.Value)
		}

		ret = env.ECall(firmware.SBIExtHSM, firmware.SBIHSMHartStart, 1, secondEntry, 0xDEAD)
		if ret.Error != firmware.SBISuccess || ret.Value != 0 {
			return fmt.Errorf("hart_start = {%d, %d}", ret.Error, ret.Value)
		}

		for m.FW.HartState(1) != firmware.HsmStarted {
			if env.Stopping() {
				return nil
			}
			runtime.Gosched()
		}
		return shutdownPayload(env)
	})
	m.SetPayload(secondEntry, func(env *Env) error {
		if env.Hart().Priv != riscv.PrivSupervisor {
			return fmt.Errorf("hart 1 priv = %d", env.Hart().Priv)
		}
		hart1 <- [2]uint64{env.Arg(riscv.RegA0), env.Arg(riscv.RegA1)}
		for env.WFI() {
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case args := <-hart1:
		if args[0] != 1 || args[1] != 0xDEAD {
			t.Errorf("hart 1 args = a0=%d a1=%#x, want 1/0xDEAD", args[0], args[1])
		}
	default:
		t.Fatal("hart 1 never reached its entry point")
	}
}

func TestHartStopParksAndRestarts(t *testing.T) {
	m, err := New(Config{NumHarts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const secondEntry = 0x8021_0000
	starts := make(chan uint64, 2)

	m.SetPayload(testEntry, func(env *Env) error {
		start := func(opaque uint64) error {
			ret := env.ECall(firmware.SBIExtHSM, firmware.SBIHSMHartStart, 1, secondEntry, opaque)
			if ret.Error != firmware.SBISuccess {
				return fmt.Errorf("hart_start error = %d", ret.Error)
			}
			return nil
		}
		if err := start(1); err != nil {
			return err
		}
		// Wait for the full stop cycle, then start it again.
		for m.FW.HartState(1) != firmware.HsmStopped {
			if env.Stopping() {
				return nil
			}
			runtime.Gosched()
		}
		if err := start(2); err != nil {
			return err
		}
		for m.FW.HartState(1) != firmware.HsmStopped {
			if env.Stopping() {
				return nil
			}
			runtime.Gosched()
		}
		return shutdownPayload(env)
	})
	m.SetPayload(secondEntry, func(env *Env) error {
		starts <- env.Arg(riscv.RegA1)
		ret := env.ECall(firmware.SBIExtHSM, firmware.SBIHSMHartStop)
		if ret.Error != firmware.SBISuccess {
			return fmt.Errorf("hart_stop error = %d", ret.Error)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(starts) != 2 {
		t.Fatalf("hart 1 ran %d times, want 2", len(starts))
	}
	if a, b := <-starts, <-starts; a != 1 || b != 2 {
		t.Errorf("run order = %d, %d", a, b)
	}
}

func TestTimerProgramming(t *testing.T) {
	clock := &clint.ManualClock{}
	m, err := New(Config{NumHarts: 1, Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SetPayload(testEntry, func(env *Env) error {
		h := env.Hart()
		const T = 10_000

		ret := env.ECall(firmware.SBIExtTimer, firmware.SBITimerSetTimer, T)
		if ret.Error != firmware.SBISuccess {
			return fmt.Errorf("set_timer error = %d", ret.Error)
		}
		if got := m.CLINT.ReadMtimecmp(0); got != T {
			return fmt.Errorf("mtimecmp = %d, want %d", got, T)
		}

		clock.Advance(T + 1)
		m.TickTimers()
		env.Poll()

		if h.Mip()&riscv.MipSTIP == 0 {
			return fmt.Errorf("supervisor timer not pending after expiry")
		}
		if got := m.CLINT.ReadMtimecmp(0); got != ^uint64(0) {
			return fmt.Errorf("mtimecmp = %#x, want parked", got)
		}
		return shutdownPayload(env)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestTimerProgrammingSstc(t *testing.T) {
	clock := &clint.ManualClock{}
	m, err := New(Config{
		NumHarts: 1,
		Clock:    clock,
		ISA:      []string{"rv64imafdc_sstc"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.FW.Sstc(0) {
		t.Fatal("sstc not probed from the ISA string")
	}

	m.SetPayload(testEntry, func(env *Env) error {
		h := env.Hart()
		const T = 5_000

		ret := env.ECall(firmware.SBIExtTimer, firmware.SBITimerSetTimer, T)
		if ret.Error != firmware.SBISuccess {
			return fmt.Errorf("set_timer error = %d", ret.Error)
		}
		if h.Stimecmp != T {
			return fmt.Errorf("stimecmp = %d, want %d", h.Stimecmp, T)
		}
		// The device-side compare is not used on the Sstc path.
		if got := m.CLINT.ReadMtimecmp(0); got != ^uint64(0) {
			return fmt.Errorf("mtimecmp = %#x, want untouched", got)
		}

		clock.Advance(T + 1)
		m.TickTimers()
		if h.Mip()&riscv.MipSTIP == 0 {
			return fmt.Errorf("supervisor timer not pending from stimecmp")
		}
		return shutdownPayload(env)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCrossHartFence(t *testing.T) {
	m, err := New(Config{NumHarts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const secondEntry = 0x8021_0000

	m.SetPayload(testEntry, func(env *Env) error {
		ret := env.ECall(firmware.SBIExtHSM, firmware.SBIHSMHartStart, 1, secondEntry, 0)
		if ret.Error != firmware.SBISuccess {
			return fmt.Errorf("hart_start error = %d", ret.Error)
		}
		for m.FW.HartState(1) != firmware.HsmStarted {
			runtime.Gosched()
		}

		ret = env.ECall(firmware.SBIExtRFence, firmware.SBIRFenceSFenceVMA, 1<<1, 0, 0x1000, 0x4000)
		if ret.Error != firmware.SBISuccess {
			return fmt.Errorf("sfence_vma error = %d", ret.Error)
		}
		if got := m.FW.WaitSyncCount(0); got != 0 {
			return fmt.Errorf("wait_sync_count = %d", got)
		}
		if got := m.TLBs[1].FlushPageCount(); got != 4 {
			return fmt.Errorf("hart 1 flushed %d pages, want 4", got)
		}
		return shutdownPayload(env)
	})
	m.SetPayload(secondEntry, func(env *Env) error {
		// A supervisor idle loop: take interrupts as they come.
		for env.WFI() {
			env.TakeSSIP()
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConsoleOutput(t *testing.T) {
	var out bytes.Buffer
	m, err := New(Config{NumHarts: 1, ConsoleOut: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SetPayload(testEntry, func(env *Env) error {
		for _, ch := range []byte("hello\n") {
			env.ECall(firmware.SBIExtLegacyPutchar, 0, uint64(ch))
		}
		return shutdownPayload(env)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Run(ctx, testEntry, testOpaque); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.String(); got != "hello\n" {
		t.Errorf("console output = %q", got)
	}
}

func TestGuestReboot(t *testing.T) {
	m, err := New(Config{NumHarts: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SetPayload(testEntry, func(env *Env) error {
		env.ECall(firmware.SBIExtSRST, firmware.SBISRSTSystemReset, firmware.SBIResetColdReboot, 0)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = m.Run(ctx, testEntry, testOpaque)
	if !errors.Is(err, ErrReboot) {
		t.Fatalf("Run = %v, want ErrReboot", err)
	}
}

func TestDTBDescribesPlatform(t *testing.T) {
	m, err := New(Config{NumHarts: 2, ISA: []string{"rv64imafdc", "rv64imafdc_sstc"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blob := m.BuildDTB("console=ttyS0")
	plat, perr := fdt.ParsePlatform(blob)
	if perr != nil {
		t.Fatalf("parse generated dtb: %v", perr)
	}
	if len(plat.Harts) != 2 {
		t.Fatalf("dtb describes %d harts, want 2", len(plat.Harts))
	}
	if plat.CLINTBase != DefaultCLINTBase || plat.SerialBase != DefaultSerialBase {
		t.Errorf("dtb bases clint=%#x serial=%#x", plat.CLINTBase, plat.SerialBase)
	}
	if !plat.HartHasExtension(1, "sstc") || plat.HartHasExtension(0, "sstc") {
		t.Error("sstc extension strings not round-tripped")
	}
	if plat.Bootargs != "console=ttyS0" {
		t.Errorf("bootargs = %q", plat.Bootargs)
	}
}
