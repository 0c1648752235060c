// Package firmware implements a machine-mode SBI runtime for a set of RV64
// harts: hart lifecycle management, inter-processor interrupts, remote
// fences, timer programming, and the trap path that routes supervisor ecalls
// into all of it.
//
// The package owns no devices. The platform hands it a console, an IPI
// device (CLINT-shaped), a reset device, and a per-hart fence sink; all four
// are consumed through the interfaces below.
package firmware

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/sbivm/internal/riscv"
)

// Console is the byte-at-a-time console the firmware prints through.
type Console interface {
	Putchar(ch byte)
	Getchar() (byte, bool)
}

// IpiDevice is the capability set required of the timer/software-interrupt
// controller. All methods are device register accesses.
type IpiDevice interface {
	ReadMtime() uint64
	WriteMtime(v uint64)
	ReadMtimecmp(hart uint64) uint64
	WriteMtimecmp(hart uint64, v uint64)
	ReadMsip(hart uint64) bool
	SetMsip(hart uint64)
	ClearMsip(hart uint64)
}

// ResetDevice powers the platform off or reboots it.
type ResetDevice interface {
	Shutdown()
	Reboot()
}

// FenceSink receives the fence operations a hart executes while draining its
// fence queue. The machine installs the real sink; tests install recorders.
type FenceSink interface {
	FenceI()
	FlushAll(op RFenceOp, asid, vmid uint64)
	FlushPage(op RFenceOp, addr, asid, vmid uint64)
}

// Extensions holds the per-hart ISA capability bits probed during init.
type Extensions struct {
	// Sstc: supervisor can program stimecmp directly.
	Sstc bool
}

// ErrShutdown is returned by parked-hart loops when the machine is being
// torn down rather than the hart being started.
var ErrShutdown = errors.New("firmware: machine shut down")

// Config describes the platform the firmware runs on.
type Config struct {
	Harts      []*riscv.Hart
	Console    Console
	Ipi        IpiDevice
	Reset      ResetDevice
	Sinks      []FenceSink  // per hart; nil entries get a no-op sink
	Extensions []Extensions // per hart; may be nil
}

// Firmware is the process-wide SBI implementation handle. It is constructed
// once by the boot path and never reconstructed; after the ready flag is
// published every field is effectively read-only and all mutable state lives
// in the per-hart contexts.
type Firmware struct {
	console Console
	reset   ResetDevice

	// The device pointer is published atomically: the boot hart stores it
	// before raising SBI_READY, readers load it on every access.
	ipi atomic.Pointer[ipiDeviceBox]

	ctx []HartContext

	// bssReady gates secondaries on the boot hart's one-time zeroing pass;
	// sbiReady gates them on the subsystem handle itself.
	bssReady atomic.Uint32
	sbiReady atomic.Bool
}

type ipiDeviceBox struct{ dev IpiDevice }

// New constructs the firmware handle and the hart context table. The boot
// hart is hart 0 and starts life STARTED; every other hart starts STOPPED.
func New(cfg Config) (*Firmware, error) {
	if len(cfg.Harts) == 0 {
		return nil, fmt.Errorf("firmware: no harts")
	}
	if len(cfg.Harts) > MaxHarts {
		return nil, fmt.Errorf("firmware: %d harts exceeds the %d hart limit", len(cfg.Harts), MaxHarts)
	}
	if cfg.Ipi == nil {
		return nil, fmt.Errorf("firmware: no IPI device")
	}

	fw := &Firmware{
		console: cfg.Console,
		reset:   cfg.Reset,
		ctx:     make([]HartContext, len(cfg.Harts)),
	}
	fw.ipi.Store(&ipiDeviceBox{dev: cfg.Ipi})

	for i := range fw.ctx {
		hc := &fw.ctx[i]
		hc.fw = fw
		hc.id = uint64(i)
		hc.hart = cfg.Harts[i]
		hc.sink = noopSink{}
		if i < len(cfg.Sinks) && cfg.Sinks[i] != nil {
			hc.sink = cfg.Sinks[i]
		}
		if i < len(cfg.Extensions) {
			hc.ext = cfg.Extensions[i]
		}
		if i == 0 {
			hc.hsmState.Store(HsmStarted)
		} else {
			hc.hsmState.Store(HsmStopped)
		}
	}

	return fw, nil
}

// device returns the published IPI device.
func (fw *Firmware) device() IpiDevice {
	return fw.ipi.Load().dev
}

// HartContext returns the context for the given hart id. The per-hart table
// is globally reachable, but mutation is only legal from the owning hart or
// through the atomic fields; this accessor is the one boundary crossing.
func (fw *Firmware) HartContext(id uint64) (*HartContext, error) {
	if id >= uint64(len(fw.ctx)) {
		return nil, fmt.Errorf("firmware: hart id %d out of range", id)
	}
	return &fw.ctx[id], nil
}

// NumHarts returns the number of harts the firmware manages.
func (fw *Firmware) NumHarts() int {
	return len(fw.ctx)
}

// Ready reports whether the boot hart has published the SBI-ready flag.
func (fw *Firmware) Ready() bool {
	return fw.sbiReady.Load()
}

type noopSink struct{}

func (noopSink) FenceI()                                      {}
func (noopSink) FlushAll(op RFenceOp, asid, vmid uint64)      {}
func (noopSink) FlushPage(op RFenceOp, addr, asid, vmid uint64) {}

// hartFatal reports an unrecoverable machine-mode condition through the
// console and halts the hart by panicking its goroutine. There is no
// recovery path in M-mode.
func (fw *Firmware) hartFatal(hc *HartContext, msg string) {
	if fw.console != nil {
		report := fmt.Sprintf("sbivm: %s: %s mcause=%#x mepc=%#x mtval=%#x\r\n",
			hc.hart, msg, hc.hart.Mcause, hc.hart.Mepc, hc.hart.Mtval)
		for i := 0; i < len(report); i++ {
			fw.console.Putchar(report[i])
		}
	}
	panic(fmt.Sprintf("firmware: %s: %s", hc.hart, msg))
}
