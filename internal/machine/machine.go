// Package machine assembles the modelled platform: harts, the MMIO bus, the
// CLINT/UART/test devices, and the SBI firmware, then runs one goroutine per
// hart with the boot hart bringing the system up.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/sbivm/internal/bus"
	"github.com/tinyrange/sbivm/internal/devices/clint"
	"github.com/tinyrange/sbivm/internal/devices/serial"
	"github.com/tinyrange/sbivm/internal/devices/sifive"
	"github.com/tinyrange/sbivm/internal/fdt"
	"github.com/tinyrange/sbivm/internal/firmware"
	"github.com/tinyrange/sbivm/internal/riscv"
)

// Default physical memory layout, matching the generated device tree.
const (
	DefaultMemoryBase = 0x8000_0000
	DefaultCLINTBase  = 0x0200_0000
	DefaultSerialBase = 0x1000_0000
	DefaultTestBase   = 0x0010_0000
)

var (
	// ErrReboot is returned by Run when the guest requested a reboot.
	ErrReboot = errors.New("machine: guest requested reboot")
)

// GuestError reports a failure finish code written to the test device.
type GuestError struct {
	Code uint32
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("machine: guest reported failure code %d", e.Code)
}

// Payload is next-stage code the firmware hands a hart to. It stands in for
// the supervisor image at a given entry address.
type Payload func(env *Env) error

// Config describes the machine to build.
type Config struct {
	NumHarts   int
	MemorySize uint64

	// ISA strings per hart, probed for extensions (e.g. "rv64imafdc_sstc").
	// Missing entries default to rv64imafdc.
	ISA []string

	// ConsoleOut receives UART output; may be nil.
	ConsoleOut io.Writer

	// Clock overrides the CLINT time source; nil selects the wall clock.
	Clock clint.TimeSource

	// TickInterval paces the timer loop for wall-clock runs.
	TickInterval time.Duration
}

// Machine is an assembled platform.
type Machine struct {
	Harts []*riscv.Hart
	Bus   *bus.Bus
	CLINT *clint.CLINT
	UART  *serial.UART
	Test  *sifive.Test
	FW    *firmware.Firmware

	Clock clint.TimeSource
	TLBs  []*TLBModel

	platform *fdt.Platform
	tick     time.Duration

	payloadMu sync.Mutex
	payloads  map[uint64]Payload

	stop     chan struct{}
	stopOnce sync.Once
	finish   chan sifive.Finish
}

// New builds a machine from the config. No hart runs until Run.
func New(cfg Config) (*Machine, error) {
	if cfg.NumHarts <= 0 {
		cfg.NumHarts = 1
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 64 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clint.NewWallClock()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Microsecond
	}

	m := &Machine{
		Bus:      bus.New(DefaultMemoryBase, cfg.MemorySize),
		Clock:    cfg.Clock,
		tick:     cfg.TickInterval,
		payloads: make(map[uint64]Payload),
		stop:     make(chan struct{}),
		finish:   make(chan sifive.Finish, 1),
	}

	plat := &fdt.Platform{
		TimebaseFreq: 10_000_000,
		MemoryBase:   DefaultMemoryBase,
		MemorySize:   cfg.MemorySize,
		SerialBase:   DefaultSerialBase,
		CLINTBase:    DefaultCLINTBase,
		TestBase:     DefaultTestBase,
	}

	exts := make([]firmware.Extensions, cfg.NumHarts)
	for i := 0; i < cfg.NumHarts; i++ {
		isa := "rv64imafdc"
		if i < len(cfg.ISA) && cfg.ISA[i] != "" {
			isa = cfg.ISA[i]
		}
		plat.Harts = append(plat.Harts, fdt.HartNode{ID: uint64(i), ISA: isa})
		m.Harts = append(m.Harts, riscv.NewHart(uint64(i)))
	}
	m.platform = plat
	for i := range exts {
		exts[i] = firmware.Extensions{Sstc: plat.HartHasExtension(uint64(i), "sstc")}
	}

	m.CLINT = clint.New(m.Harts, cfg.Clock)
	m.UART = serial.New(cfg.ConsoleOut)
	m.Test = sifive.New(func(f sifive.Finish) {
		select {
		case m.finish <- f:
		default:
		}
		m.shutdown()
	})

	for _, w := range []struct {
		base uint64
		dev  bus.Device
	}{
		{DefaultCLINTBase, m.CLINT},
		{DefaultSerialBase, m.UART},
		{DefaultTestBase, m.Test},
	} {
		if err := m.Bus.Map(w.base, w.dev); err != nil {
			return nil, err
		}
	}

	m.TLBs = make([]*TLBModel, cfg.NumHarts)
	sinks := make([]firmware.FenceSink, cfg.NumHarts)
	for i := range sinks {
		m.TLBs[i] = &TLBModel{}
		sinks[i] = m.TLBs[i]
	}

	fw, err := firmware.New(firmware.Config{
		Harts:      m.Harts,
		Console:    m.UART,
		Ipi:        m.CLINT,
		Reset:      m.Test,
		Sinks:      sinks,
		Extensions: exts,
	})
	if err != nil {
		return nil, err
	}
	m.FW = fw

	return m, nil
}

// Platform returns the hardware description of the machine.
func (m *Machine) Platform() *fdt.Platform {
	return m.platform
}

// BuildDTB generates the boot device tree for the machine.
func (m *Machine) BuildDTB(bootargs string) []byte {
	p := *m.platform
	p.Bootargs = bootargs
	return fdt.BuildDTB(&p)
}

// SetPayload registers next-stage code for an entry address.
func (m *Machine) SetPayload(entry uint64, p Payload) {
	m.payloadMu.Lock()
	defer m.payloadMu.Unlock()
	m.payloads[entry] = p
}

func (m *Machine) payload(entry uint64) Payload {
	m.payloadMu.Lock()
	defer m.payloadMu.Unlock()
	return m.payloads[entry]
}

func (m *Machine) shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	for _, h := range m.Harts {
		h.Wake()
	}
}

// Run boots the machine and blocks until the guest finishes, a payload
// fails, or the context is cancelled. The boot hart is hart 0; the boot info
// points it at entry with the opaque argument (conventionally the DTB
// address) in a1.
func (m *Machine) Run(ctx context.Context, entry, opaque uint64) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.Harts))

	// Timer loop: drives the CLINT and the Sstc supervisor compares.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(m.tick)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.TickTimers()
			}
		}
	}()

	for id := range m.Harts {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := m.runHart(id, entry, opaque); err != nil && !errors.Is(err, firmware.ErrShutdown) {
				errCh <- err
				m.shutdown()
			}
		}(uint64(id))
	}

	// Unblock everything if the caller gives up.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.shutdown()
		case <-stopWatch:
		}
	}()

	wg.Wait()
	close(stopWatch)

	select {
	case err := <-errCh:
		return err
	default:
	}
	select {
	case f := <-m.finish:
		if f.Reboot {
			return ErrReboot
		}
		if f.Code != 0 {
			return &GuestError{Code: f.Code}
		}
		return nil
	default:
	}
	return ctx.Err()
}

// runHart is one hart's life: bring-up, then alternate between running
// released payloads and parking.
func (m *Machine) runHart(id, entry, opaque uint64) error {
	var handoff *firmware.HandOff
	var err error

	if id == 0 {
		handoff, err = m.FW.BootHart(id, firmware.BootInfo{
			NextAddr: entry,
			NextPriv: riscv.PrivSupervisor,
			Opaque:   opaque,
		})
	} else {
		handoff, err = m.FW.SecondaryHart(id, m.stop)
	}

	for {
		if err != nil {
			return err
		}

		slog.Debug("hart released", "hart", id, "entry", fmt.Sprintf("%#x", handoff.Entry))
		if p := m.payload(handoff.Entry); p != nil {
			env := &Env{m: m, id: id, hart: m.Harts[id]}
			if perr := p(env); perr != nil {
				return fmt.Errorf("hart %d payload: %w", id, perr)
			}
		}

		if m.FW.StopRequested(id) {
			m.FW.CompleteStop(id)
		}

		select {
		case <-m.stop:
			return nil
		default:
		}

		handoff, err = m.FW.ParkStopped(id, m.stop)
		if errors.Is(err, firmware.ErrShutdown) {
			return nil
		}
	}
}

// TickTimers advances timer state once: CLINT compares plus the Sstc
// supervisor compares for harts whose menvcfg enables them.
func (m *Machine) TickTimers() {
	m.CLINT.Tick()
	now := m.Clock.Mtime()
	for _, h := range m.Harts {
		if h.Menvcfg&riscv.MenvcfgSTCE == 0 {
			continue
		}
		if now >= h.Stimecmp {
			h.SetMip(riscv.MipSTIP)
		} else {
			h.ClearMip(riscv.MipSTIP)
		}
	}
}
