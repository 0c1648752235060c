// Package clint implements a multi-hart Core Local Interruptor: per-hart
// machine software interrupt bits, per-hart timer compares, and a shared
// monotonic timer.
package clint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/sbivm/internal/bus"
	"github.com/tinyrange/sbivm/internal/riscv"
)

// Register offsets within the CLINT window.
const (
	RegMsip     = 0x0000 // 4 bytes per hart
	RegMtimecmp = 0x4000 // 8 bytes per hart
	RegMtime    = 0xbff8
	Size        = 0x000c_0000
)

// TimeSource supplies mtime ticks. The wall-clock source is used for real
// runs; tests install a ManualClock to drive time by hand.
type TimeSource interface {
	Mtime() uint64
	SetMtime(uint64)
}

// WallClock derives mtime from elapsed wall time.
type WallClock struct {
	start     time.Time
	nsPerTick uint64
	offset    atomic.Uint64
}

// NewWallClock creates a 10 MHz wall-clock time source.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now(), nsPerTick: 100}
}

// Mtime implements TimeSource.
func (c *WallClock) Mtime() uint64 {
	elapsed := uint64(time.Since(c.start).Nanoseconds()) / c.nsPerTick
	return elapsed + c.offset.Load()
}

// SetMtime implements TimeSource by adjusting the offset so future reads
// continue from the written value.
func (c *WallClock) SetMtime(v uint64) {
	elapsed := uint64(time.Since(c.start).Nanoseconds()) / c.nsPerTick
	c.offset.Store(v - elapsed)
}

// ManualClock is a TimeSource advanced explicitly by tests.
type ManualClock struct {
	now atomic.Uint64
}

// Mtime implements TimeSource.
func (c *ManualClock) Mtime() uint64 { return c.now.Load() }

// SetMtime implements TimeSource.
func (c *ManualClock) SetMtime(v uint64) { c.now.Store(v) }

// Advance moves the clock forward by d ticks.
func (c *ManualClock) Advance(d uint64) { c.now.Add(d) }

// CLINT implements the interruptor for a set of harts. It is both a bus
// device (guest MMIO) and the firmware's IPI device (direct method calls);
// both paths share the same registers.
type CLINT struct {
	harts []*riscv.Hart
	clock TimeSource

	msip []atomic.Uint32

	mu       sync.Mutex
	mtimecmp []uint64
}

// New creates a CLINT serving the given harts.
func New(harts []*riscv.Hart, clock TimeSource) *CLINT {
	c := &CLINT{
		harts:    harts,
		clock:    clock,
		msip:     make([]atomic.Uint32, len(harts)),
		mtimecmp: make([]uint64, len(harts)),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0) // no interrupt until programmed
	}
	return c
}

// Size implements bus.Device.
func (c *CLINT) Size() uint64 {
	return Size
}

// ReadMtime returns the current timer value.
func (c *CLINT) ReadMtime() uint64 {
	return c.clock.Mtime()
}

// WriteMtime sets the timer value.
func (c *CLINT) WriteMtime(v uint64) {
	c.clock.SetMtime(v)
}

// ReadMtimecmp returns a hart's timer compare value.
func (c *CLINT) ReadMtimecmp(hart uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtimecmp[hart]
}

// WriteMtimecmp programs a hart's timer compare value. A compare in the
// future retracts a pending machine timer interrupt.
func (c *CLINT) WriteMtimecmp(hart uint64, v uint64) {
	c.mu.Lock()
	c.mtimecmp[hart] = v
	c.mu.Unlock()
	if v > c.clock.Mtime() {
		c.harts[hart].ClearMip(riscv.MipMTIP)
	} else {
		c.harts[hart].SetMip(riscv.MipMTIP)
	}
}

// ReadMsip returns a hart's software interrupt bit.
func (c *CLINT) ReadMsip(hart uint64) bool {
	return c.msip[hart].Load() != 0
}

// SetMsip raises a hart's software interrupt.
func (c *CLINT) SetMsip(hart uint64) {
	c.msip[hart].Store(1)
	c.harts[hart].SetMip(riscv.MipMSIP)
}

// ClearMsip retracts a hart's software interrupt.
func (c *CLINT) ClearMsip(hart uint64) {
	c.msip[hart].Store(0)
	c.harts[hart].ClearMip(riscv.MipMSIP)
}

// Tick raises machine timer interrupts on every hart whose compare has
// passed. The machine run loop calls this periodically.
func (c *CLINT) Tick() {
	now := c.clock.Mtime()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cmp := range c.mtimecmp {
		if now >= cmp {
			c.harts[i].SetMip(riscv.MipMTIP)
		}
	}
}

// hartReg decodes a per-hart register bank access.
func hartReg(offset, base, width uint64, n int) (uint64, bool) {
	if offset < base || offset >= base+width*uint64(n) {
		return 0, false
	}
	return (offset - base) / width, true
}

// Read implements bus.Device.
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	if hart, ok := hartReg(offset, RegMsip, 4, len(c.harts)); ok {
		return uint64(c.msip[hart].Load()), nil
	}
	if hart, ok := hartReg(offset, RegMtimecmp, 8, len(c.harts)); ok {
		return c.ReadMtimecmp(hart), nil
	}
	if offset >= RegMtime && offset < RegMtime+8 {
		return c.clock.Mtime(), nil
	}
	return 0, nil
}

// Write implements bus.Device.
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	if hart, ok := hartReg(offset, RegMsip, 4, len(c.harts)); ok {
		if value&1 != 0 {
			c.SetMsip(hart)
		} else {
			c.ClearMsip(hart)
		}
		return nil
	}
	if hart, ok := hartReg(offset, RegMtimecmp, 8, len(c.harts)); ok {
		if size == 4 {
			cur := c.ReadMtimecmp(hart)
			if (offset-RegMtimecmp)%8 == 0 {
				value = (cur &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				value = (cur & 0xffffffff) | (value << 32)
			}
		}
		c.WriteMtimecmp(hart, value)
		return nil
	}
	if offset >= RegMtime && offset < RegMtime+8 {
		c.clock.SetMtime(value)
	}
	return nil
}

var _ bus.Device = (*CLINT)(nil)
