// Package sifive implements the SiFive test finisher: a one-word MMIO
// doorbell the firmware writes to power off or reboot the platform.
package sifive

import (
	"sync"

	"github.com/tinyrange/sbivm/internal/bus"
)

// Doorbell values.
const (
	FinisherFail     = 0x3333
	FinisherPass     = 0x5555
	FinisherReset    = 0x7777
	finisherCodeMask = 0xffff

	Size = 0x1000
)

// Finish describes a completed run: reboot or poweroff, plus the exit code
// for failure finishes.
type Finish struct {
	Reboot bool
	Code   uint32
}

// Test is the finisher device. OnFinish fires at most the run's outcome;
// later writes are ignored.
type Test struct {
	OnFinish func(Finish)

	mu   sync.Mutex
	done bool
}

// New creates a test finisher reporting to onFinish.
func New(onFinish func(Finish)) *Test {
	return &Test{OnFinish: onFinish}
}

// Size implements bus.Device.
func (t *Test) Size() uint64 {
	return Size
}

// Read implements bus.Device.
func (t *Test) Read(offset uint64, size int) (uint64, error) {
	return 0, nil
}

// Write implements bus.Device.
func (t *Test) Write(offset uint64, size int, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset != 0 || t.done {
		return nil
	}
	switch value & finisherCodeMask {
	case FinisherPass:
		t.done = true
		if t.OnFinish != nil {
			t.OnFinish(Finish{})
		}
	case FinisherReset:
		t.done = true
		if t.OnFinish != nil {
			t.OnFinish(Finish{Reboot: true})
		}
	case FinisherFail:
		t.done = true
		if t.OnFinish != nil {
			t.OnFinish(Finish{Code: uint32(value >> 16)})
		}
	}
	return nil
}

// Shutdown implements the firmware reset interface.
func (t *Test) Shutdown() {
	t.Write(0, 4, FinisherPass)
}

// Reboot implements the firmware reset interface.
func (t *Test) Reboot() {
	t.Write(0, 4, FinisherReset)
}

var _ bus.Device = (*Test)(nil)
