// Package serial implements a 16550-compatible UART. The firmware's console
// interface and the guest-visible MMIO window both land on the same device,
// and SBI console calls can arrive from any hart, so register access is
// serialized by a mutex.
package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/sbivm/internal/bus"
)

// Register offsets (16550 compatible).
const (
	RegRBR = 0 // Receive Buffer Register (read)
	RegTHR = 0 // Transmit Holding Register (write)
	RegIER = 1 // Interrupt Enable Register
	RegIIR = 2 // Interrupt Identification Register (read)
	RegFCR = 2 // FIFO Control Register (write)
	RegLCR = 3 // Line Control Register
	RegMCR = 4 // Modem Control Register
	RegLSR = 5 // Line Status Register
	RegSCR = 7 // Scratch Register

	Size = 0x1000
)

// LSR bits
const (
	LSRDataReady = 1 << 0
	LSRTHREmpty  = 1 << 5
	LSRTxEmpty   = 1 << 6
)

const iirNoInterrupt = 1 << 0

// UART implements a simple 16550-compatible UART.
type UART struct {
	mu sync.Mutex

	output io.Writer

	// Registers
	ier uint8
	fcr uint8
	lcr uint8
	mcr uint8
	scr uint8

	// DLAB registers
	dll uint8
	dlh uint8

	// Pending input, pushed by the host side.
	input []byte
}

// New creates a UART writing transmitted bytes to output.
func New(output io.Writer) *UART {
	return &UART{output: output}
}

// Size implements bus.Device.
func (u *UART) Size() uint64 {
	return Size
}

// Putchar transmits one byte. This is the firmware console path; the lock
// keeps bytes from concurrent harts whole and ordered.
func (u *UART) Putchar(ch byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.output != nil {
		u.output.Write([]byte{ch})
	}
}

// Getchar returns one pending input byte, if any. This is the firmware
// console path.
func (u *UART) Getchar() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.input) == 0 {
		return 0, false
	}
	ch := u.input[0]
	u.input = u.input[1:]
	return ch, true
}

// PushInput queues input bytes for the guest to read.
func (u *UART) PushInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = append(u.input, data...)
}

func (u *UART) lsr() uint8 {
	v := uint8(LSRTHREmpty | LSRTxEmpty) // TX always ready
	if len(u.input) > 0 {
		v |= LSRDataReady
	}
	return v
}

// Read implements bus.Device.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&0x80 != 0

	switch offset {
	case RegRBR:
		if dlab {
			return uint64(u.dll), nil
		}
		if len(u.input) > 0 {
			ch := u.input[0]
			u.input = u.input[1:]
			return uint64(ch), nil
		}
		return 0, nil

	case RegIER:
		if dlab {
			return uint64(u.dlh), nil
		}
		return uint64(u.ier), nil

	case RegIIR:
		return iirNoInterrupt, nil

	case RegLCR:
		return uint64(u.lcr), nil

	case RegMCR:
		return uint64(u.mcr), nil

	case RegLSR:
		return uint64(u.lsr()), nil

	case RegSCR:
		return uint64(u.scr), nil
	}

	return 0, nil
}

// Write implements bus.Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)

	u.mu.Lock()
	defer u.mu.Unlock()
	dlab := u.lcr&0x80 != 0

	switch offset {
	case RegTHR:
		if dlab {
			u.dll = data
			return nil
		}
		if u.output != nil {
			u.output.Write([]byte{data})
		}
		return nil

	case RegIER:
		if dlab {
			u.dlh = data
		} else {
			u.ier = data
		}

	case RegFCR:
		u.fcr = data
		if data&0x01 != 0 && data&0x02 != 0 {
			u.input = nil // RX FIFO reset
		}

	case RegLCR:
		u.lcr = data

	case RegMCR:
		u.mcr = data

	case RegSCR:
		u.scr = data
	}

	return nil
}

var _ bus.Device = (*UART)(nil)
