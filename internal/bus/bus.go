// Package bus provides the physical address space shared by all harts: a RAM
// window plus MMIO device windows. Decode is by sorted window lookup, and
// every failed or misaligned access produces a Fault carrying the access
// kind, which the trap path can map onto the matching RISC-V cause.
package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Device represents a memory-mapped device.
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// AccessKind distinguishes loads from stores in fault reporting.
type AccessKind int

const (
	Load AccessKind = iota
	Store
)

func (k AccessKind) String() string {
	if k == Store {
		return "store"
	}
	return "load"
}

// Fault reports an access the bus could not complete: nothing mapped at the
// address, a misaligned device access, or an access overrunning its window.
type Fault struct {
	Kind AccessKind
	Addr uint64
	Size int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("bus: %s fault at 0x%x (size %d)", f.Kind, f.Addr, f.Size)
}

// window is one mapped address range. Windows never overlap and the slice is
// kept sorted by base.
type window struct {
	base uint64
	size uint64
	dev  Device
}

// RAM is the backing store for the memory window. Accesses are little-endian
// like the harts that issue them.
type RAM struct {
	data []byte
}

// NewRAM allocates a RAM region of the given size.
func NewRAM(size uint64) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Size implements Device.
func (r *RAM) Size() uint64 {
	return uint64(len(r.data))
}

// Read implements Device.
func (r *RAM) Read(offset uint64, size int) (uint64, error) {
	cell, err := r.cell(offset, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(cell[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(cell)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(cell)), nil
	default:
		return binary.LittleEndian.Uint64(cell), nil
	}
}

// Write implements Device.
func (r *RAM) Write(offset uint64, size int, value uint64) error {
	cell, err := r.cell(offset, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		cell[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(cell, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(cell, uint32(value))
	default:
		binary.LittleEndian.PutUint64(cell, value)
	}
	return nil
}

// cell bounds-checks one access and returns the backing bytes.
func (r *RAM) cell(offset uint64, size int) ([]byte, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("bus: invalid access size %d", size)
	}
	if offset > uint64(len(r.data)) || uint64(size) > uint64(len(r.data))-offset {
		return nil, fmt.Errorf("bus: RAM access out of bounds: offset=0x%x size=%d", offset, size)
	}
	return r.data[offset : offset+uint64(size)], nil
}

// ReadAt implements io.ReaderAt for inspecting memory.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	return copy(p, r.data[off:]), nil
}

// WriteAt implements io.WriterAt for staging images.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("bus: write offset out of bounds")
	}
	return copy(r.data[off:], p), nil
}

// Bus is the address space. Construct it with New, attach device windows with
// Map, then access it with the sized load/store methods.
type Bus struct {
	windows []window

	ram     *RAM
	ramBase uint64
}

// New creates a bus with RAM of the given size mapped at ramBase.
func New(ramBase, ramSize uint64) *Bus {
	b := &Bus{
		ram:     NewRAM(ramSize),
		ramBase: ramBase,
	}
	// RAM is a window like any other; the constructor cannot overlap.
	b.windows = append(b.windows, window{base: ramBase, size: ramSize, dev: b.ram})
	return b
}

// RAM returns the memory window's backing store.
func (b *Bus) RAM() *RAM {
	return b.ram
}

// RAMBase returns the base address of the memory window.
func (b *Bus) RAMBase() uint64 {
	return b.ramBase
}

// Map attaches a device window at base. Overlapping an existing window is a
// wiring error and is rejected so a bad platform layout fails at construction
// rather than as silent shadowing at run time.
func (b *Bus) Map(base uint64, dev Device) error {
	size := dev.Size()
	if size == 0 {
		return fmt.Errorf("bus: device at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("bus: device window at 0x%x wraps the address space", base)
	}
	for _, w := range b.windows {
		if base < w.base+w.size && w.base < base+size {
			return fmt.Errorf("bus: window 0x%x+0x%x overlaps 0x%x+0x%x", base, size, w.base, w.size)
		}
	}

	b.windows = append(b.windows, window{base: base, size: size, dev: dev})
	sort.Slice(b.windows, func(i, j int) bool {
		return b.windows[i].base < b.windows[j].base
	})
	return nil
}

// decode resolves an access to a window. Device windows require naturally
// aligned accesses; RAM tolerates any alignment, matching harts that split
// unaligned accesses before they reach the bus.
func (b *Bus) decode(kind AccessKind, addr uint64, size int) (*window, uint64, error) {
	i := sort.Search(len(b.windows), func(i int) bool {
		return b.windows[i].base+b.windows[i].size > addr
	})
	if i == len(b.windows) || addr < b.windows[i].base {
		return nil, 0, &Fault{Kind: kind, Addr: addr, Size: size}
	}
	w := &b.windows[i]

	off := addr - w.base
	if uint64(size) > w.size-off {
		return nil, 0, &Fault{Kind: kind, Addr: addr, Size: size}
	}
	if w.dev != b.ram && addr%uint64(size) != 0 {
		return nil, 0, &Fault{Kind: kind, Addr: addr, Size: size}
	}
	return w, off, nil
}

// Read performs a sized load.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	w, off, err := b.decode(Load, addr, size)
	if err != nil {
		return 0, err
	}
	return w.dev.Read(off, size)
}

// Write performs a sized store.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	w, off, err := b.decode(Store, addr, size)
	if err != nil {
		return err
	}
	return w.dev.Write(off, size, value)
}

// Read32 loads a word.
func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}

// Read64 loads a doubleword.
func (b *Bus) Read64(addr uint64) (uint64, error) {
	return b.Read(addr, 8)
}

// Write32 stores a word.
func (b *Bus) Write32(addr uint64, value uint32) error {
	return b.Write(addr, 4, uint64(value))
}

// Write64 stores a doubleword.
func (b *Bus) Write64(addr uint64, value uint64) error {
	return b.Write(addr, 8, value)
}

// LoadBytes stages a byte image into RAM at the given physical address. It
// refuses device windows: image staging is a memory operation.
func (b *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr < b.ramBase {
		return &Fault{Kind: Store, Addr: addr, Size: len(data)}
	}
	n, err := b.ram.WriteAt(data, int64(addr-b.ramBase))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("bus: image of %d bytes truncated at 0x%x", len(data), addr)
	}
	return nil
}
