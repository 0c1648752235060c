package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HartNode describes one cpu node under /cpus.
type HartNode struct {
	ID  uint64
	ISA string
}

// Platform is the hardware description exchanged through the device tree:
// what the boot path generates for the next stage, and what the firmware
// probes back out of a blob.
type Platform struct {
	Harts        []HartNode
	TimebaseFreq uint32

	MemoryBase uint64
	MemorySize uint64

	SerialBase uint64
	CLINTBase  uint64
	TestBase   uint64 // zero when the platform has no test finisher

	Bootargs string
}

// HartHasExtension reports whether the hart's ISA string names the given
// extension (e.g. "sstc") as an underscore-separated token.
func (p *Platform) HartHasExtension(hart uint64, ext string) bool {
	for _, h := range p.Harts {
		if h.ID != hart {
			continue
		}
		for _, part := range strings.Split(strings.ToLower(h.ISA), "_") {
			if part == ext {
				return true
			}
		}
	}
	return false
}

// BuildDTB generates the boot device tree for the platform.
func BuildDTB(p *Platform) []byte {
	root := NewNode("")
	root.SetU32("#address-cells", 2)
	root.SetU32("#size-cells", 2)
	root.SetString("compatible", "riscv-virtio")
	root.SetString("model", "riscv-virtio,sbivm")

	chosen := root.AddChild("chosen")
	chosen.SetString("bootargs", p.Bootargs)
	chosen.SetString("stdout-path", fmt.Sprintf("/soc/serial@%x", p.SerialBase))

	cpus := root.AddChild("cpus")
	cpus.SetU32("#address-cells", 1)
	cpus.SetU32("#size-cells", 0)
	cpus.SetU32("timebase-frequency", p.TimebaseFreq)

	for _, h := range p.Harts {
		cpu := cpus.AddChild(fmt.Sprintf("cpu@%d", h.ID))
		cpu.SetString("device_type", "cpu")
		cpu.SetU32("reg", uint32(h.ID))
		cpu.SetString("status", "okay")
		cpu.SetString("compatible", "riscv")
		cpu.SetString("riscv,isa", h.ISA)
		cpu.SetString("mmu-type", "riscv,sv39")

		intc := cpu.AddChild("interrupt-controller")
		intc.SetU32("#interrupt-cells", 1)
		intc.SetFlag("interrupt-controller")
		intc.SetString("compatible", "riscv,cpu-intc")
		intc.SetU32("phandle", uint32(h.ID)+1)
	}

	mem := root.AddChild(fmt.Sprintf("memory@%x", p.MemoryBase))
	mem.SetString("device_type", "memory")
	mem.SetReg(p.MemoryBase, p.MemorySize)

	soc := root.AddChild("soc")
	soc.SetU32("#address-cells", 2)
	soc.SetU32("#size-cells", 2)
	soc.SetStrings("compatible", "simple-bus")
	soc.SetFlag("ranges")

	clint := soc.AddChild(fmt.Sprintf("clint@%x", p.CLINTBase))
	clint.SetStrings("compatible", "sifive,clint0", "riscv,clint0")
	clint.SetReg(p.CLINTBase, 0xc0000)
	var intx []uint32
	for _, h := range p.Harts {
		intx = append(intx, uint32(h.ID)+1, 3, uint32(h.ID)+1, 7)
	}
	clint.SetU32s("interrupts-extended", intx...)

	serial := soc.AddChild(fmt.Sprintf("serial@%x", p.SerialBase))
	serial.SetString("compatible", "ns16550a")
	serial.SetReg(p.SerialBase, 0x1000)
	serial.SetU32("clock-frequency", 3686400)

	if p.TestBase != 0 {
		test := soc.AddChild(fmt.Sprintf("test@%x", p.TestBase))
		test.SetStrings("compatible", "sifive,test1", "sifive,test0")
		test.SetReg(p.TestBase, 0x1000)
	}

	return root.Blob()
}

// ParsePlatform recovers the platform description from a device-tree blob:
// the serial, clint, and optional test nodes under /soc, the memory node,
// and the per-hart ISA strings under /cpus.
func ParsePlatform(blob []byte) (*Platform, error) {
	root, err := Parse(blob)
	if err != nil {
		return nil, err
	}

	p := &Platform{}

	if chosen := root.Child("chosen"); chosen != nil {
		p.Bootargs, _ = chosen.PropString("bootargs")
	}

	if mem := root.Child("memory"); mem != nil {
		if data, ok := mem.PropBytes("reg"); ok && len(data) >= 16 {
			p.MemoryBase = binary.BigEndian.Uint64(data)
			p.MemorySize = binary.BigEndian.Uint64(data[8:])
		}
	}

	cpus := root.Child("cpus")
	if cpus == nil {
		return nil, fmt.Errorf("fdt: missing /cpus node")
	}
	if tb, ok := cpus.PropU32("timebase-frequency"); ok {
		p.TimebaseFreq = tb
	}
	for _, c := range cpus.Children {
		if dt, _ := c.PropString("device_type"); dt != "cpu" {
			continue
		}
		id, ok := c.PropU32("reg")
		if !ok {
			return nil, fmt.Errorf("fdt: cpu node %q has no reg", c.Name)
		}
		isa, _ := c.PropString("riscv,isa")
		p.Harts = append(p.Harts, HartNode{ID: uint64(id), ISA: isa})
	}
	if len(p.Harts) == 0 {
		return nil, fmt.Errorf("fdt: no cpu nodes under /cpus")
	}

	soc := root.Child("soc")
	if soc == nil {
		return nil, fmt.Errorf("fdt: missing /soc node")
	}
	if serial := soc.Child("serial"); serial != nil {
		p.SerialBase, _ = serial.PropRegBase("reg")
	}
	clint := soc.Child("clint")
	if clint == nil {
		return nil, fmt.Errorf("fdt: missing /soc clint node")
	}
	if p.CLINTBase, _ = clint.PropRegBase("reg"); p.CLINTBase == 0 {
		return nil, fmt.Errorf("fdt: clint node has no reg")
	}
	if test := soc.Child("test"); test != nil {
		p.TestBase, _ = test.PropRegBase("reg")
	}

	return p, nil
}
