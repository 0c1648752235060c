package fdt

import (
	"encoding/binary"
)

// Blob serializes the tree rooted at n into a DTB. n is conventionally the
// unnamed root node.
func (n *Node) Blob() []byte {
	e := encoder{nameOff: make(map[string]uint32)}
	e.node(n)
	e.u32(tokEnd)

	// The blob is header, reservation map, structure block, strings block;
	// the header indexes the other three.
	structOff := uint32(headerBytes + rsvmapBytes)
	stringsOff := structOff + uint32(len(e.structure))
	total := stringsOff + uint32(len(e.names))

	header := [10]uint32{
		dtbMagic,
		total,
		structOff,
		stringsOff,
		headerBytes, // off_mem_rsvmap
		dtbVersion,
		dtbCompatVersion,
		0, // boot_cpuid_phys
		uint32(len(e.names)),
		uint32(len(e.structure)),
	}

	blob := make([]byte, total)
	for i, w := range header {
		binary.BigEndian.PutUint32(blob[4*i:], w)
	}
	// The reservation map's single empty entry is already zeros.
	copy(blob[structOff:], e.structure)
	copy(blob[stringsOff:], e.names)
	return blob
}

// encoder accumulates the structure block and the deduplicated property-name
// strings block.
type encoder struct {
	structure []byte
	names     []byte
	nameOff   map[string]uint32
}

// node emits one node: begin token, name, properties, children, end token.
func (e *encoder) node(n *Node) {
	e.u32(tokBeginNode)
	e.structure = append(e.structure, n.Name...)
	e.structure = append(e.structure, 0)
	e.pad()

	for _, p := range n.Properties {
		e.u32(tokProp)
		e.u32(uint32(len(p.Data)))
		e.u32(e.name(p.Name))
		e.structure = append(e.structure, p.Data...)
		e.pad()
	}
	for _, c := range n.Children {
		e.node(c)
	}

	e.u32(tokEndNode)
}

func (e *encoder) u32(v uint32) {
	var cell [4]byte
	binary.BigEndian.PutUint32(cell[:], v)
	e.structure = append(e.structure, cell[:]...)
}

func (e *encoder) pad() {
	for len(e.structure)%4 != 0 {
		e.structure = append(e.structure, 0)
	}
}

// name interns a property name in the strings block.
func (e *encoder) name(s string) uint32 {
	if off, ok := e.nameOff[s]; ok {
		return off
	}
	off := uint32(len(e.names))
	e.nameOff[s] = off
	e.names = append(e.names, s...)
	e.names = append(e.names, 0)
	return off
}
