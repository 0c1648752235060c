// Package fdt models Flattened Device Trees as node trees. The same Node
// type is built up by the boot path (then serialized with Blob) and produced
// by Parse when the firmware probes a blob it was handed, so the platform
// description round-trips through one representation.
package fdt

import (
	"bytes"
	"encoding/binary"
)

// DTB wire format: header words, structure tokens, and fixed block sizes.
const (
	dtbMagic         = 0xd00dfeed
	dtbVersion       = 17
	dtbCompatVersion = 16

	tokBeginNode = 0x01
	tokEndNode   = 0x02
	tokProp      = 0x03
	tokNop       = 0x04
	tokEnd       = 0x09

	headerBytes = 40
	rsvmapBytes = 16 // one empty reservation entry
)

// Property is one named property with its raw big-endian payload.
type Property struct {
	Name string
	Data []byte
}

// Node is a device-tree node: ordered properties and child nodes.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node
}

// NewNode creates a node. The root node of a tree has an empty name.
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// AddChild appends a child node and returns it for population.
func (n *Node) AddChild(name string) *Node {
	c := NewNode(name)
	n.Children = append(n.Children, c)
	return c
}

// Child returns the first child whose name matches exactly, or whose name
// before the unit address ("serial" in "serial@10000000") matches.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
		if at := bytes.IndexByte([]byte(c.Name), '@'); at >= 0 && c.Name[:at] == name {
			return c
		}
	}
	return nil
}

// setProp replaces the named property, or appends it on first set.
func (n *Node) setProp(name string, data []byte) {
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			n.Properties[i].Data = data
			return
		}
	}
	n.Properties = append(n.Properties, Property{Name: name, Data: data})
}

// SetFlag sets an empty (marker) property.
func (n *Node) SetFlag(name string) {
	n.setProp(name, nil)
}

// SetString sets a NUL-terminated string property.
func (n *Node) SetString(name, value string) {
	n.setProp(name, append([]byte(value), 0))
}

// SetStrings sets a string-list property.
func (n *Node) SetStrings(name string, values ...string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	n.setProp(name, data)
}

// SetU32 sets a single-cell property.
func (n *Node) SetU32(name string, value uint32) {
	n.SetU32s(name, value)
}

// SetU32s sets a multi-cell property.
func (n *Node) SetU32s(name string, values ...uint32) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}
	n.setProp(name, data)
}

// SetU64 sets a two-cell property holding one 64-bit value.
func (n *Node) SetU64(name string, value uint64) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, value)
	n.setProp(name, data)
}

// SetReg sets a reg property of one address/size pair, in the
// #address-cells=2 / #size-cells=2 layout this platform uses throughout.
func (n *Node) SetReg(addr, size uint64) {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data, addr)
	binary.BigEndian.PutUint64(data[8:], size)
	n.setProp("reg", data)
}

// SetBytes sets a raw property.
func (n *Node) SetBytes(name string, data []byte) {
	n.setProp(name, data)
}

// PropBytes returns a property's raw payload.
func (n *Node) PropBytes(name string) ([]byte, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Data, true
		}
	}
	return nil, false
}

// PropString returns a property decoded as a NUL-terminated string.
func (n *Node) PropString(name string) (string, bool) {
	data, ok := n.PropBytes(name)
	if !ok {
		return "", false
	}
	return string(bytes.TrimRight(data, "\x00")), true
}

// PropU32 returns a property decoded as a single big-endian cell.
func (n *Node) PropU32(name string) (uint32, bool) {
	data, ok := n.PropBytes(name)
	if !ok || len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

// PropRegBase returns the address half of the first reg pair as a 64-bit
// value (two address cells, per the platform's #address-cells=2).
func (n *Node) PropRegBase(name string) (uint64, bool) {
	data, ok := n.PropBytes(name)
	if !ok || len(data) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}
