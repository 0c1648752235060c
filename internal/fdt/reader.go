package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse reads a DTB into a node tree rooted at the unnamed root node.
func Parse(blob []byte) (*Node, error) {
	if len(blob) < headerBytes {
		return nil, fmt.Errorf("fdt: blob too short: %d bytes", len(blob))
	}
	if magic := binary.BigEndian.Uint32(blob[0:]); magic != dtbMagic {
		return nil, fmt.Errorf("fdt: bad magic 0x%08x", magic)
	}

	totalSize := binary.BigEndian.Uint32(blob[4:])
	structOff := binary.BigEndian.Uint32(blob[8:])
	stringsOff := binary.BigEndian.Uint32(blob[12:])
	if uint32(len(blob)) < totalSize || structOff > totalSize || stringsOff > totalSize {
		return nil, fmt.Errorf("fdt: truncated blob")
	}

	p := &parser{
		structure: blob[structOff:totalSize],
		strings:   blob[stringsOff:totalSize],
	}

	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	if tok != tokBeginNode {
		return nil, fmt.Errorf("fdt: expected root node, got token 0x%x", tok)
	}
	return p.node()
}

type parser struct {
	structure []byte
	strings   []byte
	off       int
}

func (p *parser) token() (uint32, error) {
	for {
		if p.off+4 > len(p.structure) {
			return 0, fmt.Errorf("fdt: structure block overrun")
		}
		tok := binary.BigEndian.Uint32(p.structure[p.off:])
		p.off += 4
		if tok != tokNop {
			return tok, nil
		}
	}
}

func (p *parser) name() (string, error) {
	end := bytes.IndexByte(p.structure[p.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated node name")
	}
	s := string(p.structure[p.off : p.off+end])
	p.off += end + 1
	p.align()
	return s, nil
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) stringAt(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", fmt.Errorf("fdt: string offset 0x%x out of range", off)
	}
	end := bytes.IndexByte(p.strings[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("fdt: unterminated string at 0x%x", off)
	}
	return string(p.strings[off : int(off)+end]), nil
}

// node parses the body of a node after its begin token.
func (p *parser) node() (*Node, error) {
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	n := NewNode(name)

	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokProp:
			if p.off+8 > len(p.structure) {
				return nil, fmt.Errorf("fdt: property header overrun")
			}
			length := binary.BigEndian.Uint32(p.structure[p.off:])
			nameOff := binary.BigEndian.Uint32(p.structure[p.off+4:])
			p.off += 8
			if p.off+int(length) > len(p.structure) {
				return nil, fmt.Errorf("fdt: property data overrun")
			}
			pname, err := p.stringAt(nameOff)
			if err != nil {
				return nil, err
			}
			n.Properties = append(n.Properties, Property{
				Name: pname,
				Data: p.structure[p.off : p.off+int(length)],
			})
			p.off += int(length)
			p.align()

		case tokBeginNode:
			child, err := p.node()
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)

		case tokEndNode:
			return n, nil

		case tokEnd:
			return nil, fmt.Errorf("fdt: unexpected end of structure inside node %q", n.Name)

		default:
			return nil, fmt.Errorf("fdt: unknown token 0x%x", tok)
		}
	}
}
