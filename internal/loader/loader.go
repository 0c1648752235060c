// Package loader stages next-stage images into machine memory: ELF64 images
// with relative-relocation fix-up, or flat binaries (optionally gzipped)
// placed at a fixed load address.
package loader

import (
	"bytes"
	"compress/gzip"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/sbivm/internal/bus"
)

// rRiscvRelative is the R_RISCV_RELATIVE dynamic relocation type.
const rRiscvRelative = 3

// Image is a staged next-stage image.
type Image struct {
	// Entry is the resolved entry address after any load-vs-link offset.
	Entry uint64
	// Size is the number of bytes staged.
	Size uint64
}

// Load stages an image into memory. ELF images are placed segment by segment
// offset by loadBase-linkBase (the delta between where the image runs and
// where it was linked), then patched; anything else is treated as a flat
// binary at loadBase. Gzip-compressed flat binaries are decompressed first.
func Load(b *bus.Bus, data []byte, loadBase uint64) (*Image, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return loadELF(b, data, loadBase)
	}

	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		decompressed, err := decompressGzip(data)
		if err != nil {
			return nil, fmt.Errorf("decompress image: %w", err)
		}
		data = decompressed
	}

	if err := b.LoadBytes(loadBase, data); err != nil {
		return nil, fmt.Errorf("load flat image: %w", err)
	}
	return &Image{Entry: loadBase, Size: uint64(len(data))}, nil
}

func loadELF(b *bus.Bus, data []byte, loadBase uint64) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("unsupported ELF image: class=%v machine=%v", f.Class, f.Machine)
	}

	// The link base is the lowest loadable address; the image is shifted so
	// that address lands on loadBase.
	linkBase := ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Paddr < linkBase {
			linkBase = prog.Paddr
		}
	}
	if linkBase == ^uint64(0) {
		return nil, fmt.Errorf("ELF image has no loadable segments")
	}
	delta := loadBase - linkBase

	var total uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := make([]byte, prog.Memsz)
		if _, err := io.ReadFull(prog.Open(), seg[:prog.Filesz]); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Paddr, err)
		}
		if err := b.LoadBytes(prog.Paddr+delta, seg); err != nil {
			return nil, fmt.Errorf("stage segment at 0x%x: %w", prog.Paddr+delta, err)
		}
		total += prog.Memsz
	}

	if err := applyRelativeRelocs(b, f, delta); err != nil {
		return nil, err
	}

	return &Image{Entry: f.Entry + delta, Size: total}, nil
}

// applyRelativeRelocs walks the dynamic relocation table and offsets each
// R_RISCV_RELATIVE entry by the load-vs-link delta. A zero delta still walks
// the table: relative entries hold link-time addends that must be
// materialized regardless.
func applyRelativeRelocs(b *bus.Bus, f *elf.File, delta uint64) error {
	rela := f.Section(".rela.dyn")
	if rela == nil {
		return nil
	}
	data, err := rela.Data()
	if err != nil {
		return fmt.Errorf("read .rela.dyn: %w", err)
	}

	// Elf64_Rela: r_offset, r_info, r_addend — three 8-byte fields.
	for off := 0; off+24 <= len(data); off += 24 {
		rOffset := binary.LittleEndian.Uint64(data[off:])
		rInfo := binary.LittleEndian.Uint64(data[off+8:])
		rAddend := binary.LittleEndian.Uint64(data[off+16:])

		if rInfo&0xffffffff != rRiscvRelative {
			continue
		}
		if err := b.Write64(rOffset+delta, rAddend+delta); err != nil {
			return fmt.Errorf("apply relocation at 0x%x: %w", rOffset+delta, err)
		}
	}
	return nil
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
