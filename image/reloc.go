package image

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_HIGHADJ  = 4
	IMAGE_REL_BASED_DIR64    = 10
)

type Relocation struct {
	RVA  uint32
	Type uint16
}

type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

func Relocations(r io.ReaderAt, h *Headers) ([]Relocation, error) {
	d, ok := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if !ok {
		return nil, nil
	}
	var relocs []Relocation
	for off := uint32(0); off+8 <= d.Size; {
		var block struct {
			PageRVA   uint32
			BlockSize uint32
		}
		if err := binary.Read(io.NewSectionReader(r, int64(d.VirtualAddress+off), 8), binary.LittleEndian, &block); err != nil {
			return nil, fmt.Errorf("%w: relocation block: %v", ErrTruncated, err)
		}
		if block.BlockSize < 8 || block.BlockSize%2 != 0 || off+block.BlockSize > d.Size {
			return nil, fmt.Errorf("%w: block size %#x", ErrBadRelocation, block.BlockSize)
		}
		entries := make([]uint16, (block.BlockSize-8)/2)
		if err := binary.Read(io.NewSectionReader(r, int64(d.VirtualAddress+off+8), int64(len(entries))*2), binary.LittleEndian, entries); err != nil {
			return nil, fmt.Errorf("%w: relocation entries: %v", ErrTruncated, err)
		}
		for _, e := range entries {
			typ := e >> 12
			if typ == IMAGE_REL_BASED_ABSOLUTE {
				continue
			}
			relocs = append(relocs, Relocation{RVA: block.PageRVA + uint32(e&0xfff), Type: typ})
		}
		off += block.BlockSize
	}
	return relocs, nil
}

func ApplyRelocations(rw ReadWriterAt, h *Headers, delta uint64) error {
	if delta == 0 {
		return nil
	}
	relocs, err := Relocations(rw, h)
	if err != nil {
		return err
	}
	for _, reloc := range relocs {
		if err := applyRelocation(rw, h, reloc, delta); err != nil {
			return err
		}
	}
	return nil
}

func applyRelocation(rw ReadWriterAt, h *Headers, reloc Relocation, delta uint64) error {
	var size uint32
	switch reloc.Type {
	case IMAGE_REL_BASED_HIGH, IMAGE_REL_BASED_LOW:
		size = 2
	case IMAGE_REL_BASED_HIGHLOW:
		size = 4
	case IMAGE_REL_BASED_DIR64:
		size = 8
	default:
		return fmt.Errorf("%w: type %d at %#x", ErrBadRelocation, reloc.Type, reloc.RVA)
	}
	if reloc.RVA+size > h.SizeOfImage {
		return fmt.Errorf("%w: fixup at %#x outside image", ErrBadRelocation, reloc.RVA)
	}
	buf := make([]byte, size)
	if _, err := rw.ReadAt(buf, int64(reloc.RVA)); err != nil {
		return err
	}
	switch reloc.Type {
	case IMAGE_REL_BASED_HIGH:
		v := uint32(binary.LittleEndian.Uint16(buf)) << 16
		binary.LittleEndian.PutUint16(buf, uint16((v+uint32(delta))>>16))
	case IMAGE_REL_BASED_LOW:
		binary.LittleEndian.PutUint16(buf, binary.LittleEndian.Uint16(buf)+uint16(delta))
	case IMAGE_REL_BASED_HIGHLOW:
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)+uint32(delta))
	case IMAGE_REL_BASED_DIR64:
		binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(buf)+delta)
	}
	_, err := rw.WriteAt(buf, int64(reloc.RVA))
	return err
}
