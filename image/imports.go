package image

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
)

const (
	ordinalFlag32 = 1 << 31
	ordinalFlag64 = 1 << 63
	maxDescriptor = 0x1000
	maxThunks     = 0x10000
)

type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
	DLL                string
}

type ImportThunk struct {
	Ordinal   uint16
	ByOrdinal bool
	Hint      uint16
	Name      string
}

type BoundForwarder struct {
	DLL           string
	TimeDateStamp uint32
}

type BoundImport struct {
	DLL           string
	TimeDateStamp uint32
	Forwarders    []BoundForwarder
}

func NamedThunk(hint uint16, name string) ImportThunk {
	return ImportThunk{Hint: hint, Name: name}
}

func OrdinalThunk(ordinal uint16) ImportThunk {
	return ImportThunk{Ordinal: ordinal, ByOrdinal: true}
}

func (t ImportThunk) String() string {
	if t.ByOrdinal {
		return fmt.Sprintf("#%d", t.Ordinal)
	}
	return t.Name
}

// ReadImportDescriptors decodes the import directory of a mapped image.
// The walk ends at the first descriptor without a lookup table.
func ReadImportDescriptors(r io.ReaderAt, h *Headers) ([]ImportDescriptor, error) {
	if _, ok := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT); !ok {
		return nil, nil
	}
	f, err := openFile(r, true)
	if err != nil {
		return nil, err
	}
	dirs, err := f.importDirectories()
	if err != nil {
		return nil, err
	} else if len(dirs) > maxDescriptor {
		return nil, fmt.Errorf("%w: %d import descriptors", ErrInvalidFormat, len(dirs))
	}
	descs := make([]ImportDescriptor, len(dirs))
	for i, d := range dirs {
		if d.DllName == "" || d.FirstThunk == 0 || d.FirstThunk >= h.SizeOfImage {
			return nil, fmt.Errorf("%w: import descriptor %d", ErrInvalidFormat, i)
		}
		descs[i] = ImportDescriptor{
			OriginalFirstThunk: d.OriginalFirstThunk,
			TimeDateStamp:      d.TimeDateStamp,
			ForwarderChain:     d.ForwarderChain,
			Name:               d.NameRVA,
			FirstThunk:         d.FirstThunk,
			DLL:                d.DllName,
		}
	}
	return descs, nil
}

func (d ImportDescriptor) Source() uint32 {
	if d.OriginalFirstThunk != 0 {
		return d.OriginalFirstThunk
	}
	return d.FirstThunk
}

func ReadThunk(r io.ReaderAt, h *Headers, rva uint32) (uint64, error) {
	if h.Is64 {
		var v uint64
		err := binary.Read(io.NewSectionReader(r, int64(rva), 8), binary.LittleEndian, &v)
		return v, err
	}
	var v uint32
	err := binary.Read(io.NewSectionReader(r, int64(rva), 4), binary.LittleEndian, &v)
	return uint64(v), err
}

func WriteThunk(w io.WriterAt, h *Headers, rva uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, err := w.WriteAt(buf[:h.PointerSize()], int64(rva))
	return err
}

func ParseThunk(r io.ReaderAt, h *Headers, value uint64) (ImportThunk, error) {
	flag := uint64(ordinalFlag32)
	if h.Is64 {
		flag = ordinalFlag64
	}
	if value&flag != 0 {
		return OrdinalThunk(uint16(value)), nil
	}
	rva := uint32(value & 0x7fffffff)
	if rva+2 > h.SizeOfImage {
		return ImportThunk{}, fmt.Errorf("%w: import by name at %#x", ErrInvalidFormat, rva)
	}
	var hint uint16
	if err := binary.Read(io.NewSectionReader(r, int64(rva), 2), binary.LittleEndian, &hint); err != nil {
		return ImportThunk{}, fmt.Errorf("%w: import hint: %v", ErrTruncated, err)
	}
	name, err := ReadString(r, rva+2, h.SizeOfImage)
	if err != nil {
		return ImportThunk{}, err
	}
	return NamedThunk(hint, name), nil
}

func ReadImportThunks(r io.ReaderAt, h *Headers, rva uint32) ([]ImportThunk, error) {
	var thunks []ImportThunk
	size := h.PointerSize()
	for off := rva; ; off += size {
		if len(thunks) >= maxThunks || off+size > h.SizeOfImage {
			return nil, fmt.Errorf("%w: thunk table unterminated", ErrInvalidFormat)
		}
		v, err := ReadThunk(r, h, off)
		if err != nil {
			return nil, fmt.Errorf("%w: thunk: %v", ErrTruncated, err)
		} else if v == 0 {
			return thunks, nil
		}
		thunk, err := ParseThunk(r, h, v)
		if err != nil {
			return nil, err
		}
		thunks = append(thunks, thunk)
	}
}

func ReadBoundImports(r io.ReaderAt, h *Headers) ([]BoundImport, error) {
	d, ok := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT)
	if !ok {
		return nil, nil
	}
	name := func(off uint16) (string, error) {
		if uint32(off) >= d.Size {
			return "", fmt.Errorf("%w: bound import name offset %#x", ErrInvalidFormat, off)
		}
		return ReadString(r, d.VirtualAddress+uint32(off), d.VirtualAddress+d.Size)
	}
	var bound []BoundImport
	for off := uint32(0); ; {
		if off+8 > d.Size {
			return nil, fmt.Errorf("%w: bound imports unterminated", ErrInvalidFormat)
		}
		var desc struct {
			TimeDateStamp uint32
			OffsetName    uint16
			Forwarders    uint16
		}
		if err := binary.Read(io.NewSectionReader(r, int64(d.VirtualAddress+off), 8), binary.LittleEndian, &desc); err != nil {
			return nil, fmt.Errorf("%w: bound import: %v", ErrTruncated, err)
		}
		off += 8
		if desc.TimeDateStamp == 0 && desc.OffsetName == 0 && desc.Forwarders == 0 {
			return bound, nil
		}
		dll, err := name(desc.OffsetName)
		if err != nil {
			return nil, err
		}
		b := BoundImport{DLL: dll, TimeDateStamp: desc.TimeDateStamp}
		for i := uint16(0); i < desc.Forwarders; i++ {
			if off+8 > d.Size {
				return nil, fmt.Errorf("%w: bound forwarder outside directory", ErrInvalidFormat)
			}
			var ref struct {
				TimeDateStamp uint32
				OffsetName    uint16
				Reserved      uint16
			}
			if err := binary.Read(io.NewSectionReader(r, int64(d.VirtualAddress+off), 8), binary.LittleEndian, &ref); err != nil {
				return nil, fmt.Errorf("%w: bound forwarder: %v", ErrTruncated, err)
			}
			off += 8
			fwd, err := name(ref.OffsetName)
			if err != nil {
				return nil, err
			}
			b.Forwarders = append(b.Forwarders, BoundForwarder{DLL: fwd, TimeDateStamp: ref.TimeDateStamp})
		}
		bound = append(bound, b)
	}
}
