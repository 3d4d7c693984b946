package image

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/Binject/debug/pe"
)

const (
	optionalDirectories32 = 96
	optionalDirectories64 = 112
)

// hiddenDirectories are zeroed in the view handed to pe.File and decoded by
// this package instead.
var hiddenDirectories = [...]int{
	pe.IMAGE_DIRECTORY_ENTRY_SECURITY,
	pe.IMAGE_DIRECTORY_ENTRY_BASERELOC,
	pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR,
}

type patch struct {
	off  int64
	data []byte
}

// peView overlays patches on an image. pe.File only knows the I386 and
// AMD64 header layouts and keys them on Machine, so the machine is
// presented as one of those by optional header magic.
type peView struct {
	r       io.ReaderAt
	patches []patch
}

func (v *peView) set(off int64, data []byte) {
	v.patches = append(v.patches, patch{off: off, data: data})
}

func (v *peView) ReadAt(p []byte, off int64) (int, error) {
	n, err := v.r.ReadAt(p, off)
	end := off + int64(n)
	for _, pt := range v.patches {
		lo, hi := max(pt.off, off), min(pt.off+int64(len(pt.data)), end)
		if lo < hi {
			copy(p[lo-off:hi-off], pt.data[lo-pt.off:hi-pt.off])
		}
	}
	return n, err
}

type peFile struct {
	*pe.File
	machine     uint16
	directories [16]pe.DataDirectory
}

// openFile parses the headers of a file image, or of a mapped one when
// mapped is set.
func openFile(r io.ReaderAt, mapped bool) (*peFile, error) {
	var dos [dosHeaderSize]byte
	if _, err := r.ReadAt(dos[:], 0); err != nil {
		return nil, fmt.Errorf("%w: dos header: %v", ErrInvalidFormat, err)
	} else if dos[0] != 'M' || dos[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrInvalidFormat)
	}
	ntOff := int64(binary.LittleEndian.Uint32(dos[0x3c:]))
	var fh pe.FileHeader
	if err := binary.Read(io.NewSectionReader(r, ntOff+4, 20), binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("%w: file header: %v", ErrInvalidFormat, err)
	} else if fh.NumberOfSections > maxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidFormat, fh.NumberOfSections)
	}
	optOff := ntOff + 4 + 20
	var magic [2]byte
	if _, err := r.ReadAt(magic[:], optOff); err != nil {
		return nil, fmt.Errorf("%w: optional header: %v", ErrInvalidFormat, err)
	}
	v := &peView{r: r}
	var dirOff int64
	switch m := binary.LittleEndian.Uint16(magic[:]); m {
	case optionalMagic32:
		v.set(ntOff+4, binary.LittleEndian.AppendUint16(nil, pe.IMAGE_FILE_MACHINE_I386))
		dirOff = optOff + optionalDirectories32
	case optionalMagic64:
		v.set(ntOff+4, binary.LittleEndian.AppendUint16(nil, pe.IMAGE_FILE_MACHINE_AMD64))
		dirOff = optOff + optionalDirectories64
	default:
		return nil, fmt.Errorf("%w: optional header magic %#x", ErrInvalidFormat, m)
	}
	// symbol table pointer and count
	v.set(ntOff+4+8, make([]byte, 8))
	var dirs [16]pe.DataDirectory
	if err := binary.Read(io.NewSectionReader(r, dirOff, 16*8), binary.LittleEndian, &dirs); err != nil {
		return nil, fmt.Errorf("%w: data directories: %v", ErrInvalidFormat, err)
	}
	for _, i := range hiddenDirectories {
		v.set(dirOff+int64(i)*8, make([]byte, 8))
	}
	open := pe.NewFile
	if mapped {
		open = pe.NewFileFromMemory
	}
	f, err := open(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	} else if f.OptionalHeader == nil {
		return nil, fmt.Errorf("%w: optional header size %d", ErrInvalidFormat, fh.SizeOfOptionalHeader)
	}
	return &peFile{File: f, machine: fh.Machine, directories: dirs}, nil
}

func (f *peFile) headers() (*Headers, error) {
	h := &Headers{
		Machine:         f.machine,
		Characteristics: f.Characteristics,
		TimeDateStamp:   f.TimeDateStamp,
		CheckSumOffset:  f.OptionalHeaderOffset + checksumFieldOff,
	}
	var count uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		h.ImageBase = uint64(oh.ImageBase)
		h.EntryPoint = oh.AddressOfEntryPoint
		h.SectionAlignment, h.FileAlignment = oh.SectionAlignment, oh.FileAlignment
		h.SizeOfImage, h.SizeOfHeaders, h.CheckSum = oh.SizeOfImage, oh.SizeOfHeaders, oh.CheckSum
		h.MajorSubsystemVersion, h.MinorSubsystemVersion = oh.MajorSubsystemVersion, oh.MinorSubsystemVersion
		h.Subsystem, h.DllCharacteristics = oh.Subsystem, oh.DllCharacteristics
		count = oh.NumberOfRvaAndSizes
	case *pe.OptionalHeader64:
		h.Is64 = true
		h.ImageBase = oh.ImageBase
		h.EntryPoint = oh.AddressOfEntryPoint
		h.SectionAlignment, h.FileAlignment = oh.SectionAlignment, oh.FileAlignment
		h.SizeOfImage, h.SizeOfHeaders, h.CheckSum = oh.SizeOfImage, oh.SizeOfHeaders, oh.CheckSum
		h.MajorSubsystemVersion, h.MinorSubsystemVersion = oh.MajorSubsystemVersion, oh.MinorSubsystemVersion
		h.Subsystem, h.DllCharacteristics = oh.Subsystem, oh.DllCharacteristics
		count = oh.NumberOfRvaAndSizes
	}
	for i, d := range f.directories[:min(count, 16)] {
		h.Directories[i] = DataDirectory{VirtualAddress: d.VirtualAddress, Size: d.Size}
	}
	h.Sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		h.Sections[i] = Section{
			Name:             s.Name,
			VirtualAddress:   s.VirtualAddress,
			VirtualSize:      s.VirtualSize,
			PointerToRawData: s.Offset,
			SizeOfRawData:    s.Size,
			Characteristics:  s.Characteristics,
		}
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// decode runs a pe.File table accessor. The accessors index section data
// without bounds checks; a panic there means a malformed table.
func decode[T any](what string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidFormat, what, r)
		}
	}()
	if v, err = fn(); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrInvalidFormat, what, err)
	}
	return v, err
}

func (f *peFile) exports() (*Exports, error) {
	list, err := decode("export directory", f.Exports)
	if err != nil {
		return nil, err
	}
	exp := &Exports{Functions: make([]uint32, len(list))}
	if len(list) > 0 {
		exp.Base = list[0].Ordinal
	}
	type named struct {
		name  string
		index uint16
	}
	var names []named
	for i, e := range list {
		exp.Functions[i] = e.VirtualAddress
		if e.Name != "" {
			names = append(names, named{e.Name, uint16(i)})
		}
	}
	slices.SortFunc(names, func(x, y named) int { return cmp.Compare(x.name, y.name) })
	exp.Names = make([]string, len(names))
	exp.NameOrdinals = make([]uint16, len(names))
	for i, n := range names {
		exp.Names[i], exp.NameOrdinals[i] = n.name, n.index
	}
	return exp, nil
}

func (f *peFile) importDirectories() ([]pe.ImportDirectory, error) {
	return decode("import directory", func() ([]pe.ImportDirectory, error) {
		dirs, _, _, err := f.ImportDirectoryTable()
		return dirs, err
	})
}
