package image

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/Binject/debug/pe"
)

// Exports holds the export address table by ordinal and the name table
// sorted by name, so hints index Names directly.
type Exports struct {
	RVA, Size    uint32
	Base         uint32
	Functions    []uint32
	Names        []string
	NameOrdinals []uint16
}

type Forwarder struct {
	Module    string
	Name      string
	Ordinal   uint16
	ByOrdinal bool
}

// ReadExports decodes the export directory of a mapped image.
func ReadExports(r io.ReaderAt, h *Headers) (*Exports, error) {
	d, ok := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if !ok {
		return nil, ErrNoDirectory
	}
	f, err := openFile(r, true)
	if err != nil {
		return nil, err
	}
	exp, err := f.exports()
	if err != nil {
		return nil, err
	}
	exp.RVA, exp.Size = d.VirtualAddress, d.Size
	return exp, nil
}

func (e *Exports) Contains(rva uint32) bool {
	return rva >= e.RVA && uint64(rva) < uint64(e.RVA)+uint64(e.Size)
}

func (e *Exports) LookupName(name string, hint uint16) (uint32, bool) {
	i := int(hint)
	if i >= len(e.Names) || e.Names[i] != name {
		var ok bool
		i, ok = slices.BinarySearch(e.Names, name)
		if !ok {
			return 0, false
		}
	}
	index := uint32(e.NameOrdinals[i])
	if index >= uint32(len(e.Functions)) {
		return 0, false
	}
	return index, true
}

func (e *Exports) LookupOrdinal(ordinal uint32) (uint32, bool) {
	if ordinal < e.Base || uint64(ordinal) >= uint64(e.Base)+uint64(len(e.Functions)) {
		return 0, false
	}
	return ordinal - e.Base, true
}

func (e *Exports) Function(index uint32) uint32 {
	if index >= uint32(len(e.Functions)) {
		return 0
	}
	return e.Functions[index]
}

func (e *Exports) Symbols(yield func(name string, rva uint32) bool) {
	for i, name := range e.Names {
		if !yield(name, e.Function(uint32(e.NameOrdinals[i]))) {
			return
		}
	}
}

func ParseForwarder(s string) (Forwarder, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Forwarder{}, fmt.Errorf("%w: %q", ErrBadForwarder, s)
	}
	fw := Forwarder{Module: s[:i], Name: s[i+1:]}
	if strings.HasPrefix(fw.Name, "#") {
		ord, err := strconv.ParseUint(fw.Name[1:], 10, 16)
		if err != nil {
			return Forwarder{}, fmt.Errorf("%w: %q", ErrBadForwarder, s)
		}
		fw.Name, fw.Ordinal, fw.ByOrdinal = "", uint16(ord), true
	}
	return fw, nil
}

func (f Forwarder) String() string {
	if f.ByOrdinal {
		return fmt.Sprintf("%s.#%d", f.Module, f.Ordinal)
	}
	return f.Module + "." + f.Name
}
