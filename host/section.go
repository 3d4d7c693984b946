package host

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
	"github.com/wnxd/microld/memory"
)

const DefaultDynamicBase = 0x7ff000000000

type section struct {
	*bytes.Reader
	headers *image.Headers
}

func (s *section) Headers() *image.Headers {
	return s.headers
}

// NewSection reads the whole image from r so the section outlives the file.
func NewSection(r io.ReaderAt, size int64) (loader.Section, error) {
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	h, err := image.ReadHeaders(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return &section{Reader: bytes.NewReader(buf), headers: h}, nil
}

type mapping struct {
	size    uint64
	headers *image.Headers
}

// Mapper places sections into an address space. A section goes to its
// preferred base when that range is free and otherwise to the first free
// range at or above the dynamic base.
type Mapper struct {
	mem         memory.AddressSpace
	dynamicBase uint64
	// ForceRelocation ignores the preferred base of images that opt into
	// dynamic base placement.
	ForceRelocation bool
	views           *xsync.MapOf[uint64, mapping]
}

func NewMapper(mem memory.AddressSpace, dynamicBase uint64) *Mapper {
	if dynamicBase == 0 {
		dynamicBase = DefaultDynamicBase
	}
	return &Mapper{mem: mem, dynamicBase: dynamicBase, views: xsync.NewMapOf[uint64, mapping]()}
}

func (m *Mapper) CreateSection(f loader.File) (loader.Section, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return NewSection(f, info.Size())
}

func (m *Mapper) MapView(sec loader.Section) (loader.View, error) {
	h := sec.Headers()
	size := memory.Align(uint64(h.SizeOfImage), m.mem.PageSize())
	base, relocated := h.ImageBase, false
	if m.ForceRelocation && h.DllCharacteristics&pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE != 0 {
		relocated = true
	} else if err := m.mem.MemMap(base, size, memory.MEM_PROT_READ|memory.MEM_PROT_WRITE); err != nil {
		log.Debugln("preferred base %016X unavailable: %v", base, err)
		relocated = true
	}
	if relocated {
		var err error
		if base, err = m.mem.MemFindFree(m.dynamicBase, size); err != nil {
			return loader.View{}, fmt.Errorf("%w: %d bytes", loader.ErrNoMemory, size)
		} else if err = m.mem.MemMap(base, size, memory.MEM_PROT_READ|memory.MEM_PROT_WRITE); err != nil {
			return loader.View{}, err
		}
	}
	view := loader.View{Base: base, Size: size, Relocated: relocated}
	data, err := image.Layout(sec, h)
	if err == nil {
		err = m.mem.MemWrite(base, data)
	}
	if err == nil {
		err = m.protect(base, h)
	}
	if err != nil {
		m.mem.MemUnmap(base, size)
		return loader.View{}, err
	}
	m.views.Store(base, mapping{size: size, headers: h})
	return view, nil
}

func (m *Mapper) protect(base uint64, h *image.Headers) error {
	ps := m.mem.PageSize()
	if err := m.mem.MemProtect(base, memory.Align(uint64(h.SizeOfHeaders), ps), memory.MEM_PROT_READ); err != nil {
		return err
	}
	for _, s := range h.Sections {
		if s.Size() == 0 {
			continue
		}
		if err := m.mem.MemProtect(base+uint64(s.VirtualAddress), memory.Align(uint64(s.Size()), ps), s.Prot()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) Unmap(base uint64) error {
	v, ok := m.views.LoadAndDelete(base)
	if !ok {
		return fmt.Errorf("%w: no view at %016X", loader.ErrInvalidHandle, base)
	}
	return m.mem.MemUnmap(base, v.size)
}

// Remap reapplies section protections after the loader patched the view.
func (m *Mapper) Remap(base uint64) error {
	v, ok := m.views.Load(base)
	if !ok {
		return fmt.Errorf("%w: no view at %016X", loader.ErrInvalidHandle, base)
	}
	return m.protect(base, v.headers)
}
