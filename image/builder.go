package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wnxd/microld/memory"
)

const (
	builderFileAlign    = 0x200
	builderSectionAlign = 0x1000
	builderTextRVA      = 0x1000
	builderDataRVA      = 0x2000
	builderRdataRVA     = 0x3000
	builderStubSize     = 0x10
	builderCorSize      = 72
)

var ErrBuilderLimit = errors.New("builder limit exceeded")

type builderExport struct {
	name    string
	ordinal uint32
	rva     uint32
	forward string
}

type builderImport struct {
	dll        string
	thunks     []ImportThunk
	bound      bool
	timestamp  uint32
	forwarders []BoundForwarder
	iat        []uint64
}

// Builder produces synthetic PE images. The .text and .data sections
// occupy one fixed page each so that code and data RVAs are known at
// declaration time.
type Builder struct {
	machine    uint16
	is64       bool
	imageBase  uint64
	timestamp  uint32
	chars      uint16
	subsystem  [2]uint16
	entry      uint32
	checksum   bool
	managed    bool
	stripped   bool
	name       string
	exportBase uint32
	exports    []builderExport
	imports    []builderImport
	text       []byte
	data       []byte
	relocs     []uint32
	err        error
}

func NewBuilder(machine uint16) *Builder {
	b := &Builder{
		machine:    machine,
		chars:      pe.IMAGE_FILE_EXECUTABLE_IMAGE,
		subsystem:  [2]uint16{6, 0},
		exportBase: 1,
	}
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386, pe.IMAGE_FILE_MACHINE_ARMNT:
		b.imageBase = 0x10000000
		b.chars |= pe.IMAGE_FILE_32BIT_MACHINE
	default:
		b.is64 = true
		b.imageBase = 0x180000000
		b.chars |= pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
	}
	return b
}

func (b *Builder) ImageBase(base uint64) *Builder {
	b.imageBase = base
	return b
}

func (b *Builder) Timestamp(ts uint32) *Builder {
	b.timestamp = ts
	return b
}

func (b *Builder) DLL(name string) *Builder {
	b.chars |= pe.IMAGE_FILE_DLL
	b.name = name
	return b
}

func (b *Builder) SubsystemVersion(major, minor uint16) *Builder {
	b.subsystem = [2]uint16{major, minor}
	return b
}

func (b *Builder) StripRelocations() *Builder {
	b.stripped = true
	b.chars |= pe.IMAGE_FILE_RELOCS_STRIPPED
	return b
}

func (b *Builder) Managed() *Builder {
	b.managed = true
	return b
}

func (b *Builder) WithChecksum() *Builder {
	b.checksum = true
	return b
}

func (b *Builder) ExportBase(base uint32) *Builder {
	b.exportBase = base
	return b
}

func (b *Builder) EntryPoint() uint32 {
	b.entry = b.stub()
	return b.entry
}

func (b *Builder) Export(name string) uint32 {
	return b.ExportOrdinal(b.nextOrdinal(), name)
}

func (b *Builder) ExportOrdinal(ordinal uint32, name string) uint32 {
	rva := b.stub()
	b.exports = append(b.exports, builderExport{name: name, ordinal: ordinal, rva: rva})
	return rva
}

func (b *Builder) Forward(name, target string) {
	b.exports = append(b.exports, builderExport{name: name, ordinal: b.nextOrdinal(), forward: target})
}

func (b *Builder) Import(dll string, thunks ...ImportThunk) *Builder {
	b.imports = append(b.imports, builderImport{dll: dll, thunks: thunks})
	return b
}

func (b *Builder) Bind(dll string, timestamp uint32, iat ...uint64) *Builder {
	for i := range b.imports {
		imp := &b.imports[i]
		if imp.dll != dll {
			continue
		} else if len(iat) != len(imp.thunks) {
			b.fail(fmt.Errorf("bind %s: %d addresses for %d thunks", dll, len(iat), len(imp.thunks)))
			return b
		}
		imp.bound, imp.timestamp, imp.iat = true, timestamp, iat
		return b
	}
	b.fail(fmt.Errorf("bind %s: no such import", dll))
	return b
}

func (b *Builder) BindForwarder(dll, forwarder string, timestamp uint32) *Builder {
	for i := range b.imports {
		if b.imports[i].dll == dll {
			b.imports[i].forwarders = append(b.imports[i].forwarders, BoundForwarder{DLL: forwarder, TimeDateStamp: timestamp})
			return b
		}
	}
	b.fail(fmt.Errorf("bind forwarder %s: no such import", dll))
	return b
}

// Pointer allocates a pointer-sized slot in .data holding the absolute
// address of target and records a base relocation for it.
func (b *Builder) Pointer(target uint32) uint32 {
	size := 4
	if b.is64 {
		size = 8
	}
	if len(b.data)+size > builderSectionAlign {
		b.fail(fmt.Errorf("%w: .data", ErrBuilderLimit))
		return 0
	}
	rva := builderDataRVA + uint32(len(b.data))
	value := b.imageBase + uint64(target)
	if b.is64 {
		b.data = binary.LittleEndian.AppendUint64(b.data, value)
	} else {
		b.data = binary.LittleEndian.AppendUint32(b.data, uint32(value))
	}
	b.relocs = append(b.relocs, rva)
	return rva
}

func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	rdata, dirs, err := b.buildRdata()
	if err != nil {
		return nil, err
	}
	type section struct {
		name  string
		rva   uint32
		data  []byte
		chars uint32
	}
	var sections []section
	if len(b.text) > 0 {
		sections = append(sections, section{".text", builderTextRVA, b.text, pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ})
	}
	if len(b.data) > 0 {
		sections = append(sections, section{".data", builderDataRVA, b.data, pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE})
	}
	end := uint32(builderRdataRVA)
	if len(rdata) > 0 {
		sections = append(sections, section{".rdata", builderRdataRVA, rdata, pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ})
		end += memory.Align(uint32(len(rdata)), builderSectionAlign)
	}
	if len(b.relocs) > 0 && !b.stripped {
		reloc := b.buildRelocations()
		dirs[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = pe.DataDirectory{VirtualAddress: end, Size: uint32(len(reloc))}
		sections = append(sections, section{".reloc", end, reloc, pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_DISCARDABLE})
		end += memory.Align(uint32(len(reloc)), builderSectionAlign)
	}
	sizeOfImage := uint32(builderTextRVA)
	if len(sections) > 0 {
		last := sections[len(sections)-1]
		sizeOfImage = last.rva + memory.Align(uint32(len(last.data)), builderSectionAlign)
	}

	optSize := 224
	if b.is64 {
		optSize = 240
	}
	sectionTable := dosHeaderSize + 4 + 20 + optSize
	headersEnd := sectionTable + 40*len(sections)
	bound := b.buildBound()
	if len(bound) > 0 {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT] = pe.DataDirectory{VirtualAddress: uint32(memory.Align(headersEnd, 4)), Size: uint32(len(bound))}
		headersEnd = memory.Align(headersEnd, 4) + len(bound)
	}
	sizeOfHeaders := memory.Align(uint32(headersEnd), builderFileAlign)
	if sizeOfHeaders > builderTextRVA {
		return nil, fmt.Errorf("%w: headers", ErrBuilderLimit)
	}

	var buf bytes.Buffer
	var dos [dosHeaderSize]byte
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], dosHeaderSize)
	buf.Write(dos[:])
	binary.Write(&buf, binary.LittleEndian, uint32(peSignature))
	binary.Write(&buf, binary.LittleEndian, pe.FileHeader{
		Machine:              b.machine,
		NumberOfSections:     uint16(len(sections)),
		TimeDateStamp:        b.timestamp,
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      b.chars,
	})
	var dllChars uint16
	if len(b.relocs) > 0 && !b.stripped {
		dllChars |= pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE
	}
	if b.is64 {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader64{
			Magic:                 optionalMagic64,
			SizeOfCode:            uint32(len(b.text)),
			AddressOfEntryPoint:   b.entry,
			BaseOfCode:            builderTextRVA,
			ImageBase:             b.imageBase,
			SectionAlignment:      builderSectionAlign,
			FileAlignment:         builderFileAlign,
			MajorSubsystemVersion: b.subsystem[0],
			MinorSubsystemVersion: b.subsystem[1],
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			DllCharacteristics:    dllChars,
			SizeOfStackReserve:    0x100000,
			SizeOfStackCommit:     0x1000,
			SizeOfHeapReserve:     0x100000,
			SizeOfHeapCommit:      0x1000,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		})
	} else {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader32{
			Magic:                 optionalMagic32,
			SizeOfCode:            uint32(len(b.text)),
			AddressOfEntryPoint:   b.entry,
			BaseOfCode:            builderTextRVA,
			BaseOfData:            builderDataRVA,
			ImageBase:             uint32(b.imageBase),
			SectionAlignment:      builderSectionAlign,
			FileAlignment:         builderFileAlign,
			MajorSubsystemVersion: b.subsystem[0],
			MinorSubsystemVersion: b.subsystem[1],
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			DllCharacteristics:    dllChars,
			SizeOfStackReserve:    0x100000,
			SizeOfStackCommit:     0x1000,
			SizeOfHeapReserve:     0x100000,
			SizeOfHeapCommit:      0x1000,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		})
	}
	raw := sizeOfHeaders
	for _, s := range sections {
		var name [8]uint8
		copy(name[:], s.name)
		binary.Write(&buf, binary.LittleEndian, pe.SectionHeader32{
			Name:             name,
			VirtualSize:      uint32(len(s.data)),
			VirtualAddress:   s.rva,
			SizeOfRawData:    memory.Align(uint32(len(s.data)), builderFileAlign),
			PointerToRawData: raw,
			Characteristics:  s.chars,
		})
		raw += memory.Align(uint32(len(s.data)), builderFileAlign)
	}
	if len(bound) > 0 {
		buf.Write(make([]byte, memory.Align(buf.Len(), 4)-buf.Len()))
		buf.Write(bound)
	}
	buf.Write(make([]byte, int(sizeOfHeaders)-buf.Len()))
	for _, s := range sections {
		buf.Write(s.data)
		buf.Write(make([]byte, int(memory.Align(uint32(len(s.data)), builderFileAlign))-len(s.data)))
	}
	out := buf.Bytes()
	if b.checksum {
		h, err := ReadHeaders(bytes.NewReader(out))
		if err != nil {
			return nil, err
		}
		sum, err := Checksum(bytes.NewReader(out), int64(len(out)), h)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(out[h.CheckSumOffset:], sum)
	}
	return out, nil
}

func (b *Builder) stub() uint32 {
	if len(b.text)+builderStubSize > builderSectionAlign {
		b.fail(fmt.Errorf("%w: .text", ErrBuilderLimit))
		return 0
	}
	rva := builderTextRVA + uint32(len(b.text))
	stub := make([]byte, builderStubSize)
	stub[0] = 0xc3
	b.text = append(b.text, stub...)
	return rva
}

func (b *Builder) nextOrdinal() uint32 {
	next := b.exportBase
	for _, e := range b.exports {
		next = max(next, e.ordinal+1)
	}
	return next
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

type rdataWriter struct {
	buf bytes.Buffer
}

func (w *rdataWriter) rva() uint32 {
	return builderRdataRVA + uint32(w.buf.Len())
}

func (w *rdataWriter) align(n int) {
	w.buf.Write(make([]byte, memory.Align(w.buf.Len(), n)-w.buf.Len()))
}

func (w *rdataWriter) reserve(n int) uint32 {
	rva := w.rva()
	w.buf.Write(make([]byte, n))
	return rva
}

func (w *rdataWriter) str(s string) uint32 {
	rva := w.rva()
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
	return rva
}

func (w *rdataWriter) put32(rva, v uint32) {
	binary.LittleEndian.PutUint32(w.buf.Bytes()[rva-builderRdataRVA:], v)
}

func (w *rdataWriter) put16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(w.buf.Bytes()[rva-builderRdataRVA:], v)
}

func (w *rdataWriter) putPtr(rva uint32, v uint64, is64 bool) {
	if is64 {
		binary.LittleEndian.PutUint64(w.buf.Bytes()[rva-builderRdataRVA:], v)
	} else {
		w.put32(rva, uint32(v))
	}
}

func (b *Builder) buildRdata() ([]byte, [16]pe.DataDirectory, error) {
	var dirs [16]pe.DataDirectory
	var w rdataWriter
	if len(b.exports) > 0 {
		start := w.reserve(40)
		count := b.nextOrdinal() - b.exportBase
		eat := w.reserve(int(count) * 4)
		named := slices.DeleteFunc(slices.Clone(b.exports), func(e builderExport) bool { return e.name == "" })
		slices.SortFunc(named, func(x, y builderExport) int { return strings.Compare(x.name, y.name) })
		enpt := w.reserve(len(named) * 4)
		eot := w.reserve(len(named) * 2)
		dllName := w.str(b.name)
		for i, e := range named {
			w.put32(enpt+uint32(i)*4, w.str(e.name))
			w.put16(eot+uint32(i)*2, uint16(e.ordinal-b.exportBase))
		}
		for _, e := range b.exports {
			rva := e.rva
			if e.forward != "" {
				rva = w.str(e.forward)
			}
			w.put32(eat+(e.ordinal-b.exportBase)*4, rva)
		}
		w.put32(start+4, b.timestamp)
		w.put32(start+12, dllName)
		w.put32(start+16, b.exportBase)
		w.put32(start+20, count)
		w.put32(start+24, uint32(len(named)))
		w.put32(start+28, eat)
		w.put32(start+32, enpt)
		w.put32(start+36, eot)
		dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: start, Size: w.rva() - start}
		w.align(8)
	}
	if len(b.imports) > 0 {
		ptr := 4
		if b.is64 {
			ptr = 8
		}
		descs := w.reserve(20 * (len(b.imports) + 1))
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = pe.DataDirectory{VirtualAddress: descs, Size: uint32(20 * (len(b.imports) + 1))}
		ilts := make([]uint32, len(b.imports))
		for i, imp := range b.imports {
			ilts[i] = w.reserve(ptr * (len(imp.thunks) + 1))
		}
		iatStart := w.rva()
		iats := make([]uint32, len(b.imports))
		for i, imp := range b.imports {
			iats[i] = w.reserve(ptr * (len(imp.thunks) + 1))
		}
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IAT] = pe.DataDirectory{VirtualAddress: iatStart, Size: w.rva() - iatStart}
		for i, imp := range b.imports {
			desc := descs + uint32(i)*20
			for j, t := range imp.thunks {
				var v uint64
				if t.ByOrdinal {
					v = uint64(t.Ordinal) | ordinalFlag32
					if b.is64 {
						v = uint64(t.Ordinal) | ordinalFlag64
					}
				} else {
					w.align(2)
					v = uint64(w.rva())
					w.buf.Write(binary.LittleEndian.AppendUint16(nil, t.Hint))
					w.str(t.Name)
				}
				w.putPtr(ilts[i]+uint32(j*ptr), v, b.is64)
				if imp.bound {
					v = imp.iat[j]
				}
				w.putPtr(iats[i]+uint32(j*ptr), v, b.is64)
			}
			w.put32(desc, ilts[i])
			if imp.bound {
				w.put32(desc+4, 0xffffffff)
			}
			w.put32(desc+12, w.str(imp.dll))
			w.put32(desc+16, iats[i])
		}
		w.align(8)
	}
	if b.managed {
		cor := w.reserve(builderCorSize)
		w.put32(cor, builderCorSize)
		dirs[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{VirtualAddress: cor, Size: builderCorSize}
	}
	return w.buf.Bytes(), dirs, nil
}

func (b *Builder) buildBound() []byte {
	var bound []builderImport
	for _, imp := range b.imports {
		if imp.bound {
			bound = append(bound, imp)
		}
	}
	if len(bound) == 0 {
		return nil
	}
	count := 1
	for _, imp := range bound {
		count += 1 + len(imp.forwarders)
	}
	table := make([]byte, count*8)
	var names []byte
	offsets := make(map[string]uint16)
	nameOff := func(dll string) uint16 {
		if off, ok := offsets[dll]; ok {
			return off
		}
		off := uint16(len(table) + len(names))
		names = append(append(names, dll...), 0)
		offsets[dll] = off
		return off
	}
	pos := 0
	for _, imp := range bound {
		binary.LittleEndian.PutUint32(table[pos:], imp.timestamp)
		binary.LittleEndian.PutUint16(table[pos+4:], nameOff(imp.dll))
		binary.LittleEndian.PutUint16(table[pos+6:], uint16(len(imp.forwarders)))
		pos += 8
		for _, fw := range imp.forwarders {
			binary.LittleEndian.PutUint32(table[pos:], fw.TimeDateStamp)
			binary.LittleEndian.PutUint16(table[pos+4:], nameOff(fw.DLL))
			pos += 8
		}
	}
	return append(table, names...)
}

func (b *Builder) buildRelocations() []byte {
	relocs := slices.Clone(b.relocs)
	slices.Sort(relocs)
	typ := uint16(IMAGE_REL_BASED_HIGHLOW)
	if b.is64 {
		typ = IMAGE_REL_BASED_DIR64
	}
	var out []byte
	for i := 0; i < len(relocs); {
		page := relocs[i] &^ 0xfff
		start := len(out)
		out = append(out, make([]byte, 8)...)
		for ; i < len(relocs) && relocs[i]&^0xfff == page; i++ {
			out = binary.LittleEndian.AppendUint16(out, typ<<12|uint16(relocs[i]&0xfff))
		}
		if (len(out)-start)%4 != 0 {
			out = binary.LittleEndian.AppendUint16(out, IMAGE_REL_BASED_ABSOLUTE)
		}
		binary.LittleEndian.PutUint32(out[start:], page)
		binary.LittleEndian.PutUint32(out[start+4:], uint32(len(out)-start))
	}
	return out
}
