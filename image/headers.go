package image

import (
	"debug/pe"
	"fmt"
	"io"
	"strings"

	"github.com/wnxd/microld/memory"
)

const (
	dosHeaderSize    = 0x40
	peSignature      = 0x00004550
	optionalMagic32  = 0x10b
	optionalMagic64  = 0x20b
	maxSections      = 96
	checksumFieldOff = 64
)

type DataDirectory = pe.DataDirectory

type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
	Characteristics  uint32
}

type Headers struct {
	Machine               uint16
	Characteristics       uint16
	TimeDateStamp         uint32
	Is64                  bool
	ImageBase             uint64
	EntryPoint            uint32
	SectionAlignment      uint32
	FileAlignment         uint32
	SizeOfImage           uint32
	SizeOfHeaders         uint32
	CheckSum              uint32
	CheckSumOffset        int64
	MajorSubsystemVersion uint16
	MinorSubsystemVersion uint16
	Subsystem             uint16
	DllCharacteristics    uint16
	Directories           [16]DataDirectory
	Sections              []Section
}

// ReadHeaders parses the headers of a file image. Mapped views parse the
// same way since only header fields are read.
func ReadHeaders(r io.ReaderAt) (*Headers, error) {
	f, err := openFile(r, false)
	if err != nil {
		return nil, err
	}
	return f.headers()
}

func (h *Headers) validate() error {
	if h.SizeOfImage == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidFormat)
	} else if h.SectionAlignment == 0 || h.SectionAlignment&(h.SectionAlignment-1) != 0 {
		return fmt.Errorf("%w: section alignment %#x", ErrInvalidFormat, h.SectionAlignment)
	} else if h.SizeOfHeaders > h.SizeOfImage {
		return fmt.Errorf("%w: headers exceed image", ErrInvalidFormat)
	} else if h.EntryPoint >= h.SizeOfImage {
		return fmt.Errorf("%w: entry point outside image", ErrInvalidFormat)
	}
	for _, s := range h.Sections {
		if uint64(s.VirtualAddress)+uint64(s.Size()) > uint64(h.SizeOfImage) {
			return fmt.Errorf("%w: section %s outside image", ErrInvalidFormat, s.Name)
		}
	}
	for i, d := range h.Directories {
		if i == pe.IMAGE_DIRECTORY_ENTRY_SECURITY {
			continue
		} else if d.VirtualAddress != 0 && uint64(d.VirtualAddress)+uint64(d.Size) > uint64(h.SizeOfImage) {
			return fmt.Errorf("%w: directory %d outside image", ErrInvalidFormat, i)
		}
	}
	return nil
}

func (h *Headers) IsDLL() bool {
	return h.Characteristics&pe.IMAGE_FILE_DLL != 0
}

func (h *Headers) IsManaged() bool {
	return h.Directories[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR].VirtualAddress != 0
}

func (h *Headers) RelocsStripped() bool {
	return h.Characteristics&pe.IMAGE_FILE_RELOCS_STRIPPED != 0
}

func (h *Headers) PointerSize() uint32 {
	if h.Is64 {
		return 8
	}
	return 4
}

func (h *Headers) Directory(index int) (DataDirectory, bool) {
	if index < 0 || index >= len(h.Directories) {
		return DataDirectory{}, false
	}
	d := h.Directories[index]
	return d, d.VirtualAddress != 0 && d.Size != 0
}

func (h *Headers) SectionOf(rva uint32) (Section, bool) {
	for _, s := range h.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.Size() {
			return s, true
		}
	}
	return Section{}, false
}

func (s Section) Size() uint32 {
	if s.VirtualSize == 0 {
		return s.SizeOfRawData
	}
	return s.VirtualSize
}

func (s Section) Prot() memory.MemProt {
	var prot memory.MemProt
	if s.Characteristics&pe.IMAGE_SCN_MEM_READ != 0 {
		prot |= memory.MEM_PROT_READ
	}
	if s.Characteristics&pe.IMAGE_SCN_MEM_WRITE != 0 {
		prot |= memory.MEM_PROT_WRITE
	}
	if s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		prot |= memory.MEM_PROT_EXEC
	}
	return prot
}

func ReadString(r io.ReaderAt, rva, limit uint32) (string, error) {
	var sb strings.Builder
	var buf [0x40]byte
	for off := rva; off < limit; {
		n := min(uint32(len(buf)), limit-off)
		if _, err := r.ReadAt(buf[:n], int64(off)); err != nil {
			return "", fmt.Errorf("%w: string at %#x: %v", ErrTruncated, rva, err)
		}
		for i := uint32(0); i < n; i++ {
			if buf[i] == 0 {
				sb.Write(buf[:i])
				return sb.String(), nil
			}
		}
		sb.Write(buf[:n])
		off += n
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrTruncated, rva)
}
