package memory

import (
	"encoding/binary"
	"slices"
)

type Pointer struct {
	mem  AddressSpace
	addr uint64
}

func ToPointer(mem AddressSpace, addr uint64) Pointer {
	return Pointer{mem, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() uint64 {
	return p.addr
}

func (p Pointer) Add(offset uint64) Pointer {
	return Pointer{p.mem, p.addr + offset}
}

func (p Pointer) Sub(offset uint64) Pointer {
	return Pointer{p.mem, p.addr - offset}
}

func (p Pointer) MemRead(size uint64) ([]byte, error) {
	return p.mem.MemRead(p.addr, size)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.mem.MemWrite(p.addr, data)
}

func (p Pointer) MemReadString() (string, error) {
	var data []byte
	page := p.mem.PageSize()
	for begin := p.addr; ; {
		size := min(0x10, page-begin%page)
		buf, err := p.mem.MemRead(begin, size)
		if err != nil {
			return "", err
		}
		i := slices.Index(buf, 0)
		if i == -1 {
			data = append(data, buf...)
			begin += size
		} else {
			data = append(data, buf[:i]...)
			break
		}
	}
	return string(data), nil
}

func (p Pointer) MemReadPointer(size uint64) (Pointer, error) {
	var addr uint64
	switch size {
	case 4:
		buf, err := p.MemRead(4)
		if err != nil {
			return Pointer{}, err
		}
		addr = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		buf, err := p.MemRead(8)
		if err != nil {
			return Pointer{}, err
		}
		addr = binary.LittleEndian.Uint64(buf)
	default:
		return Pointer{}, ErrArgumentInvalid
	}
	return Pointer{p.mem, addr}, nil
}

func (p Pointer) ReadAt(b []byte, off int64) (n int, err error) {
	data, err := p.mem.MemRead(p.addr+uint64(off), uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.mem.MemWrite(p.addr+uint64(off), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
