package memory

import (
	"maps"
	"slices"
	"sync"
)

const defaultLimit = 1 << 47

type page struct {
	prot MemProt
	data []byte
}

type virtualSpace struct {
	mu       sync.RWMutex
	pageSize uint64
	limit    uint64
	pages    map[uint64]*page
}

func NewVirtual(pageSize uint64) AddressSpace {
	return NewVirtualLimit(pageSize, defaultLimit)
}

func NewVirtualLimit(pageSize, limit uint64) AddressSpace {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		pageSize = 0x1000
	}
	return &virtualSpace{
		pageSize: pageSize,
		limit:    AlignDown(limit, pageSize),
		pages:    make(map[uint64]*page),
	}
}

func (vs *virtualSpace) PageSize() uint64 {
	return vs.pageSize
}

func (vs *virtualSpace) MemMap(addr, size uint64, prot MemProt) error {
	if addr%vs.pageSize != 0 || size == 0 {
		return ErrArgumentInvalid
	}
	size = Align(size, vs.pageSize)
	if addr+size > vs.limit || addr+size < addr {
		return ErrAddressInvalid
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.free(addr, size) {
		return ErrRegionOverlap
	}
	for a := addr; a < addr+size; a += vs.pageSize {
		vs.pages[a] = &page{prot: prot, data: make([]byte, vs.pageSize)}
	}
	return nil
}

func (vs *virtualSpace) MemUnmap(addr, size uint64) error {
	if addr%vs.pageSize != 0 {
		return ErrArgumentInvalid
	}
	size = Align(size, vs.pageSize)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for a := addr; a < addr+size; a += vs.pageSize {
		if _, ok := vs.pages[a]; !ok {
			return ErrAddressInvalid
		}
	}
	for a := addr; a < addr+size; a += vs.pageSize {
		delete(vs.pages, a)
	}
	return nil
}

func (vs *virtualSpace) MemProtect(addr, size uint64, prot MemProt) error {
	begin := AlignDown(addr, vs.pageSize)
	end := Align(addr+size, vs.pageSize)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for a := begin; a < end; a += vs.pageSize {
		if _, ok := vs.pages[a]; !ok {
			return ErrAddressInvalid
		}
	}
	for a := begin; a < end; a += vs.pageSize {
		vs.pages[a].prot = prot
	}
	return nil
}

func (vs *virtualSpace) MemQuery(addr uint64) (MemRegion, error) {
	base := AlignDown(addr, vs.pageSize)
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	p, ok := vs.pages[base]
	if !ok {
		return MemRegion{}, ErrAddressInvalid
	}
	region := MemRegion{Addr: base, Size: vs.pageSize, Prot: p.prot}
	for a := base; a >= vs.pageSize; {
		a -= vs.pageSize
		prev, ok := vs.pages[a]
		if !ok || prev.prot != p.prot {
			break
		}
		region.Addr = a
		region.Size += vs.pageSize
	}
	for a := base + vs.pageSize; ; a += vs.pageSize {
		next, ok := vs.pages[a]
		if !ok || next.prot != p.prot {
			break
		}
		region.Size += vs.pageSize
	}
	return region, nil
}

func (vs *virtualSpace) MemRegions() ([]MemRegion, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	var regions []MemRegion
	for _, addr := range slices.Sorted(maps.Keys(vs.pages)) {
		prot := vs.pages[addr].prot
		if n := len(regions); n > 0 && regions[n-1].End() == addr && regions[n-1].Prot == prot {
			regions[n-1].Size += vs.pageSize
			continue
		}
		regions = append(regions, MemRegion{Addr: addr, Size: vs.pageSize, Prot: prot})
	}
	return regions, nil
}

func (vs *virtualSpace) MemRead(addr, size uint64) ([]byte, error) {
	data := make([]byte, size)
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	err := vs.access(addr, size, MEM_PROT_READ, func(p *page, off uint64, n int) {
		copy(data[n:], p.data[off:])
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (vs *virtualSpace) MemWrite(addr uint64, data []byte) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.access(addr, uint64(len(data)), MEM_PROT_WRITE, func(p *page, off uint64, n int) {
		copy(p.data[off:], data[n:])
	})
}

func (vs *virtualSpace) MemFindFree(hint, size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrArgumentInvalid
	}
	size = Align(size, vs.pageSize)
	addr := max(Align(hint, vs.pageSize), vs.pageSize)
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	for addr+size <= vs.limit && addr+size > addr {
		conflict, ok := vs.lastUsed(addr, size)
		if !ok {
			return addr, nil
		}
		addr = conflict + vs.pageSize
	}
	return 0, ErrNoMemory
}

func (vs *virtualSpace) free(addr, size uint64) bool {
	_, used := vs.lastUsed(addr, size)
	return !used
}

func (vs *virtualSpace) lastUsed(addr, size uint64) (uint64, bool) {
	for a := addr + size - vs.pageSize; ; a -= vs.pageSize {
		if _, ok := vs.pages[a]; ok {
			return a, true
		}
		if a == addr {
			return 0, false
		}
	}
}

func (vs *virtualSpace) access(addr, size uint64, prot MemProt, fn func(p *page, off uint64, n int)) error {
	if addr+size < addr {
		return ErrAddressInvalid
	}
	err := vs.walk(addr, size, prot, func(*page, uint64, int) {})
	if err != nil {
		return err
	}
	return vs.walk(addr, size, prot, fn)
}

func (vs *virtualSpace) walk(addr, size uint64, prot MemProt, fn func(p *page, off uint64, n int)) error {
	n := 0
	for size > 0 {
		base := AlignDown(addr, vs.pageSize)
		p, ok := vs.pages[base]
		if !ok {
			return ErrAddressInvalid
		} else if p.prot&prot == 0 {
			return ErrAccessViolation
		}
		off := addr - base
		chunk := min(size, vs.pageSize-off)
		fn(p, off, n)
		n += int(chunk)
		addr += chunk
		size -= chunk
	}
	return nil
}
