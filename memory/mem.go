package memory

type MemProt int

const (
	MEM_PROT_NONE MemProt = 0
	MEM_PROT_READ MemProt = 1 << (iota - 1)
	MEM_PROT_WRITE
	MEM_PROT_EXEC

	MEM_PROT_ALL = MEM_PROT_READ | MEM_PROT_WRITE | MEM_PROT_EXEC
)

type MemRegion struct {
	Addr, Size uint64
	Prot       MemProt
}

type AddressSpace interface {
	PageSize() uint64
	MemMap(addr, size uint64, prot MemProt) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot MemProt) error
	MemQuery(addr uint64) (MemRegion, error)
	MemRegions() ([]MemRegion, error)
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	MemFindFree(hint, size uint64) (uint64, error)
}

func (p MemProt) String() string {
	var b [3]byte
	b[0], b[1], b[2] = '-', '-', '-'
	if p&MEM_PROT_READ != 0 {
		b[0] = 'r'
	}
	if p&MEM_PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if p&MEM_PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

func (r MemRegion) End() uint64 {
	return r.Addr + r.Size
}

func (r MemRegion) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.End()
}
