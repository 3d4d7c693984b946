package loader

import (
	"slices"

	"github.com/samber/lo"
)

type LdrCtor func(Options) (Loader, error)

var ldrMap = make(map[uint16]LdrCtor)

func Register(machine uint16, ctor LdrCtor) bool {
	if _, ok := ldrMap[machine]; ok {
		return false
	}
	ldrMap[machine] = ctor
	return true
}

func New(machine uint16, opts Options) (Loader, error) {
	if ctor, ok := ldrMap[machine]; ok {
		return ctor(opts)
	}
	return nil, ErrMachineUnsupported
}

func Machines() []uint16 {
	machines := lo.Keys(ldrMap)
	slices.Sort(machines)
	return machines
}
