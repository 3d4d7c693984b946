package loader

import (
	"fmt"
	"sync"

	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/memory"
	"go.uber.org/atomic"
)

const (
	phaseBootstrap int32 = iota
	phaseRunning
)

type Ldr struct {
	impl   loader.Loader
	opts   loader.Options
	policy loader.Policy
	mem    memory.AddressSpace

	mu       sync.Mutex
	owner    atomic.Uint64
	sessions atomic.Uint64
	phase    atomic.Int32
	shutdown atomic.Bool

	table        *moduleTable
	bus          notificationBus
	main         *moduleEntry
	activeUnload int
	unloadQueue  []*moduleEntry
}

func (l *Ldr) Init(impl loader.Loader, opts loader.Options) error {
	switch {
	case opts.Memory == nil:
		return fmt.Errorf("%w: no address space", loader.ErrInternal)
	case opts.Probe == nil:
		return fmt.Errorf("%w: no file probe", loader.ErrInternal)
	case opts.Sections == nil:
		return fmt.Errorf("%w: no section mapper", loader.ErrInternal)
	}
	l.impl = impl
	l.opts = opts
	l.policy = opts.Policy.Normalize()
	l.mem = opts.Memory
	l.table = newModuleTable()
	l.bus.ctor()
	if opts.Bootstrap {
		l.phase.Store(phaseBootstrap)
	} else {
		l.phase.Store(phaseRunning)
	}
	return nil
}
