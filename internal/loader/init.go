package loader

import (
	"context"

	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
)

// runPending attaches every module in the init order that has not been
// processed yet. Attach callbacks may load further modules; those are picked
// up by the next scan.
func (l *Ldr) runPending(ctx context.Context) error {
	for {
		var (
			inline  [8]*moduleEntry
			pending = inline[:0]
		)
		for e := range l.table.initOrdered {
			if e.entryProcessed || !e.live() || e.state != loader.StateImportsBound {
				continue
			}
			e.entryProcessed = true
			if e.entryPoint == 0 || l.opts.Lifecycle == nil {
				e.state = loader.StateInitialized
				continue
			}
			pending = append(pending, e)
		}
		if len(pending) == 0 {
			return nil
		}
		for _, e := range pending {
			if err := l.attach(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (l *Ldr) attach(ctx context.Context, e *moduleEntry) error {
	if e.state == loader.StateRemoved {
		return nil
	}
	if err := l.callHook(ctx, e, l.opts.Lifecycle.Attach); err != nil {
		log.Errorln("attach %s at %016X: %v", e.baseName, e.entryPoint, err)
		ierr := &loader.InitError{Module: e.baseName, EntryPoint: e.entryPoint, Err: err}
		e.state = loader.StateFailed
		l.teardown(ctx, e)
		return ierr
	}
	e.attached = true
	e.state = loader.StateInitialized
	return nil
}
