package loader

import (
	"context"
	"fmt"

	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
)

// InitializeProcess loads the main image and its static closure, runs the
// initializers and leaves the bootstrap phase.
func (l *Ldr) InitializeProcess(ctx context.Context, exe string) (loader.Handle, error) {
	if l.shutdown.Load() {
		return 0, loader.ErrShutdown
	}
	ctx, s, release := l.enter(ctx)
	defer release()
	defer l.phase.Store(phaseRunning)
	if l.main != nil {
		return 0, fmt.Errorf("%w: process already initialized with %s", loader.ErrInternal, l.main.fullPath)
	}
	e, fresh, err := l.load(ctx, s, loadRequest{name: exe, static: true})
	if err != nil {
		return 0, err
	} else if !fresh {
		l.reference(e)
	}
	l.main = e
	if err := l.runPending(ctx); err != nil {
		return 0, err
	}
	log.Infoln("process %s initialized with %d modules", e.baseName, l.table.len())
	return loader.Handle(e.base), nil
}

// Shutdown detaches every attached module in reverse init order. Modules
// stay mapped; later unloads are ignored.
func (l *Ldr) Shutdown(ctx context.Context) error {
	ctx, _, release := l.enter(ctx)
	defer release()
	if l.shutdown.Swap(true) {
		return nil
	}
	for e := range l.table.initReversed {
		if e.attached {
			l.detach(ctx, e)
		}
	}
	return nil
}
