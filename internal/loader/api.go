package loader

import (
	"context"
	"fmt"

	"github.com/wnxd/microld/loader"
)

func (l *Ldr) LoadModule(ctx context.Context, name string, opts ...loader.LoadOption) (loader.Handle, error) {
	if l.shutdown.Load() {
		return 0, loader.ErrShutdown
	}
	var o loader.LoadOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, s, release := l.enter(ctx)
	defer release()
	e, fresh, err := l.load(ctx, s, loadRequest{name: name, searchPath: o.SearchPath, redirected: o.Redirected})
	if err != nil {
		return 0, err
	} else if !fresh {
		l.reference(e)
	}
	if o.NoInit || l.phase.Load() == phaseBootstrap {
		return loader.Handle(e.base), nil
	}
	if err := l.runPending(ctx); err != nil {
		if e.state != loader.StateRemoved {
			l.unloadEntry(ctx, e)
		}
		return 0, err
	}
	return loader.Handle(e.base), nil
}

func (l *Ldr) UnloadModule(ctx context.Context, h loader.Handle) error {
	if l.shutdown.Load() {
		return nil
	}
	ctx, _, release := l.enter(ctx)
	defer release()
	e, err := l.entryOf(h)
	if err != nil {
		return err
	}
	l.unloadEntry(ctx, e)
	return nil
}

func (l *Ldr) GetProcedureAddress(ctx context.Context, h loader.Handle, proc loader.Proc) (uint64, error) {
	ctx, s, release := l.enter(ctx)
	defer release()
	e, err := l.entryOf(h)
	if err != nil {
		return 0, err
	}
	addr, err := l.resolveProc(ctx, s, e, proc, 0, nil, 0)
	if err != nil {
		return 0, err
	}
	if err := l.runPending(ctx); err != nil {
		return 0, err
	}
	return addr, nil
}

func (l *Ldr) GetModuleHandle(ctx context.Context, name string) (loader.Handle, error) {
	_, _, release := l.enter(ctx)
	defer release()
	if name == "" {
		if l.main == nil || !l.main.live() {
			return 0, fmt.Errorf("%w: main image", loader.ErrNotFound)
		}
		return loader.Handle(l.main.base), nil
	}
	if e := l.findLoaded(name); e != nil {
		return loader.Handle(e.base), nil
	}
	return 0, fmt.Errorf("%w: %s", loader.ErrNotFound, name)
}

func (l *Ldr) findLoaded(name string) *moduleEntry {
	name = l.withExtension(normalize(name))
	if target, ok, err := l.redirect(name); err == nil && ok {
		return l.table.findByName(target, true)
	}
	if hasSeparator(name) {
		return l.table.findByFullPath(name)
	}
	return l.table.findByName(name, false)
}

func (l *Ldr) GetModuleHandleByAddress(ctx context.Context, addr uint64) (loader.Handle, error) {
	_, _, release := l.enter(ctx)
	defer release()
	if e := l.table.findByAddress(addr); e != nil {
		return loader.Handle(e.base), nil
	}
	return 0, fmt.Errorf("%w: no module contains %016X", loader.ErrNotFound, addr)
}

func (l *Ldr) RegisterNotification(ctx context.Context, fn loader.NotificationFunc) (loader.Cookie, error) {
	_, _, release := l.enter(ctx)
	defer release()
	return l.bus.subscribe(fn)
}

func (l *Ldr) UnregisterNotification(ctx context.Context, cookie loader.Cookie) error {
	_, _, release := l.enter(ctx)
	defer release()
	return l.bus.unsubscribe(cookie)
}

// EnumerateLoadedModules calls fn for each module in load order until fn
// returns false. Modules unloaded by fn itself are skipped.
func (l *Ldr) EnumerateLoadedModules(ctx context.Context, fn loader.EnumFunc) (err error) {
	ctx, _, release := l.enter(ctx)
	defer release()
	var entries []*moduleEntry
	for e := range l.table.loadOrdered {
		if e.live() {
			entries = append(entries, e)
		}
	}
	var current string
	defer func() {
		if v := recover(); v != nil {
			err = loader.NewPanicException(current, v)
		}
	}()
	for _, e := range entries {
		if !e.live() {
			continue
		}
		current = e.baseName
		if !fn(ctx, e.info()) {
			break
		}
	}
	return nil
}

func (l *Ldr) PinModule(ctx context.Context, h loader.Handle) error {
	_, _, release := l.enter(ctx)
	defer release()
	e, err := l.entryOf(h)
	if err != nil {
		return err
	}
	e.loadCount = loader.PinnedCount
	l.refWalk(e, refPin)
	return nil
}

func (l *Ldr) Module(ctx context.Context, h loader.Handle) (loader.ModuleInfo, error) {
	_, _, release := l.enter(ctx)
	defer release()
	e, err := l.entryOf(h)
	if err != nil {
		return loader.ModuleInfo{}, err
	}
	return e.info(), nil
}
