package loader

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
)

type loadRequest struct {
	name       string
	searchPath string
	redirected bool
	static     bool
}

// lookup finds an already loaded module. Static lookups of bare names are
// answered from the table before touching the filesystem, once the
// redirector has had its say.
func (l *Ldr) lookup(req loadRequest) *moduleEntry {
	if !req.static || req.redirected || hasSeparator(req.name) {
		return nil
	}
	name := l.withExtension(req.name)
	if target, ok, err := l.redirect(name); err != nil {
		return nil
	} else if ok {
		return l.table.findByName(target, true)
	}
	return l.table.findByName(name, false)
}

func (l *Ldr) findIdentity(id identity, static bool) *moduleEntry {
	if id.redirected {
		return l.table.findByName(id.fullPath, true)
	} else if static {
		return l.table.findByName(id.baseName, false)
	}
	if e := l.table.findByFullPath(id.fullPath); e != nil {
		return e
	} else if id.known != nil {
		return nil
	}
	return l.findSameFile(id)
}

// findSameFile matches a path against loaded images by header contents and
// then by file identity, for aliases of an already loaded file.
func (l *Ldr) findSameFile(id identity) *moduleEntry {
	f, err := l.opts.Probe.Open(id.fullPath)
	if err != nil {
		return nil
	}
	defer f.Close()
	h, err := image.ReadHeaders(f)
	if err != nil {
		return nil
	}
	var candidate []byte
	for e := range l.table.loadOrdered {
		if !e.live() || e.fileID.IsZero() || e.headers.TimeDateStamp != h.TimeDateStamp || e.headers.SizeOfImage != h.SizeOfImage {
			continue
		}
		if candidate == nil {
			candidate = make([]byte, h.SizeOfHeaders)
			if _, err := f.ReadAt(candidate, 0); err != nil {
				return nil
			}
		}
		loaded, err := l.mem.MemRead(e.base, uint64(h.SizeOfHeaders))
		if err != nil || !slices.Equal(loaded, candidate) {
			continue
		}
		if fileID, err := filesystem.Identify(f); err == nil && fileID == e.fileID {
			log.Debugln("%s is %s", id.fullPath, e.fullPath)
			return e
		}
	}
	return nil
}

func (l *Ldr) load(ctx context.Context, s *session, req loadRequest) (*moduleEntry, bool, error) {
	if e := l.lookup(req); e != nil {
		return e, false, nil
	}
	id, err := l.resolve(req.name, req.searchPath, req.redirected)
	if err != nil {
		if req.static && errors.Is(err, loader.ErrNotFound) {
			importer := s.top()
			if importer == "" {
				importer = req.name
			}
			l.hardError(ctx, loader.HardError{Kind: loader.HardErrorDllNotFound, Module: importer, Detail: req.name})
		}
		return nil, false, s.fail(req.name, err)
	}
	if e := l.findIdentity(id, req.static); e != nil {
		return e, false, nil
	}
	if err := s.push(id.baseName, l.policy.MaxLoadDepth); err != nil {
		return nil, false, s.fail(id.baseName, err)
	}
	defer s.pop()
	e := &moduleEntry{
		fullPath:       id.fullPath,
		baseName:       id.baseName,
		searchPath:     req.searchPath,
		redirected:     id.redirected,
		static:         req.static,
		state:          loader.StateMapping,
		loadInProgress: true,
	}
	img, err := l.mapImage(ctx, id)
	if err != nil {
		return nil, false, s.fail(id.baseName, err)
	}
	h := img.headers
	e.base, e.size = img.view.Base, uint64(h.SizeOfImage)
	e.headers, e.fileID, e.views = h, img.fileID, img.views
	if h.IsDLL() {
		e.flags |= loader.FlagDLL
		if h.EntryPoint != 0 {
			e.entryPoint = e.base + uint64(h.EntryPoint)
		}
	}
	if h.IsManaged() {
		e.flags |= loader.FlagManaged
	}
	if img.view.Relocated {
		e.flags |= loader.FlagRelocated
	}
	e.state = loader.StateMapped
	l.table.insert(e)

	err = l.bindImports(ctx, s, e)
	e.loadInProgress = false
	if err != nil {
		e.entryPoint = 0
		e.state = loader.StateFailed
		l.table.appendInit(e)
		l.teardown(ctx, e)
		return nil, false, s.fail(e.baseName, err)
	}
	e.state = loader.StateImportsBound
	e.addRef()
	l.table.appendInit(e)
	e.published = true
	l.bus.publish(ctx, loader.Event{Kind: loader.EventLoaded, Module: e.info(), Relocated: e.relocated()})
	return e, true, nil
}

// loadImport loads name on behalf of importer and records the dependency
// edge once per pair.
func (l *Ldr) loadImport(ctx context.Context, s *session, importer *moduleEntry, name string) (*moduleEntry, error) {
	dep, fresh, err := l.load(ctx, s, loadRequest{name: name, searchPath: importer.searchPath, static: true})
	if err != nil {
		return nil, err
	} else if dep == importer || slices.Contains(importer.deps, dep) {
		return dep, nil
	}
	importer.deps = append(importer.deps, dep)
	if !fresh {
		l.reference(dep)
	}
	return dep, nil
}

func (l *Ldr) loadForwarder(ctx context.Context, s *session, from *moduleEntry, name string) (*moduleEntry, error) {
	dep, fresh, err := l.load(ctx, s, loadRequest{name: name, searchPath: from.searchPath, static: true})
	if err != nil {
		return nil, err
	} else if !fresh {
		l.reference(dep)
	}
	return dep, nil
}

func (l *Ldr) reference(e *moduleEntry) {
	if e.pinned() {
		return
	}
	e.addRef()
	if !e.loadInProgress {
		l.refWalk(e, refIncrement)
	}
}

type refOp int

const (
	refIncrement refOp = iota
	refDecrement
	refPin
)

// refWalk applies op to the recorded dependencies of e, recursing into each
// one that is neither on the walk stack nor still loading.
func (l *Ldr) refWalk(e *moduleEntry, op refOp) {
	e.walking = true
	defer func() { e.walking = false }()
	for _, dep := range e.deps {
		if dep.state == loader.StateRemoved || dep.walking || dep.loadInProgress {
			continue
		}
		switch {
		case op == refPin:
			dep.loadCount = loader.PinnedCount
		case dep.pinned():
			continue
		case op == refIncrement:
			dep.addRef()
		case op == refDecrement:
			dep.release()
		}
		l.refWalk(dep, op)
	}
}

// teardown removes e regardless of its load count.
func (l *Ldr) teardown(ctx context.Context, e *moduleEntry) {
	if e.state == loader.StateRemoved {
		return
	}
	e.unloadInProgress = true
	if e.attached {
		l.detach(ctx, e)
	}
	l.table.remove(e)
	l.unmapViews(e.views)
	e.state = loader.StateRemoved
	if e.published {
		info := e.info()
		info.State = loader.StateUnloading
		l.bus.publish(ctx, loader.Event{Kind: loader.EventUnloaded, Module: info, Relocated: e.relocated()})
	}
	log.Debugln("unload %s from %016X", e.fullPath, e.base)
}

func (l *Ldr) unloadEntry(ctx context.Context, e *moduleEntry) {
	if e.pinned() {
		return
	}
	e.release()
	l.refWalk(e, refDecrement)
	l.activeUnload++
	defer func() { l.activeUnload-- }()
	for m := range l.table.initReversed {
		if m.loadCount == 0 && !m.unloadInProgress && !m.loadInProgress && m.state != loader.StateRemoved {
			m.unloadInProgress = true
			m.state = loader.StateUnloading
			l.unloadQueue = append(l.unloadQueue, m)
		}
	}
	if l.activeUnload > 1 {
		return
	}
	for len(l.unloadQueue) > 0 {
		m := l.unloadQueue[0]
		l.unloadQueue = l.unloadQueue[1:]
		l.teardown(ctx, m)
	}
	l.unloadQueue = nil
}

func (l *Ldr) detach(ctx context.Context, e *moduleEntry) {
	e.attached = false
	if l.opts.Lifecycle == nil {
		return
	}
	if err := l.callHook(ctx, e, l.opts.Lifecycle.Detach); err != nil {
		log.Warnln("detach %s at %016X: %v", e.baseName, e.entryPoint, err)
	}
}

func (l *Ldr) callHook(ctx context.Context, e *moduleEntry, fn func(context.Context, loader.ModuleInfo) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = loader.NewPanicException(e.baseName, v)
		}
	}()
	return fn(ctx, e.info())
}

func (l *Ldr) entryOf(h loader.Handle) (*moduleEntry, error) {
	if e := l.table.findByHandle(uint64(h)); e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %016X", loader.ErrInvalidHandle, uint64(h))
}
