package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
	"github.com/wnxd/microld/memory"
)

func (l *Ldr) view(e *moduleEntry) memory.Pointer {
	return memory.ToPointer(l.mem, e.base)
}

func (l *Ldr) bindImports(ctx context.Context, s *session, e *moduleEntry) error {
	r := l.view(e)
	descs, err := image.ReadImportDescriptors(r, e.headers)
	if err != nil {
		return err
	}
	done := make([]bool, len(descs))
	if !l.policy.DisableBoundImports {
		bound, err := image.ReadBoundImports(r, e.headers)
		if err != nil {
			log.Warnln("%s: bound imports ignored: %v", e.baseName, err)
			bound = nil
		}
		for _, b := range bound {
			dep, err := l.loadImport(ctx, s, e, b.DLL)
			if err != nil {
				return err
			}
			stale := dep.headers.TimeDateStamp != b.TimeDateStamp || dep.relocated()
			for _, fw := range b.Forwarders {
				ref, err := l.loadImport(ctx, s, e, fw.DLL)
				if err != nil {
					return err
				}
				stale = stale || ref.headers.TimeDateStamp != fw.TimeDateStamp || ref.relocated()
			}
			i := findDescriptor(descs, b.DLL)
			if !stale {
				log.Debugln("%s: binding to %s is current", e.baseName, dep.baseName)
				if i >= 0 {
					done[i] = true
				}
				continue
			} else if i < 0 {
				return fmt.Errorf("%w: %s: stale binding to %s without import descriptor", loader.ErrInvalidFormat, e.baseName, b.DLL)
			}
			log.Debugln("%s: binding to %s is stale", e.baseName, dep.baseName)
			if err := l.snap(ctx, s, e, descs[i], dep); err != nil {
				return err
			}
			done[i] = true
		}
	}
	for i, d := range descs {
		if done[i] {
			continue
		}
		dep, err := l.loadImport(ctx, s, e, d.DLL)
		if err != nil {
			return err
		}
		if err := l.snap(ctx, s, e, d, dep); err != nil {
			return err
		}
	}
	return nil
}

func findDescriptor(descs []image.ImportDescriptor, dll string) int {
	for i, d := range descs {
		if strings.EqualFold(d.DLL, dll) {
			return i
		}
	}
	return -1
}

// snap resolves every thunk of d against dep and patches the IAT.
func (l *Ldr) snap(ctx context.Context, s *session, e *moduleEntry, d image.ImportDescriptor, dep *moduleEntry) error {
	r := l.view(e)
	thunks, err := image.ReadImportThunks(r, e.headers, d.Source())
	if err != nil {
		return err
	}
	if len(thunks) == 0 {
		return nil
	}
	values := make([]uint64, len(thunks))
	for i, t := range thunks {
		proc := loader.Proc{Name: t.Name, Ordinal: t.Ordinal, ByOrdinal: t.ByOrdinal}
		addr, err := l.resolveProc(ctx, s, dep, proc, t.Hint, e, 0)
		if err != nil {
			var pe *loader.ProcedureError
			if errors.As(err, &pe) {
				kind := loader.HardErrorProcedureNotFound
				if proc.ByOrdinal {
					kind = loader.HardErrorOrdinalNotFound
				}
				l.hardError(ctx, loader.HardError{Kind: kind, Module: e.baseName, Detail: fmt.Sprintf("%s!%s", pe.Module, pe.Proc)})
			}
			return err
		}
		values[i] = addr
	}
	ps := e.headers.PointerSize()
	return l.withWritable(e.base+uint64(d.FirstThunk), uint64(len(values))*uint64(ps), func() error {
		for i, v := range values {
			if err := image.WriteThunk(r, e.headers, d.FirstThunk+uint32(i)*ps, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ldr) exportsOf(e *moduleEntry) *image.Exports {
	if e.exports != nil {
		return e.exports
	}
	exp, err := image.ReadExports(l.view(e), e.headers)
	if err != nil {
		if !errors.Is(err, image.ErrNoDirectory) {
			log.Warnln("%s: export directory: %v", e.baseName, err)
		}
		exp = new(image.Exports)
	}
	e.exports = exp
	return exp
}

// resolveProc looks proc up in e. A non-nil importer marks a static bind:
// forwarder targets become dependencies of the importer. Dynamic lookups
// load forwarder targets explicitly.
func (l *Ldr) resolveProc(ctx context.Context, s *session, e *moduleEntry, proc loader.Proc, hint uint16, importer *moduleEntry, depth int) (uint64, error) {
	exp := l.exportsOf(e)
	var (
		index uint32
		ok    bool
	)
	if proc.ByOrdinal {
		index, ok = exp.LookupOrdinal(uint32(proc.Ordinal))
	} else {
		index, ok = exp.LookupName(proc.Name, hint)
	}
	rva := exp.Function(index)
	if !ok || rva == 0 || uint64(rva) >= e.size {
		return 0, procNotFound(e, proc)
	}
	if !exp.Contains(rva) {
		return e.base + uint64(rva), nil
	}
	if depth >= l.policy.MaxForwarderDepth {
		return 0, fmt.Errorf("%w: forwarder chain at %s!%s", loader.ErrRecursionTooDeep, e.baseName, proc)
	}
	str, err := image.ReadString(l.view(e), rva, uint32(e.size))
	if err != nil {
		return 0, err
	}
	fw, err := image.ParseForwarder(str)
	if err != nil {
		return 0, fmt.Errorf("%w: %s!%s: %v", loader.ErrInvalidFormat, e.baseName, proc, err)
	}
	var target *moduleEntry
	if importer != nil {
		target, err = l.loadImport(ctx, s, importer, fw.Module)
	} else {
		target, err = l.loadForwarder(ctx, s, e, fw.Module)
	}
	if err != nil {
		return 0, err
	}
	next := loader.Proc{Name: fw.Name, Ordinal: fw.Ordinal, ByOrdinal: fw.ByOrdinal}
	log.Debugln("%s!%s forwarded to %s", e.baseName, proc, fw)
	return l.resolveProc(ctx, s, target, next, 0, importer, depth+1)
}

func procNotFound(e *moduleEntry, proc loader.Proc) error {
	err := loader.ErrProcedureNotFound
	if proc.ByOrdinal {
		err = loader.ErrOrdinalNotFound
	}
	return &loader.ProcedureError{Module: e.baseName, Proc: proc, Err: err}
}
