package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/samber/lo"
	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
	"github.com/wnxd/microld/memory"
)

type mappedImage struct {
	view    loader.View
	views   []uint64
	headers *image.Headers
	fileID  filesystem.FileID
}

func (l *Ldr) openSection(id identity) (loader.Section, filesystem.FileID, error) {
	if id.known != nil {
		return id.known.Section, filesystem.FileID{}, nil
	}
	f, err := l.opts.Probe.Open(id.fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, filesystem.FileID{}, fmt.Errorf("%w: %s", loader.ErrNotFound, id.fullPath)
	} else if err != nil {
		return nil, filesystem.FileID{}, err
	}
	defer f.Close()
	if t := l.opts.Trust; t != nil {
		decision, err := t.CheckAllowed(id.fullPath, f)
		if err != nil {
			return nil, filesystem.FileID{}, err
		} else if decision == loader.TrustDeny {
			return nil, filesystem.FileID{}, fmt.Errorf("%w: %s", loader.ErrAccessDenied, id.fullPath)
		}
	}
	fileID, err := filesystem.Identify(f)
	if err != nil {
		log.Debugln("identify %s: %v", id.fullPath, err)
	}
	sec, err := l.opts.Sections.CreateSection(f)
	if err != nil {
		return nil, filesystem.FileID{}, err
	}
	return sec, fileID, nil
}

func (l *Ldr) checkMachine(ctx context.Context, id identity, h *image.Headers) error {
	if h.Machine == l.impl.Machine() && h.PointerSize() == l.impl.PointerSize() {
		return nil
	}
	legacy := l.policy.LegacyMachine
	if legacy.Allow && h.MajorSubsystemVersion <= legacy.MaxSubsystem {
		resp := l.hardError(ctx, loader.HardError{
			Kind:   loader.HardErrorMachineMismatch,
			Module: id.baseName,
			Detail: fmt.Sprintf("machine %#04x, subsystem %d.%d", h.Machine, h.MajorSubsystemVersion, h.MinorSubsystemVersion),
		})
		if resp == loader.ResponseContinue {
			log.Warnln("loading %s for machine %#04x", id.fullPath, h.Machine)
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %#04x, want %#04x", loader.ErrMachineMismatch, id.baseName, h.Machine, l.impl.Machine())
}

func (l *Ldr) mapImage(ctx context.Context, id identity) (*mappedImage, error) {
	sec, fileID, err := l.openSection(id)
	if err != nil {
		return nil, err
	}
	h := sec.Headers()
	if err := l.checkMachine(ctx, id, h); err != nil {
		return nil, err
	}
	if l.policy.VerifyChecksum && h.CheckSum != 0 {
		sum, err := image.Checksum(sec, sec.Size(), h)
		if err != nil {
			return nil, err
		} else if sum != h.CheckSum {
			return nil, fmt.Errorf("%w: %s has %#08x, computed %#08x", loader.ErrChecksumMismatch, id.baseName, h.CheckSum, sum)
		}
	}
	view, err := l.opts.Sections.MapView(sec)
	if err != nil {
		return nil, err
	}
	img := &mappedImage{view: view, views: []uint64{view.Base}, fileID: fileID}
	if err := l.prepareView(ctx, id, img); err != nil {
		l.unmapViews(img.views)
		return nil, err
	}
	log.Debugln("map %s at %016X-%016X", id.fullPath, img.view.Base, img.view.End())
	return img, nil
}

func (l *Ldr) prepareView(ctx context.Context, id identity, img *mappedImage) error {
	h, err := image.ReadHeaders(memory.ToPointer(l.mem, img.view.Base))
	if err != nil {
		return err
	}
	if m := l.opts.Managed; m != nil && h.IsManaged() {
		view, ok, err := m.Validate(ctx, img.view)
		if err != nil {
			return err
		} else if ok && view.Base != img.view.Base {
			log.Debugln("%s: managed runtime substituted view %016X", id.baseName, view.Base)
			img.views = append(img.views, view.Base)
			img.view = view
			if h, err = image.ReadHeaders(memory.ToPointer(l.mem, view.Base)); err != nil {
				return err
			}
		}
	}
	img.headers = h
	if !img.view.Relocated && img.view.Base == h.ImageBase {
		return nil
	}
	img.view.Relocated = true
	if other := l.table.findByAddress(h.ImageBase); other != nil {
		log.Warnln("%s relocated to %016X, preferred base %016X is occupied by %s", id.baseName, img.view.Base, h.ImageBase, other.fullPath)
	} else {
		log.Warnln("%s relocated to %016X, preferred base %016X", id.baseName, img.view.Base, h.ImageBase)
	}
	if l.noRelocate(id.baseName) || h.RelocsStripped() {
		l.hardError(ctx, loader.HardError{
			Kind:   loader.HardErrorIllegalRelocation,
			Module: id.baseName,
			Detail: fmt.Sprintf("preferred base %016X", h.ImageBase),
		})
		return fmt.Errorf("%w: %s", loader.ErrIllegalRelocation, id.baseName)
	}
	base, size := img.view.Base, uint64(h.SizeOfImage)
	return l.withWritable(base, size, func() error {
		if err := image.ApplyRelocations(memory.ToPointer(l.mem, base), h, base-h.ImageBase); err != nil {
			return err
		}
		return l.opts.Sections.Remap(base)
	})
}

func (l *Ldr) noRelocate(name string) bool {
	return lo.ContainsBy(l.policy.NoRelocate, func(n string) bool {
		return strings.EqualFold(n, name)
	})
}

// withWritable makes [addr, addr+size) writable for the duration of fn and
// restores the per-page protections it found.
func (l *Ldr) withWritable(addr, size uint64, fn func() error) error {
	ps := l.mem.PageSize()
	start, end := memory.AlignDown(addr, ps), memory.Align(addr+size, ps)
	var saved []memory.MemRegion
	for a := start; a < end; {
		region, err := l.mem.MemQuery(a)
		if err != nil {
			return err
		}
		r, ok := memory.Overlap(region, memory.MemRegion{Addr: a, Size: end - a})
		if !ok {
			return fmt.Errorf("%w: query %016X", loader.ErrInternal, a)
		}
		r.Prot = region.Prot
		saved = append(saved, r)
		a = r.End()
	}
	for _, r := range saved {
		if r.Prot&memory.MEM_PROT_WRITE == 0 {
			if err := l.mem.MemProtect(r.Addr, r.Size, r.Prot|memory.MEM_PROT_WRITE); err != nil {
				return err
			}
		}
	}
	err := fn()
	for _, r := range saved {
		if perr := l.mem.MemProtect(r.Addr, r.Size, r.Prot); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (l *Ldr) unmapViews(views []uint64) {
	for i := len(views) - 1; i >= 0; i-- {
		if err := l.opts.Sections.Unmap(views[i]); err != nil {
			log.Warnln("unmap %016X: %v", views[i], err)
		}
	}
}

func (l *Ldr) hardError(ctx context.Context, e loader.HardError) loader.Response {
	log.Errorln("hard error: %s: %s (%s)", e.Module, e.Kind, e.Detail)
	if !l.policy.Interactive || l.opts.HardError == nil {
		return loader.ResponseAbort
	}
	return l.opts.HardError.Report(ctx, e)
}
