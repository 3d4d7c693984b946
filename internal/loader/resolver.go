package loader

import (
	"fmt"
	"path"
	"strings"

	"github.com/wnxd/microld/loader"
)

type identity struct {
	fullPath   string
	baseName   string
	redirected bool
	known      *loader.KnownModule
}

func normalize(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

func hasSeparator(name string) bool {
	return strings.ContainsAny(name, "/\\")
}

func baseName(name string) string {
	name = normalize(name)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// withExtension appends the default extension to an extensionless base
// name. A trailing dot means the name has no extension and is stripped.
func (l *Ldr) withExtension(name string) string {
	base := baseName(name)
	if strings.HasSuffix(base, ".") {
		return strings.TrimSuffix(name, ".")
	} else if path.Ext(base) == "" {
		return name + l.policy.DefaultExtension
	}
	return name
}

func (l *Ldr) checkLength(name string) error {
	if len(name) > l.policy.MaxPathLength {
		return fmt.Errorf("%w: %d > %d", loader.ErrNameTooLong, len(name), l.policy.MaxPathLength)
	}
	return nil
}

// redirect asks the redirector about a name that already carries its
// extension. The target is returned normalized.
func (l *Ldr) redirect(name string) (string, bool, error) {
	r := l.opts.Redirector
	if r == nil {
		return "", false, nil
	}
	target, ok, err := r.Redirect(name)
	if err != nil || !ok {
		return "", false, err
	}
	return normalize(target), true, nil
}

func (l *Ldr) resolve(name, searchPath string, redirected bool) (identity, error) {
	name = normalize(name)
	if err := l.checkLength(name); err != nil {
		return identity{}, err
	}
	if redirected {
		return identity{fullPath: name, baseName: baseName(name), redirected: true}, nil
	}
	name = l.withExtension(name)
	if target, ok, err := l.redirect(name); err != nil {
		return identity{}, err
	} else if ok {
		if err := l.checkLength(target); err != nil {
			return identity{}, err
		}
		return identity{fullPath: target, baseName: baseName(target), redirected: true}, nil
	}
	if hasSeparator(name) {
		if l.opts.Probe.Exists(name) {
			return identity{fullPath: name, baseName: baseName(name)}, nil
		}
		return identity{}, fmt.Errorf("%w: %s", loader.ErrNotFound, name)
	}
	if k := l.opts.Known; k != nil {
		if km, ok := k.Lookup(name); ok {
			return identity{fullPath: normalize(km.FullPath), baseName: name, known: &km}, nil
		}
	}
	if searchPath == "" {
		searchPath = l.policy.SearchPath
	}
	var tooLong error
	for _, dir := range strings.Split(normalize(searchPath), ";") {
		if dir = strings.TrimSpace(dir); dir == "" {
			continue
		}
		candidate := strings.TrimSuffix(dir, "/") + "/" + name
		if err := l.checkLength(candidate); err != nil {
			tooLong = err
			continue
		}
		if l.opts.Probe.Exists(candidate) {
			return identity{fullPath: candidate, baseName: name}, nil
		}
	}
	if tooLong != nil {
		return identity{}, tooLong
	}
	return identity{}, fmt.Errorf("%w: %s", loader.ErrNotFound, name)
}
