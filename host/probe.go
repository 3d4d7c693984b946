package host

import (
	"io/fs"
	"path"
	"strings"

	"github.com/wnxd/microld/filesystem"
	"github.com/wnxd/microld/loader"
)

// Probe answers loader file queries from a filesystem.FS. Loader paths
// are absolute, optionally with a drive prefix; both are stripped.
type Probe struct {
	fsys filesystem.FS
}

func NewProbe(fsys filesystem.FS) *Probe {
	return &Probe{fsys: fsys}
}

func (p *Probe) Exists(name string) bool {
	info, err := fs.Stat(p.fsys, FSPath(name))
	return err == nil && !info.IsDir()
}

func (p *Probe) Open(name string) (loader.File, error) {
	return filesystem.OpenReaderAt(p.fsys, FSPath(name))
}

// FSPath converts a loader path into an io/fs path.
func FSPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}
	name = strings.TrimLeft(path.Clean("/"+name), "/")
	if name == "" {
		return "."
	}
	return name
}
