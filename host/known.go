package host

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wnxd/microld/loader"
)

// KnownModules is a preloaded set of sections keyed by base name.
type KnownModules struct {
	modules *xsync.MapOf[string, loader.KnownModule]
}

func NewKnownModules() *KnownModules {
	return &KnownModules{modules: xsync.NewMapOf[string, loader.KnownModule]()}
}

func (k *KnownModules) Add(baseName string, m loader.KnownModule) {
	k.modules.Store(strings.ToLower(baseName), m)
}

func (k *KnownModules) Lookup(baseName string) (loader.KnownModule, bool) {
	return k.modules.Load(strings.ToLower(baseName))
}

func (k *KnownModules) Len() int {
	return k.modules.Size()
}
