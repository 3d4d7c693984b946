package host

import (
	"context"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/wnxd/microld/loader"
)

type Reason int

const (
	ProcessDetach Reason = iota
	ProcessAttach
)

func (r Reason) String() string {
	if r == ProcessAttach {
		return "attach"
	}
	return "detach"
}

// EntryFunc stands in for a module entry point. ctx re-enters the loader.
type EntryFunc func(ctx context.Context, m loader.ModuleInfo, reason Reason) error

// Lifecycle dispatches entry point calls to functions registered by base
// name. Modules without a registered function initialize trivially.
type Lifecycle struct {
	entries *xsync.MapOf[string, EntryFunc]
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{entries: xsync.NewMapOf[string, EntryFunc]()}
}

func (l *Lifecycle) Register(baseName string, fn EntryFunc) {
	l.entries.Store(strings.ToLower(baseName), fn)
}

func (l *Lifecycle) Attach(ctx context.Context, m loader.ModuleInfo) error {
	return l.call(ctx, m, ProcessAttach)
}

func (l *Lifecycle) Detach(ctx context.Context, m loader.ModuleInfo) error {
	return l.call(ctx, m, ProcessDetach)
}

func (l *Lifecycle) call(ctx context.Context, m loader.ModuleInfo, reason Reason) error {
	if fn, ok := l.entries.Load(strings.ToLower(m.BaseName)); ok {
		return fn(ctx, m, reason)
	}
	return nil
}
