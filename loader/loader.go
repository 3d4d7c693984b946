package loader

import (
	"context"
	"fmt"
)

type Handle uint64

type Proc struct {
	Name      string
	Ordinal   uint16
	ByOrdinal bool
}

func ByName(name string) Proc {
	return Proc{Name: name}
}

func ByOrdinal(ordinal uint16) Proc {
	return Proc{Ordinal: ordinal, ByOrdinal: true}
}

func (p Proc) String() string {
	if p.ByOrdinal {
		return fmt.Sprintf("#%d", p.Ordinal)
	}
	return p.Name
}

type LoadOptions struct {
	SearchPath string
	Redirected bool
	NoInit     bool
}

type LoadOption func(*LoadOptions)

// WithSearchPath overrides the policy search path for one load.
func WithSearchPath(path string) LoadOption {
	return func(o *LoadOptions) { o.SearchPath = path }
}

// WithRedirected marks the name as already redirected; it is used verbatim.
func WithRedirected() LoadOption {
	return func(o *LoadOptions) { o.Redirected = true }
}

// WithoutInitializers maps and binds without running attach routines.
func WithoutInitializers() LoadOption {
	return func(o *LoadOptions) { o.NoInit = true }
}

type EnumFunc func(ctx context.Context, m ModuleInfo) bool

type Loader interface {
	Machine() uint16
	PointerSize() uint32
	LoadModule(ctx context.Context, name string, opts ...LoadOption) (Handle, error)
	UnloadModule(ctx context.Context, h Handle) error
	GetProcedureAddress(ctx context.Context, h Handle, proc Proc) (uint64, error)
	GetModuleHandle(ctx context.Context, name string) (Handle, error)
	GetModuleHandleByAddress(ctx context.Context, addr uint64) (Handle, error)
	RegisterNotification(ctx context.Context, fn NotificationFunc) (Cookie, error)
	UnregisterNotification(ctx context.Context, cookie Cookie) error
	EnumerateLoadedModules(ctx context.Context, fn EnumFunc) error
	PinModule(ctx context.Context, h Handle) error
	Module(ctx context.Context, h Handle) (ModuleInfo, error)
	InitializeProcess(ctx context.Context, exe string) (Handle, error)
	Shutdown(ctx context.Context) error
}
