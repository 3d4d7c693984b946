package loader

import (
	"context"
	"io"
	"io/fs"
)

type File interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

type FileProbe interface {
	Exists(path string) bool
	Open(path string) (File, error)
}

type PathRedirector interface {
	Redirect(name string) (string, bool, error)
}

type TrustDecision int

const (
	TrustNotConfigured TrustDecision = iota
	TrustAllow
	TrustDeny
)

type TrustPolicy interface {
	CheckAllowed(path string, f File) (TrustDecision, error)
}

type KnownModule struct {
	FullPath string
	Section  Section
}

type KnownModuleCache interface {
	Lookup(baseName string) (KnownModule, bool)
}

type ManagedRuntimeHook interface {
	Validate(ctx context.Context, view View) (View, bool, error)
}

type LifecycleHook interface {
	Attach(ctx context.Context, m ModuleInfo) error
	Detach(ctx context.Context, m ModuleInfo) error
}

type HardErrorKind int

const (
	HardErrorMachineMismatch HardErrorKind = iota
	HardErrorIllegalRelocation
	HardErrorProcedureNotFound
	HardErrorOrdinalNotFound
	HardErrorDllNotFound
)

func (k HardErrorKind) String() string {
	switch k {
	case HardErrorMachineMismatch:
		return "machine mismatch"
	case HardErrorIllegalRelocation:
		return "illegal relocation"
	case HardErrorProcedureNotFound:
		return "procedure not found"
	case HardErrorOrdinalNotFound:
		return "ordinal not found"
	case HardErrorDllNotFound:
		return "dll not found"
	default:
		return "unknown"
	}
}

type HardError struct {
	Kind   HardErrorKind
	Module string
	Detail string
}

type Response int

const (
	ResponseAbort Response = iota
	ResponseContinue
)

type HardErrorReporter interface {
	Report(ctx context.Context, e HardError) Response
}
