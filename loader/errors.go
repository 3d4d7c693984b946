package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wnxd/microld/image"
	"github.com/wnxd/microld/memory"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrNameTooLong          = errors.New("name too long")
	ErrInvalidFormat        = image.ErrInvalidFormat
	ErrMachineMismatch      = errors.New("machine mismatch")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrNoMemory             = memory.ErrNoMemory
	ErrAccessDenied         = errors.New("access denied")
	ErrIllegalRelocation    = errors.New("illegal relocation")
	ErrInitializationFailed = errors.New("initialization failed")
	ErrInternal             = errors.New("internal error")
	ErrProcedureNotFound    = errors.New("procedure not found")
	ErrOrdinalNotFound      = errors.New("ordinal not found")
	ErrInvalidHandle        = errors.New("invalid handle")
	ErrRecursionTooDeep     = errors.New("recursion too deep")
	ErrShutdown             = errors.New("loader shut down")
	ErrMachineUnsupported   = errors.New("machine unsupported")
)

// LoadError reports the module whose load failed together with the chain
// of dependents that required it, outermost first.
type LoadError struct {
	Name  string
	Chain []string
	Err   error
}

type ProcedureError struct {
	Module string
	Proc   Proc
	Err    error
}

type InitError struct {
	Module     string
	EntryPoint uint64
	Err        error
}

type PanicException struct {
	Module string
	v      any
}

func NewPanicException(module string, v any) *PanicException {
	return &PanicException{Module: module, v: v}
}

func (e *LoadError) Error() string {
	if len(e.Chain) <= 1 {
		return fmt.Sprintf("load %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("load %s: %v (via %s)", e.Name, e.Err, strings.Join(e.Chain, " -> "))
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("%s!%s: %v", e.Module, e.Proc, e.Err)
}

func (e *ProcedureError) Unwrap() []error {
	return []error{e.Err, ErrNotFound}
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s at %016X: %v", e.Module, e.EntryPoint, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrInitializationFailed, e.Err}
}

// Panic returns the recovered value when the initializer panicked.
func (e *InitError) Panic() (any, bool) {
	var pe *PanicException
	if errors.As(e.Err, &pe) {
		return pe.v, true
	}
	return nil, false
}

func (e *PanicException) Error() string {
	return fmt.Sprintf("[Panic] module: %s, panic: %v", e.Module, e.v)
}

func (e *PanicException) Panic() any {
	return e.v
}
