package loader

import (
	"github.com/wnxd/microld/memory"
)

const (
	DefaultExtension         = ".dll"
	DefaultMaxPathLength     = 260
	DefaultMaxLoadDepth      = 64
	DefaultMaxForwarderDepth = 32
)

var DefaultNoRelocate = []string{"ntdll.dll", "kernel32.dll"}

type Options struct {
	Memory     memory.AddressSpace
	Probe      FileProbe
	Sections   SectionMapper
	Redirector PathRedirector
	Trust      TrustPolicy
	Known      KnownModuleCache
	Managed    ManagedRuntimeHook
	Lifecycle  LifecycleHook
	HardError  HardErrorReporter
	// Bootstrap starts the loader in the single-threaded bootstrap phase,
	// which ends when InitializeProcess returns.
	Bootstrap bool
	Policy    Policy
}

type LegacyMachine struct {
	Allow        bool
	MaxSubsystem uint16
}

type Policy struct {
	SearchPath          string
	DefaultExtension    string
	MaxPathLength       int
	MaxLoadDepth        int
	MaxForwarderDepth   int
	Interactive         bool
	VerifyChecksum      bool
	DisableBoundImports bool
	LegacyMachine       LegacyMachine
	// NoRelocate lists base names that must load at their preferred base.
	// nil selects DefaultNoRelocate.
	NoRelocate []string
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultExtension:  DefaultExtension,
		MaxPathLength:     DefaultMaxPathLength,
		MaxLoadDepth:      DefaultMaxLoadDepth,
		MaxForwarderDepth: DefaultMaxForwarderDepth,
		NoRelocate:        DefaultNoRelocate,
	}
}

// Normalize fills zero fields with their defaults.
func (p Policy) Normalize() Policy {
	if p.DefaultExtension == "" {
		p.DefaultExtension = DefaultExtension
	}
	if p.MaxPathLength <= 0 {
		p.MaxPathLength = DefaultMaxPathLength
	}
	if p.MaxLoadDepth <= 0 {
		p.MaxLoadDepth = DefaultMaxLoadDepth
	}
	if p.MaxForwarderDepth <= 0 {
		p.MaxForwarderDepth = DefaultMaxForwarderDepth
	}
	if p.NoRelocate == nil {
		p.NoRelocate = DefaultNoRelocate
	}
	return p
}
