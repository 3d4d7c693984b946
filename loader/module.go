package loader

import (
	"slices"
	"strings"
)

// PinnedCount marks a module that is never unloaded.
const PinnedCount = 0xFFFF

type State int

const (
	StateUnmapped State = iota
	StateMapping
	StateMapped
	StateImportsBound
	StateInitialized
	StateFailed
	StateUnloading
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateMapping:
		return "mapping"
	case StateMapped:
		return "mapped"
	case StateImportsBound:
		return "imports-bound"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	case StateUnloading:
		return "unloading"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Flags uint32

const (
	FlagDLL Flags = 1 << iota
	FlagManaged
	FlagRelocated
	FlagRedirected
	FlagStatic
	FlagAttached
)

func (f Flags) String() string {
	var names []string
	for flag, name := range map[Flags]string{
		FlagDLL:        "dll",
		FlagManaged:    "managed",
		FlagRelocated:  "relocated",
		FlagRedirected: "redirected",
		FlagStatic:     "static",
		FlagAttached:   "attached",
	} {
		if f&flag != 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return strings.Join(names, "|")
}

type ModuleInfo struct {
	Handle     Handle
	FullPath   string
	BaseName   string
	Base       uint64
	Size       uint64
	EntryPoint uint64
	Timestamp  uint32
	LoadCount  uint16
	State      State
	Flags      Flags
}

func (m ModuleInfo) Pinned() bool {
	return m.LoadCount == PinnedCount
}

func (m ModuleInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}
