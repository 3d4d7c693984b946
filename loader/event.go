package loader

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

type EventKind int

const (
	EventLoaded EventKind = iota
	EventUnloaded
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind      EventKind
	Module    ModuleInfo
	Relocated bool
}

type Cookie = uuid.UUID

type NotificationFunc func(ctx context.Context, e Event)
