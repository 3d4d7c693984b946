package host

import (
	"context"

	"github.com/wnxd/microld/loader"
	"github.com/wnxd/microld/log"
)

// LogReporter answers every hard error with a fixed response.
type LogReporter struct {
	Response loader.Response
}

func (r LogReporter) Report(_ context.Context, e loader.HardError) loader.Response {
	if r.Response == loader.ResponseContinue {
		log.Warnln("%s: %s (%s), continuing", e.Module, e.Kind, e.Detail)
	} else {
		log.Errorln("%s: %s (%s), aborting", e.Module, e.Kind, e.Detail)
	}
	return r.Response
}

type ReporterFunc func(ctx context.Context, e loader.HardError) loader.Response

func (fn ReporterFunc) Report(ctx context.Context, e loader.HardError) loader.Response {
	return fn(ctx, e)
}
