package binder

import (
	"context"

	"github.com/ehrlich-b/go-binder/internal/logging"
)

// Options configures a new Ipc. Unlike Config (which is YAML-loaded for
// the CLI demo), Options is meant for library callers constructing an Ipc
// programmatically — the same functional-options shape as the teacher's
// own Options{Context, Logger, Observer} in backend.go.
type Options struct {
	// Context is the parent of the Ipc's internal context; cancelling it
	// stops the worker goroutines but does not stop Loopers or close the
	// Driver (Shutdown does that). Defaults to context.Background() when nil.
	Context context.Context

	// Logger receives structured log entries for this Ipc. Defaults to
	// logging.Default() when nil.
	Logger *logging.Logger

	// Observer receives metrics events for this Ipc. Defaults to a
	// NoOpObserver when nil.
	Observer Observer

	// WorkerPoolSize bounds the goroutine pool used for asynchronous
	// outbound transactions. Defaults to 15 when zero.
	WorkerPoolSize int

	// PrimaryLooperCeiling bounds the number of primary loopers. Defaults
	// to 5 when zero.
	PrimaryLooperCeiling int

	// ContextManager, when true, registers this Ipc as the context
	// manager for its device via BC_SET_CONTEXT_MGR.
	ContextManager bool
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	resolved := *o
	if resolved.Context == nil {
		resolved.Context = context.Background()
	}
	if resolved.Logger == nil {
		resolved.Logger = logging.Default()
	}
	if resolved.Observer == nil {
		resolved.Observer = NoOpObserver{}
	}
	if resolved.WorkerPoolSize == 0 {
		resolved.WorkerPoolSize = 15
	}
	if resolved.PrimaryLooperCeiling == 0 {
		resolved.PrimaryLooperCeiling = 5
	}
	return &resolved
}
