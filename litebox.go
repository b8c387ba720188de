package boxlite

import (
	"context"
	"io"
)

// LiteBox is the outward SDK handle (§6): a thin wrapper around the cached
// BoxImpl a Runtime hands out from Create/Get. Multiple LiteBox values can
// point at the same BoxImpl; state lives in the impl, not here.
type LiteBox struct {
	impl *BoxImpl
}

// ID returns the box's immutable identifier.
func (b *LiteBox) ID() BoxID { return b.impl.Info().ID }

// Name returns the box's name, or "" if it was created unnamed.
func (b *LiteBox) Name() string { return b.impl.Info().Name }

// Info returns a read-only snapshot of the box's identity, status, and
// config. It never triggers live-state initialization.
func (b *LiteBox) Info() BoxInfo { return b.impl.Info() }

// Start brings the box to Running, building or reattaching its VM as
// needed. Idempotent against an already-Running box.
func (b *LiteBox) Start(ctx context.Context) error { return b.impl.Start(ctx) }

// Stop tears down live state and persists Stopped. Idempotent against an
// already-Stopped box. Cascades to removal if the box was created with
// AutoRemove.
func (b *LiteBox) Stop(ctx context.Context) error { return b.impl.Stop(ctx) }

// Exec starts a process inside the container, implicitly starting the box
// first if it is not already running.
func (b *LiteBox) Exec(ctx context.Context, req ExecRequest) (*Execution, error) {
	return b.impl.Exec(ctx, req)
}

// CopyInto streams a tar archive from hostSrc into the container at
// containerDst.
func (b *LiteBox) CopyInto(ctx context.Context, hostSrc io.Reader, containerDst string, overwrite bool, opts CopyOptions) error {
	return b.impl.CopyInto(ctx, hostSrc, containerDst, overwrite, opts)
}

// CopyOut streams a tar archive of containerSrc from the container to dst.
func (b *LiteBox) CopyOut(ctx context.Context, containerSrc string, dst io.Writer, opts CopyOptions) error {
	return b.impl.CopyOut(ctx, containerSrc, dst, opts)
}

// Metrics returns the box's combined VMM and counter metrics.
func (b *LiteBox) Metrics() BoxMetrics { return b.impl.Metrics() }

// RuntimeMetrics is the public snapshot of runtime-wide counters exposed by
// Runtime.Metrics.
type RuntimeMetrics struct {
	BoxesCreatedTotal uint64
	BoxesFailedTotal  uint64
	BoxesStoppedTotal uint64
	NumRunningBoxes   uint64
	TotalCommands     uint64
	TotalExecErrors   uint64
}

// Metrics returns a snapshot of the runtime-wide counters (§4.12).
func (rt *Runtime) Metrics() RuntimeMetrics {
	s := rt.metrics.Snapshot()
	return RuntimeMetrics{
		BoxesCreatedTotal: s.BoxesCreatedTotal,
		BoxesFailedTotal:  s.BoxesFailedTotal,
		BoxesStoppedTotal: s.BoxesStoppedTotal,
		NumRunningBoxes:   s.NumRunningBoxes,
		TotalCommands:     s.TotalCommands,
		TotalExecErrors:   s.TotalExecErrors,
	}
}
