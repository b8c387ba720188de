// Package metrics holds the runtime-wide monotonic counters and per-box
// stage timings described in spec §4.12, ported from the original
// RuntimeMetricsStorage/RuntimeMetrics split.
package metrics

import "sync/atomic"

// RuntimeStorage holds the shared atomics a Runtime updates across its
// lifetime. Safe for concurrent use.
type RuntimeStorage struct {
	boxesCreated    atomic.Uint64
	boxesFailed     atomic.Uint64
	boxesStopped    atomic.Uint64
	totalCommands   atomic.Uint64
	totalExecErrors atomic.Uint64
}

// NewRuntimeStorage returns a zeroed counter set.
func NewRuntimeStorage() *RuntimeStorage { return &RuntimeStorage{} }

func (s *RuntimeStorage) IncBoxesCreated()    { s.boxesCreated.Add(1) }
func (s *RuntimeStorage) IncBoxesFailed()     { s.boxesFailed.Add(1) }
func (s *RuntimeStorage) IncBoxesStopped()    { s.boxesStopped.Add(1) }
func (s *RuntimeStorage) IncCommands()        { s.totalCommands.Add(1) }
func (s *RuntimeStorage) IncExecErrors()      { s.totalExecErrors.Add(1) }

// Snapshot is the read-only view callers see via Runtime.metrics().
type Snapshot struct {
	BoxesCreatedTotal uint64
	BoxesFailedTotal  uint64
	BoxesStoppedTotal uint64
	NumRunningBoxes   uint64
	TotalCommands     uint64
	TotalExecErrors   uint64
}

// Snapshot reads all counters. NumRunningBoxes is created - stopped -
// failed, saturating at zero so transient races never underflow.
func (s *RuntimeStorage) Snapshot() Snapshot {
	created := s.boxesCreated.Load()
	stopped := s.boxesStopped.Load()
	failed := s.boxesFailed.Load()

	running := created
	running = satSub(running, stopped)
	running = satSub(running, failed)

	return Snapshot{
		BoxesCreatedTotal: created,
		BoxesFailedTotal:  failed,
		BoxesStoppedTotal: stopped,
		NumRunningBoxes:   running,
		TotalCommands:     s.totalCommands.Load(),
		TotalExecErrors:   s.totalExecErrors.Load(),
	}
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// StageDurations holds named pipeline-stage timings for a box build, in
// milliseconds. No code path fills them in: the build pipeline's durations
// are not copied here, so BoxStorage.Stages stays zero.
type StageDurations struct {
	Filesystem          int64
	ImagePrepare         int64
	GuestRootfs          int64
	BoxSpawn             int64
	ContainerInit        int64
	TotalCreateDurationMs int64
}

// BoxStorage holds the per-box counters and timings described in §4.12.
// One instance is created with each BoxImpl and lives as long as it does.
type BoxStorage struct {
	Stages StageDurations

	commandsExecuted atomic.Uint64
	execErrors       atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

func NewBoxStorage() *BoxStorage { return &BoxStorage{} }

func (b *BoxStorage) IncCommand()                 { b.commandsExecuted.Add(1) }
func (b *BoxStorage) IncExecError()                { b.execErrors.Add(1) }
func (b *BoxStorage) AddBytesSent(n uint64)         { b.bytesSent.Add(n) }
func (b *BoxStorage) AddBytesReceived(n uint64)     { b.bytesReceived.Add(n) }

// BoxSnapshot is the per-box metrics view, combined by the caller with a
// live VmmMetrics sample.
type BoxSnapshot struct {
	Stages           StageDurations
	CommandsExecuted uint64
	ExecErrors       uint64
	BytesSent        uint64
	BytesReceived    uint64
}

func (b *BoxStorage) Snapshot() BoxSnapshot {
	return BoxSnapshot{
		Stages:           b.Stages,
		CommandsExecuted: b.commandsExecuted.Load(),
		ExecErrors:       b.execErrors.Load(),
		BytesSent:        b.bytesSent.Load(),
		BytesReceived:    b.bytesReceived.Load(),
	}
}
