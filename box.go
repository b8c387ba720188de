package boxlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/suryatmodulus/boxlite/internal/guest"
	"github.com/suryatmodulus/boxlite/internal/metrics"
	"github.com/suryatmodulus/boxlite/internal/wire"
)

// BoxEnvVar is the env var every exec injects so in-guest processes can
// discover their own container id (§4.10).
const BoxEnvVar = "BOXLITE_CONTAINER"

// BoxImpl is C10: one box's immutable config, mutable state, and lazily
// initialized live state. runtime.go caches one BoxImpl per BoxID/name;
// LiteBox is the outward handle callers hold.
type BoxImpl struct {
	cfg BoxConfig

	mu    sync.RWMutex
	state BoxState

	runtime *Runtime
	builder *Builder

	cancel context.CancelFunc
	ctx    context.Context

	live liveStateCell

	metricsStore *metrics.BoxStorage
}

func newBoxImpl(rt *Runtime, builder *Builder, cfg BoxConfig, state BoxState) *BoxImpl {
	ctx, cancel := context.WithCancel(rt.ctx)
	return &BoxImpl{
		cfg:          cfg,
		state:        state,
		runtime:      rt,
		builder:      builder,
		ctx:          ctx,
		cancel:       cancel,
		metricsStore: metrics.NewBoxStorage(),
	}
}

// BoxInfo is the read-only snapshot info() and list_info() return.
type BoxInfo struct {
	ID     BoxID
	Name   string
	Status Status
	Config BoxConfig
}

// Info is a pure read; it never triggers live-state initialization.
func (b *BoxImpl) Info() BoxInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BoxInfo{ID: b.cfg.ID, Name: b.cfg.Name, Status: b.state.Status, Config: b.cfg}
}

// cancelled reports whether this handle's token was cancelled by a prior
// stop(), meaning every further operation on it must fail with Stopped;
// only a fresh handle from Runtime.Get works again (§4.10/§5).
func (b *BoxImpl) cancelled() bool {
	select {
	case <-b.ctx.Done():
		return true
	default:
		return false
	}
}

// Start is idempotent: a no-op against an already-Running box. It rejects
// Stopping/Unknown outright, then forces live-state initialization.
func (b *BoxImpl) Start(ctx context.Context) error {
	if b.cancelled() {
		return Stoppedf("BoxImpl.Start", "handle invalidated by a prior stop()")
	}

	b.mu.Lock()
	status := b.state.Status
	if status == Running {
		b.mu.Unlock()
		return nil
	}
	if status != Configured && status != Stopped {
		b.mu.Unlock()
		return InvalidStatef("BoxImpl.Start", "cannot start from status %s", status)
	}
	stateCopy := b.state
	b.mu.Unlock()

	_, err := b.live.getOrInit(func() (*LiveState, error) {
		return b.builder.Build(ctx, b.cfg, stateCopy)
	})
	if err != nil {
		b.runtime.metrics.IncBoxesFailed()
		return err
	}

	b.mu.Lock()
	err = b.state.Transition(Running)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if err := b.runtime.persist(b.cfg.ID, b.state); err != nil {
		return err
	}
	return nil
}

// forceInit is the common "first start()/exec()/copy_*() triggers
// BoxBuilder.build()" path (§4.1): reject a cancelled handle, build or
// reattach live state if not already cached, and mark the box Running.
// Persist failures due to a concurrent remove are tolerated since the live
// state itself is still usable for this call.
func (b *BoxImpl) forceInit(ctx context.Context) (*LiveState, error) {
	if b.cancelled() {
		return nil, Stoppedf("BoxImpl.forceInit", "handle invalidated by a prior stop()")
	}

	b.mu.RLock()
	stateCopy := b.state
	b.mu.RUnlock()

	live, err := b.live.getOrInit(func() (*LiveState, error) {
		return b.builder.Build(ctx, b.cfg, stateCopy)
	})
	if err != nil {
		b.runtime.metrics.IncBoxesFailed()
		return nil, err
	}

	b.mu.Lock()
	_ = b.state.Transition(Running)
	stateCopy = b.state
	b.mu.Unlock()
	if err := b.runtime.persist(b.cfg.ID, stateCopy); err != nil && KindOf(err) != ErrNotFound {
		return nil, err
	}

	return live, nil
}

// ExecRequest is one exec() call's parameters.
type ExecRequest struct {
	Program string
	Args    []string
	Env     []string
	TTY     bool
}

// Execution is the handle start exec callers stream against, mirroring the
// SDK surface of §6: stdin/stdout/stderr plus wait/signal/resize.
type Execution struct {
	exec   *guest.Execution
	stdout io.Reader
	stderr io.Reader

	doneOnce sync.Once
	exitCode int32
	exitErr  error
	done     chan struct{}
}

// Exec rejects a cancelled handle with Stopped, forces live-state init,
// injects BOXLITE_CONTAINER if absent, and runs the process in the config's
// working_dir. ExecRequest has no per-command working directory, so the
// config's value is always used.
func (b *BoxImpl) Exec(ctx context.Context, req ExecRequest) (*Execution, error) {
	live, err := b.forceInit(ctx)
	if err != nil {
		return nil, err
	}

	env := withContainerEnv(req.Env, string(b.cfg.Container.ID))

	start := wire.StartExec{
		ContainerID: string(b.cfg.Container.ID),
		Program:     req.Program,
		Args:        req.Args,
		Env:         env,
		WorkDir:     b.cfg.Options.WorkingDir,
		TTY:         req.TTY,
	}

	stream, err := live.Guest.Exec(ctx, start)
	if err != nil {
		b.metricsStore.IncExecError()
		b.runtime.metrics.IncExecErrors()
		return nil, Guestf("BoxImpl.Exec", "%v", err)
	}

	b.metricsStore.IncCommand()
	b.runtime.metrics.IncCommands()

	e := &Execution{exec: stream, done: make(chan struct{})}
	go e.pump()
	return e, nil
}

// withContainerEnv appends BOXLITE_CONTAINER=<cid> unless the caller
// already set it.
func withContainerEnv(env []string, cid string) []string {
	prefix := BoxEnvVar + "="
	for _, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			return env
		}
	}
	return append(append([]string{}, env...), fmt.Sprintf("%s=%s", BoxEnvVar, cid))
}

// pump reads frames off the exec stream until the terminal Exit frame or
// stream close, recording the outcome for Wait.
func (e *Execution) pump() {
	defer e.doneOnce.Do(func() { close(e.done) })
	for {
		frame, err := e.exec.Recv()
		if err != nil {
			if err != io.EOF {
				e.exitErr = err
			}
			return
		}
		if frame.Exit != nil {
			e.exitCode = frame.Exit.ExitCode
			return
		}
	}
}

// Stdin writes a chunk of stdin to the execution.
func (e *Execution) Stdin(b []byte) error { return e.exec.SendStdin(b) }

// CloseStdin signals EOF on stdin.
func (e *Execution) CloseStdin() error { return e.exec.CloseSend() }

// ResizeTTY sends a terminal resize request.
func (e *Execution) ResizeTTY(rows, cols uint16) error { return e.exec.Resize(rows, cols) }

// ExitResult is what Wait returns: ExitCode is negative when the process
// died to a signal (§4.7), positive/zero for a normal exit.
type ExitResult struct {
	ExitCode int32
}

// Wait blocks until the execution's terminal frame arrives.
func (e *Execution) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-e.done:
		return ExitResult{ExitCode: e.exitCode}, e.exitErr
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// CopyOptions governs copy_into/copy_out tar packing.
type CopyOptions struct {
	FollowSymlinks bool
	IncludeParent  bool
}

// CopyInto forces live-state init like start()/exec(), then streams hostSrc
// into the guest at containerDst via Files.UploadTar. hostSrc must already
// be a tar archive: CopyInto does no packing of its own, and opts is not
// consulted.
func (b *BoxImpl) CopyInto(ctx context.Context, hostSrc io.Reader, containerDst string, overwrite bool, opts CopyOptions) error {
	if containerDst == "" {
		return InvalidStatef("BoxImpl.CopyInto", "destination path must not be empty")
	}
	live, err := b.forceInit(ctx)
	if err != nil {
		return err
	}
	return live.Guest.UploadTar(ctx, containerDst, overwrite, hostSrc)
}

// CopyOut forces live-state init, then streams a tar of containerSrc from
// the guest into dst. Callers should be aware that files materialized
// under a tmpfs mount inside the guest are not visible to this path (§6's
// documented limitation).
func (b *BoxImpl) CopyOut(ctx context.Context, containerSrc string, dst io.Writer, opts CopyOptions) error {
	live, err := b.forceInit(ctx)
	if err != nil {
		return err
	}
	return live.Guest.DownloadTar(ctx, containerSrc, opts.IncludeParent, opts.FollowSymlinks, dst)
}

// BoxMetrics combines the live VMM sample with the per-box counters.
type BoxMetrics struct {
	metrics.BoxSnapshot
	CPUPercent  *float32
	MemoryBytes *uint64
}

// Metrics combines VMM-sourced CPU/memory with the per-box counters; it
// returns zeroed VMM fields if the box has no live state.
func (b *BoxImpl) Metrics() BoxMetrics {
	m := BoxMetrics{BoxSnapshot: b.metricsStore.Snapshot()}
	live := b.live.peek()
	if live == nil || live.VMM == nil {
		return m
	}
	sample, err := live.VMM.Metrics()
	if err != nil {
		return m
	}
	m.CPUPercent = sample.CPUPercent
	m.MemoryBytes = sample.MemoryBytes
	return m
}

// Stop is idempotent: an early no-op if already Stopped. It cancels the
// token, best-effort shuts down the guest then the VMM, deletes shim.pid,
// persists Stopped, invalidates the runtime's cache entries by id AND
// name, and cascades to Runtime.remove if auto_remove was set.
func (b *BoxImpl) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state.Status == Stopped {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.cancel()

	if live := b.live.peek(); live != nil {
		if err := live.Close(ctx); err != nil {
			slog.Warn("boxlite.BoxImpl.Stop: live state teardown error", "box", b.cfg.ID, "error", err)
		}
		b.live.clear()
	}

	if err := removePIDFile(b.runtime.layout, b.cfg.ID); err != nil {
		slog.Warn("boxlite.BoxImpl.Stop: remove pidfile", "box", b.cfg.ID, "error", err)
	}

	b.mu.Lock()
	_ = b.state.Transition(Stopped)
	stateCopy := b.state
	b.mu.Unlock()

	if err := b.runtime.persist(b.cfg.ID, stateCopy); err != nil {
		if KindOf(err) != ErrNotFound {
			return err
		}
		// Concurrent remove raced us to the DB row; treat as success (§7).
	}

	b.runtime.metrics.IncBoxesStopped()
	b.runtime.invalidate(b.cfg.ID, b.cfg.Name)

	if b.cfg.Options.AutoRemove {
		if err := b.runtime.Remove(ctx, string(b.cfg.ID), false); err != nil && KindOf(err) != ErrNotFound {
			return err
		}
	}

	return nil
}
