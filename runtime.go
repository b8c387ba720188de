package boxlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/suryatmodulus/boxlite/internal/imagestore"
	"github.com/suryatmodulus/boxlite/internal/layout"
	"github.com/suryatmodulus/boxlite/internal/lockmgr"
	"github.com/suryatmodulus/boxlite/internal/metrics"
	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/internal/telemetry"
)

// Runtime is C11: the top-level object. It owns Layout/Database/
// LockManager/ImageStore, the runtime-wide cancellation token, runtime
// metrics, and the by-id/by-name BoxImpl caches.
type Runtime struct {
	layout layout.Layout
	db     *store.Store
	locks  *lockmgr.Manager
	images *imagestore.Store
	builder *Builder

	registries []string

	metrics   *metrics.RuntimeStorage
	telemetry *telemetry.Provider

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	byID   map[BoxID]*BoxImpl
	byName map[string]BoxID
}

// RuntimeOptions configures Open.
type RuntimeOptions struct {
	Home       string
	Registries []string
	ShimPath   string

	// TraceEndpoint, if set, is the OTLP/gRPC collector address stage
	// spans (C8) are exported to. Empty disables tracing entirely.
	TraceEndpoint string
}

// Open wires up every C1-C7 component against home and returns a ready
// Runtime. This is the composition root box.go's BoxImpl/Builder only
// reference through narrow interfaces.
func Open(opts RuntimeOptions) (*Runtime, error) {
	lay := layout.Layout{Home: opts.Home}
	if err := lay.EnsureHome(); err != nil {
		return nil, Wrap(ErrStorage, "Open", err)
	}

	db, err := store.Open(lay.DBPath())
	if err != nil {
		return nil, Wrap(ErrDatabase, "Open", err)
	}

	lockManager := lockmgr.New(db)
	images := imagestore.New(storeImageIndex{db: db}, lay)

	ctx, cancel := context.WithCancel(context.Background())

	trace, err := telemetry.Init(ctx, opts.TraceEndpoint)
	if err != nil {
		cancel()
		return nil, Wrap(ErrConfig, "Open", err)
	}

	rt := &Runtime{
		layout:     lay,
		db:         db,
		locks:      lockManager,
		images:     images,
		registries: opts.Registries,
		metrics:    metrics.NewRuntimeStorage(),
		telemetry:  trace,
		ctx:        ctx,
		cancel:     cancel,
		byID:       make(map[BoxID]*BoxImpl),
		byName:     make(map[string]BoxID),
	}
	rt.builder = &Builder{Layout: lay, Images: images, Registries: opts.Registries, ShimPath: opts.ShimPath}
	return rt, nil
}

// Create implements §4.11's create(): validate, allocate ids, reject a
// live duplicate name, allocate a lock, persist BoxConfig+BoxState, cache,
// and return a LiteBox.
func (rt *Runtime) Create(ctx context.Context, opts BoxOptions, name string) (*LiteBox, error) {
	select {
	case <-rt.ctx.Done():
		return nil, Stoppedf("Runtime.Create", "runtime is shutting down")
	default:
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := materializeAnonymousVolumes(rt.layout, &opts); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if name != "" {
		if _, exists := rt.byName[name]; exists {
			rt.mu.Unlock()
			return nil, AlreadyExistsf("Runtime.Create", "name %q is already in use", name)
		}
	}
	rt.mu.Unlock()

	boxID, err := NewBoxID()
	if err != nil {
		return nil, err
	}
	containerID, err := NewContainerID()
	if err != nil {
		return nil, err
	}

	if err := rt.layout.EnsureBoxDirs(string(boxID), string(containerID)); err != nil {
		return nil, Wrap(ErrStorage, "Runtime.Create", err)
	}
	lockPath, err := rt.layout.LockFilePath(string(boxID))
	if err != nil {
		return nil, Wrap(ErrStorage, "Runtime.Create", err)
	}
	lockID, err := rt.locks.Allocate(lockPath)
	if err != nil {
		return nil, Wrap(ErrDatabase, "Runtime.Create", err)
	}
	readySocket, err := rt.layout.ReadySocketPath(string(boxID))
	if err != nil {
		return nil, Wrap(ErrStorage, "Runtime.Create", err)
	}
	grpcSocket, err := rt.layout.GRPCSocketPath(string(boxID))
	if err != nil {
		return nil, Wrap(ErrStorage, "Runtime.Create", err)
	}
	boxDir, err := rt.layout.BoxDir(string(boxID))
	if err != nil {
		return nil, Wrap(ErrStorage, "Runtime.Create", err)
	}

	cfg := BoxConfig{
		ID:        boxID,
		Name:      name,
		CreatedAt: time.Now(),
		Container: ContainerRuntimeConfig{ID: containerID, ImageRef: opts.ImageRef, RootfsPath: opts.RootfsPath},
		Options:   opts,
		EngineKind: VmmLibkrun,
		Transport:  Transport{Kind: TransportUnix, UnixPath: grpcSocket},
		BoxHome:         boxDir,
		ReadySocketPath: readySocket,
	}
	state := BoxState{Status: Configured, LastUpdated: time.Now(), LockID: &lockID}

	if err := rt.persistNew(cfg, state); err != nil {
		return nil, err
	}

	impl := newBoxImpl(rt, rt.builder, cfg, state)

	rt.mu.Lock()
	rt.byID[boxID] = impl
	if name != "" {
		rt.byName[name] = boxID
	}
	rt.mu.Unlock()

	rt.metrics.IncBoxesCreated()
	return &LiteBox{impl: impl}, nil
}

// Get resolves id_or_name as: exact name, exact id, else an id prefix of
// at least 12 characters, returning a fresh LiteBox sharing the cached
// BoxImpl. A crashed box (status Running but shim.pid's process is dead)
// is resolved to Stopped here, per the PID-file-is-truth contract.
func (rt *Runtime) Get(ctx context.Context, idOrName string) (*LiteBox, error) {
	rt.mu.Lock()
	if id, ok := rt.byName[idOrName]; ok {
		if impl, ok := rt.byID[id]; ok {
			rt.mu.Unlock()
			return &LiteBox{impl: impl}, nil
		}
	}
	if impl, ok := rt.byID[BoxID(idOrName)]; ok {
		rt.mu.Unlock()
		return &LiteBox{impl: impl}, nil
	}
	rt.mu.Unlock()

	row, err := rt.db.GetByIDOrName(idOrName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundf("Runtime.Get", "no box matches %q", idOrName)
		}
		if errors.Is(err, store.ErrAmbiguousPrefix) {
			return nil, InvalidStatef("Runtime.Get", "id prefix %q is ambiguous", idOrName)
		}
		return nil, Wrap(ErrDatabase, "Runtime.Get", err)
	}

	cfg, state, err := decodeBoxRow(row)
	if err != nil {
		return nil, err
	}

	state = rt.resolveCrashRecovery(cfg, state)

	impl := newBoxImpl(rt, rt.builder, cfg, state)
	rt.mu.Lock()
	rt.byID[cfg.ID] = impl
	if cfg.Name != "" {
		rt.byName[cfg.Name] = cfg.ID
	}
	rt.mu.Unlock()
	return &LiteBox{impl: impl}, nil
}

// resolveCrashRecovery checks shim.pid liveness for a box persisted as
// Running; Unknown always resolves to Stopped on the next read (§4.10).
func (rt *Runtime) resolveCrashRecovery(cfg BoxConfig, state BoxState) BoxState {
	if state.Status != Running {
		return state
	}
	pidPath, err := rt.layout.PIDFilePath(string(cfg.ID))
	if err != nil {
		return state
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		state.Status = Unknown
		state.ResolveUnknown()
		_ = rt.persist(cfg.ID, state)
		return state
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || !processAlive(pid) {
		state.Status = Unknown
		state.ResolveUnknown()
		_ = rt.persist(cfg.ID, state)
		slog.Warn("boxlite.Runtime: crash recovery found a dead shim", "box", cfg.ID)
	}
	return state
}

// ListInfo and GetInfo are read-only; they never initialize live state.
func (rt *Runtime) ListInfo() ([]BoxInfo, error) {
	rows, err := rt.db.ListBoxes()
	if err != nil {
		return nil, Wrap(ErrDatabase, "Runtime.ListInfo", err)
	}
	out := make([]BoxInfo, 0, len(rows))
	for _, row := range rows {
		cfg, state, err := decodeBoxRow(row)
		if err != nil {
			continue
		}
		out = append(out, BoxInfo{ID: cfg.ID, Name: cfg.Name, Status: state.Status, Config: cfg})
	}
	return out, nil
}

func (rt *Runtime) GetInfo(idOrName string) (BoxInfo, error) {
	row, err := rt.db.GetByIDOrName(idOrName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BoxInfo{}, NotFoundf("Runtime.GetInfo", "no box matches %q", idOrName)
		}
		return BoxInfo{}, Wrap(ErrDatabase, "Runtime.GetInfo", err)
	}
	cfg, state, err := decodeBoxRow(row)
	if err != nil {
		return BoxInfo{}, err
	}
	return BoxInfo{ID: cfg.ID, Name: cfg.Name, Status: state.Status, Config: cfg}, nil
}

// Remove deletes a box's row, cache entries, and per-box directory. A
// running box is rejected unless force, in which case it is stopped
// first.
func (rt *Runtime) Remove(ctx context.Context, idOrName string, force bool) error {
	box, err := rt.Get(ctx, idOrName)
	if err != nil {
		return err
	}

	info := box.impl.Info()
	if info.Status == Running {
		if !force {
			return InvalidStatef("Runtime.Remove", "box %s is running; use force to stop and remove", info.ID)
		}
		if err := box.impl.Stop(ctx); err != nil {
			return err
		}
	}

	if err := rt.db.RemoveBox(string(info.ID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundf("Runtime.Remove", "box %s no longer exists", info.ID)
		}
		return Wrap(ErrDatabase, "Runtime.Remove", err)
	}

	rt.invalidate(info.ID, info.Name)

	if boxDir, err := rt.layout.BoxDir(string(info.ID)); err == nil {
		_ = os.RemoveAll(boxDir)
	}
	return nil
}

// Shutdown cancels the runtime token (propagating to every per-box
// token), stops every running box concurrently bounded by timeout
// (0 = 10s default, negative = infinite), and leaves the runtime refusing
// further Create calls.
func (rt *Runtime) Shutdown(timeout time.Duration) error {
	rt.mu.Lock()
	cached := make([]*BoxImpl, 0, len(rt.byID))
	for _, impl := range rt.byID {
		cached = append(cached, impl)
	}
	rt.mu.Unlock()

	// Pick the boxes to stop before cancelling the runtime token, since that
	// cancels every per-box token as well.
	impls := make([]*BoxImpl, 0, len(cached))
	for _, impl := range cached {
		if !impl.cancelled() && impl.Info().Status == Running {
			impls = append(impls, impl)
		}
	}

	rt.cancel()

	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(impls))
	for i, impl := range impls {
		wg.Add(1)
		go func(i int, impl *BoxImpl) {
			defer wg.Done()
			errs[i] = impl.Stop(ctx)
		}(i, impl)
	}
	wg.Wait()

	if err := rt.telemetry.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	return joinErrs(errs)
}

// persist writes state for an existing box (used by BoxImpl transitions).
func (rt *Runtime) persist(id BoxID, state BoxState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return Wrap(ErrInternal, "Runtime.persist", err)
	}
	if err := rt.db.SaveBox(string(id), string(stateJSON)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundf("Runtime.persist", "box %s no longer exists", id)
		}
		return Wrap(ErrDatabase, "Runtime.persist", err)
	}
	return nil
}

// persistNew inserts the initial row for a freshly created box.
func (rt *Runtime) persistNew(cfg BoxConfig, state BoxState) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Wrap(ErrInternal, "Runtime.persistNew", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return Wrap(ErrInternal, "Runtime.persistNew", err)
	}

	row := store.BoxRow{ID: string(cfg.ID), ConfigJSON: string(cfgJSON), StateJSON: string(stateJSON), CreatedAt: cfg.CreatedAt}
	if cfg.Name != "" {
		row.Name.String, row.Name.Valid = cfg.Name, true
	}
	if err := rt.db.AddBox(row); err != nil {
		return Wrap(ErrDatabase, "Runtime.persistNew", err)
	}
	return nil
}

// invalidate removes both cache entries for a box; dropping the id
// without the name (or vice versa) is forbidden by §5's cache
// consistency rule.
func (rt *Runtime) invalidate(id BoxID, name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.byID, id)
	if name != "" {
		delete(rt.byName, name)
	}
}

func decodeBoxRow(row store.BoxRow) (BoxConfig, BoxState, error) {
	var cfg BoxConfig
	if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
		return BoxConfig{}, BoxState{}, Wrap(ErrInternal, "decodeBoxRow", err)
	}
	var state BoxState
	if err := json.Unmarshal([]byte(row.StateJSON), &state); err != nil {
		return BoxConfig{}, BoxState{}, Wrap(ErrInternal, "decodeBoxRow", err)
	}
	return cfg, state, nil
}

// materializeAnonymousVolumes assigns a host directory under
// volumes/anonymous/<ulid>/ to each anonymous volume mount and creates it
// on disk before the VM spec is built (§9: "concrete by the time it
// reaches the shim").
func materializeAnonymousVolumes(lay layout.Layout, opts *BoxOptions) error {
	for i, v := range opts.Volumes {
		if !v.Anonymous {
			continue
		}
		volID, err := NewBoxID()
		if err != nil {
			return err
		}
		dir, err := lay.AnonymousVolumeDir(string(volID))
		if err != nil {
			return Wrap(ErrStorage, "materializeAnonymousVolumes", err)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return Wrap(ErrStorage, "materializeAnonymousVolumes", err)
		}
		opts.Volumes[i].HostPath = dir
		opts.Volumes[i].AnonymousID = string(volID)
	}
	return nil
}

// removePIDFile deletes shim.pid once a box's VMM has stopped.
func removePIDFile(lay layout.Layout, id BoxID) error {
	path, err := lay.PIDFilePath(string(id))
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// processAlive checks liveness the same way crash recovery and VmmController
// do: kill(pid, 0).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
