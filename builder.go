package boxlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/suryatmodulus/boxlite/internal/guest"
	"github.com/suryatmodulus/boxlite/internal/imagestore"
	"github.com/suryatmodulus/boxlite/internal/layout"
	"github.com/suryatmodulus/boxlite/internal/pipeline"
	"github.com/suryatmodulus/boxlite/internal/rootfs"
	"github.com/suryatmodulus/boxlite/internal/vmm"
	"github.com/suryatmodulus/boxlite/internal/wire"
)

// Builder is C9 BoxBuilder: it composes C1–C7 into the three execution
// plans first-start/restart/reattach describe in §4.9, selecting one by
// the box's status on entry.
type Builder struct {
	Layout     layout.Layout
	Images     *imagestore.Store
	Registries []string
	ShimPath   string
}

// Build runs the plan appropriate to state.Status and returns the
// resulting LiveState, or an error leaving the box's on-disk state
// untouched (the caller persists the transition only after Build
// succeeds).
func (b *Builder) Build(ctx context.Context, cfg BoxConfig, state BoxState) (*LiveState, error) {
	switch state.Status {
	case Running:
		return b.reattach(ctx, cfg)
	case Stopped:
		return b.start(ctx, cfg, true)
	case Configured:
		return b.start(ctx, cfg, false)
	default:
		return nil, InvalidStatef("Builder.Build", "cannot build from status %s", state.Status)
	}
}

// reattach constructs a controller from the existing shim.pid, skipping
// filesystem/rootfs/init stages entirely; the guest is already serving.
func (b *Builder) reattach(ctx context.Context, cfg BoxConfig) (*LiveState, error) {
	pidPath, err := b.Layout.PIDFilePath(string(cfg.ID))
	if err != nil {
		return nil, Wrap(ErrStorage, "Builder.reattach", err)
	}
	ctrl, err := vmm.Reattach(b.ShimPath, pidPath)
	if err != nil {
		return nil, Enginef("Builder.reattach", "reattach shim: %v", err)
	}

	endpoint := guestEndpoint(cfg)
	session, err := guest.Connect(ctx, endpoint)
	if err != nil {
		_ = ctrl.Stop()
		return nil, Guestf("Builder.reattach", "connect to already-running guest: %v", err)
	}

	return &LiveState{VMM: ctrl, Guest: session, ContainerID: string(cfg.Container.ID)}, nil
}

// start runs the first-start or restart plan. Both plans run the same
// stages; restart is passed to assembleContainerRootfs but does not change
// what it does, so a restart also resolves the reference, calls Pull and
// fetches the image config. rootfs.Assemble keeps an existing overlay
// upper/ directory, so prior writes survive a restart. GuestInit runs on
// every start because the guest process itself is fresh.
func (b *Builder) start(ctx context.Context, cfg BoxConfig, restart bool) (*LiveState, error) {
	var (
		assembled   rootfs.Result
		imageConfig imageEntrypoint
		ctrl        *vmm.Controller
		session     *guest.Session
	)

	pl := pipeline.New("box-build",
		pipeline.Stage{
			Name: "filesystem",
			Run: func(ctx context.Context) error {
				return b.Layout.EnsureBoxDirs(string(cfg.ID), string(cfg.Container.ID))
			},
		},
		pipeline.ParallelGroup{
			Name: "rootfs",
			Stages: []pipeline.Stage{
				{
					Name: "container-rootfs",
					Run: func(ctx context.Context) error {
						res, ep, err := b.assembleContainerRootfs(ctx, cfg, restart)
						if err != nil {
							return err
						}
						assembled = res
						imageConfig = ep
						return nil
					},
					Cleanup: func(ctx context.Context) error {
						return rootfs.Teardown(assembled)
					},
				},
				{
					Name: "guest-rootfs",
					Run: func(ctx context.Context) error {
						return b.prepareGuestRootfs(cfg)
					},
				},
			},
		},
		pipeline.Stage{
			Name: "vmm-spawn",
			Run: func(ctx context.Context) error {
				c, err := b.spawnVMM(ctx, cfg, assembled)
				if err != nil {
					return err
				}
				ctrl = c
				return nil
			},
			Cleanup: func(ctx context.Context) error {
				return ctrl.Stop()
			},
		},
		pipeline.Stage{
			Name: "guest-connect",
			Run: func(ctx context.Context) error {
				s, err := b.connectGuest(ctx, cfg, ctrl)
				if err != nil {
					return err
				}
				session = s
				return nil
			},
			Cleanup: func(ctx context.Context) error {
				return session.Close()
			},
		},
		pipeline.Stage{
			Name: "guest-init",
			Run: func(ctx context.Context) error {
				return b.initGuest(ctx, cfg, assembled, session, imageConfig)
			},
		},
	)

	_, err := pl.Run(ctx)
	if err != nil {
		return nil, Enginef("Builder.start", "build pipeline: %v", err)
	}

	return &LiveState{
		VMM:         ctrl,
		Guest:       session,
		RootfsKind:  assembled.Strategy,
		ContainerID: string(cfg.Container.ID),
	}, nil
}

type imageEntrypoint struct {
	env        []string
	entrypoint []string
	cmd        []string
	workingDir string
}

func (b *Builder) assembleContainerRootfs(ctx context.Context, cfg BoxConfig, restart bool) (rootfs.Result, imageEntrypoint, error) {
	resolved, err := b.Images.Resolve(ctx, cfg.Container.ImageRef, b.Registries)
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrImage, "assembleContainerRootfs", err)
	}

	cached, err := b.Images.Pull(ctx, resolved)
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrImage, "assembleContainerRootfs", err)
	}

	cfgFile, err := b.Images.ImageConfig(ctx, resolved)
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrImage, "assembleContainerRootfs", err)
	}

	layerDirs, err := b.Images.LayerDirs(cached)
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrStorage, "assembleContainerRootfs", err)
	}

	upper, work, merged, err := b.Layout.OverlayDirs(string(cfg.ID), string(cfg.Container.ID))
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrStorage, "assembleContainerRootfs", err)
	}

	result, err := rootfs.Assemble(rootfs.Spec{LayerDirs: layerDirs, Upper: upper, Work: work, Merged: merged})
	if err != nil {
		return rootfs.Result{}, imageEntrypoint{}, Wrap(ErrStorage, "assembleContainerRootfs", err)
	}

	ep := imageEntrypoint{workingDir: cfg.Options.WorkingDir}
	if cfgFile != nil {
		ep.env = cfgFile.Config.Env
		ep.entrypoint = cfgFile.Config.Entrypoint
		ep.cmd = cfgFile.Config.Cmd
		if ep.workingDir == "" {
			ep.workingDir = cfgFile.Config.WorkingDir
		}
	}
	return result, ep, nil
}

// prepareGuestRootfs ensures the guest-side init rootfs/kernel asset this
// engine needs is in place. BoxLite does not ship real kernel/initrd
// assets in this build (see DESIGN.md Open Question #2); this stage only
// checks that cfg.Options.RootfsPath, when set, names an existing path,
// and does nothing for a box without one.
func (b *Builder) prepareGuestRootfs(cfg BoxConfig) error {
	if cfg.Options.RootfsPath == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Options.RootfsPath); err != nil {
		return Wrap(ErrConfig, "prepareGuestRootfs", fmt.Errorf("guest init rootfs %s: %w", cfg.Options.RootfsPath, err))
	}
	return nil
}

func (b *Builder) spawnVMM(ctx context.Context, cfg BoxConfig, assembled rootfs.Result) (*vmm.Controller, error) {
	pidPath, err := b.Layout.PIDFilePath(string(cfg.ID))
	if err != nil {
		return nil, Wrap(ErrStorage, "spawnVMM", err)
	}

	transport := transportSpec(cfg)
	readyTransport := readyTransportSpec(cfg)

	consoleLog, err := b.Layout.ConsoleLogPath(string(cfg.ID))
	if err != nil {
		return nil, Wrap(ErrStorage, "spawnVMM", err)
	}

	spec := vmm.InstanceSpec{
		CPUs:      uint8(cfg.Options.CPUs),
		MemoryMiB: uint32(cfg.Options.MemoryMiB),
		BlockDevices: []vmm.BlockDevice{
			{BlockID: "rootfs", DiskPath: assembled.RootPath, Format: vmm.DiskRaw},
		},
		GuestEntrypoint:        vmm.Entrypoint{Executable: "/sbin/boxlite-guest-agent"},
		Transport:              transport,
		ReadyTransport:         readyTransport,
		InitRootfsKind:         string(assembled.Strategy),
		InitRootfsPath:         assembled.RootPath,
		HomeDir:                cfg.BoxHome,
		ConsoleOutput:          consoleLog,
		Detach:                 cfg.Options.Detach,
	}

	ctrl := vmm.New(b.ShimPath, pidPath)
	if err := ctrl.Start(ctx, spec); err != nil {
		return nil, Enginef("spawnVMM", "%v", err)
	}
	return ctrl, nil
}

func (b *Builder) connectGuest(ctx context.Context, cfg BoxConfig, ctrl *vmm.Controller) (*guest.Session, error) {
	listener := readyListener(cfg)
	isAlive := func() bool { return ctrl.IsRunning() }

	if err := guest.WaitReady(ctx, listener, isAlive); err != nil {
		return nil, Guestf("connectGuest", "%v", err)
	}

	endpoint := guestEndpoint(cfg)
	session, err := guest.Connect(ctx, endpoint)
	if err != nil {
		return nil, Guestf("connectGuest", "%v", err)
	}
	return session, nil
}

func (b *Builder) initGuest(ctx context.Context, cfg BoxConfig, assembled rootfs.Result, session *guest.Session, ep imageEntrypoint) error {
	var volumes []wire.VolumeInit
	for i, v := range cfg.Options.Volumes {
		volumes = append(volumes, wire.VolumeInit{
			HostTag:   fmt.Sprintf("vol%d", i),
			GuestPath: v.GuestPath,
			ReadOnly:  v.ReadOnly,
		})
	}

	initReq := wire.GuestInitRequest{
		Volumes: volumes,
		Rootfs:  wire.RootfsInit{Kind: wire.RootfsKind(assembled.Strategy), Path: assembled.RootPath},
	}
	if err := session.Init(ctx, initReq); err != nil {
		return err
	}

	env := make([]string, 0, len(cfg.Options.Env))
	for _, e := range cfg.Options.Env {
		env = append(env, e.Key+"="+e.Value)
	}

	containerReq := wire.ContainerInitRequest{
		ContainerID: string(cfg.Container.ID),
		Env:         env,
		Entrypoint:  ep.entrypoint,
		Cmd:         ep.cmd,
		WorkingDir:  ep.workingDir,
	}
	if err := session.ContainerInit(ctx, containerReq); err != nil {
		return err
	}
	if err := session.ContainerStart(ctx, string(cfg.Container.ID)); err != nil {
		return err
	}

	slog.Info("boxlite.builder: guest initialized", "box", cfg.ID, "rootfs", assembled.Strategy)
	return nil
}

func transportSpec(cfg BoxConfig) vmm.TransportSpec {
	if cfg.Transport.Kind == TransportVsock {
		return vmm.TransportSpec{Kind: "vsock", VsockCID: cfg.Transport.VsockCID, VsockPort: cfg.Transport.VsockPort}
	}
	return vmm.TransportSpec{Kind: "unix", UnixPath: cfg.Transport.UnixPath}
}

func readyTransportSpec(cfg BoxConfig) vmm.TransportSpec {
	return vmm.TransportSpec{Kind: "unix", UnixPath: cfg.ReadySocketPath}
}

func guestEndpoint(cfg BoxConfig) guest.Endpoint {
	if cfg.Transport.Kind == TransportVsock {
		return guest.Endpoint{Kind: guest.Vsock, VsockCID: cfg.Transport.VsockCID, VsockPort: cfg.Transport.VsockPort}
	}
	return guest.Endpoint{Kind: guest.Unix, UnixPath: cfg.Transport.UnixPath}
}

func readyListener(cfg BoxConfig) guest.ReadyListener {
	return guest.ReadyListener{Kind: guest.Unix, UnixPath: cfg.ReadySocketPath}
}
