// Package vmm is C6 VmmController: spawns and supervises the shim
// subprocess that hosts the actual microVM engine (libkrun/Firecracker),
// and reattaches to one left running by a previous host process.
package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Kind selects which engine the shim is expected to load.
type Kind string

const (
	Libkrun     Kind = "libkrun"
	Firecracker Kind = "firecracker"
)

// ParseKind mirrors the original runtime's case-insensitive engine parsing.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "libkrun":
		return Libkrun, nil
	case "firecracker":
		return Firecracker, nil
	default:
		return "", fmt.Errorf("vmm: unknown engine type %q, supported: libkrun, firecracker", s)
	}
}

// FsShare is a virtiofs share from host to guest.
type FsShare struct {
	Tag      string `json:"tag"`
	HostPath string `json:"host_path"`
	ReadOnly bool   `json:"read_only"`
}

// DiskFormat is a block device's on-disk format.
type DiskFormat string

const (
	DiskRaw   DiskFormat = "raw"
	DiskQcow2 DiskFormat = "qcow2"
)

// BlockDevice is a virtio-blk attachment; the guest sees it as /dev/<BlockID>.
type BlockDevice struct {
	BlockID  string     `json:"block_id"`
	DiskPath string     `json:"disk_path"`
	ReadOnly bool       `json:"read_only"`
	Format   DiskFormat `json:"format"`
}

// Entrypoint is the guest agent binary the shim should execute once the VM
// boots.
type Entrypoint struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	Env        [][2]string `json:"env"`
}

// TransportSpec addresses a host-listening endpoint the guest dials into,
// serialized for the shim subprocess.
type TransportSpec struct {
	Kind     string `json:"kind"` // "unix" | "vsock"
	UnixPath string `json:"unix_path,omitempty"`
	VsockCID uint32 `json:"vsock_cid,omitempty"`
	VsockPort uint32 `json:"vsock_port,omitempty"`
}

// InstanceSpec is the full serialized configuration handed to the shim on
// stdin, matching the original runtime's vmm::InstanceSpec field-for-field.
type InstanceSpec struct {
	CPUs      uint8  `json:"cpus,omitempty"`
	MemoryMiB uint32 `json:"memory_mib,omitempty"`

	FsShares     []FsShare     `json:"fs_shares"`
	BlockDevices []BlockDevice `json:"block_devices"`

	GuestEntrypoint Entrypoint `json:"guest_entrypoint"`

	Transport      TransportSpec `json:"transport"`
	ReadyTransport TransportSpec `json:"ready_transport"`

	InitRootfsKind string `json:"init_rootfs_kind"` // "overlay" | "merged_copy" | "disk_image"
	InitRootfsPath string `json:"init_rootfs_path"`

	NetworkBackendEndpoint string `json:"network_backend_endpoint,omitempty"`

	HomeDir       string `json:"home_dir"`
	ConsoleOutput string `json:"console_output,omitempty"`

	Detach bool `json:"detach"`
}

// Metrics are the raw process-level samples a controller surfaces.
type Metrics struct {
	CPUPercent  *float32
	MemoryBytes *uint64
	DiskBytes   *uint64
}

// Controller is C6's VmmController contract: a process-isolated supervisor
// for one box's shim subprocess.
type Controller struct {
	shimPath  string
	pidPath   string
	pid       int
	cmd       *exec.Cmd // nil when reattached
	console   *lumberjack.Logger

	lastSample  *sample
}

type sample struct {
	at      time.Time
	cpuTime time.Duration
}

// New returns a Controller for the shim binary at shimPath, recording its
// PID at pidPath once spawned.
func New(shimPath, pidPath string) *Controller {
	return &Controller{shimPath: shimPath, pidPath: pidPath}
}

// Start serializes spec to JSON on the shim's stdin (argv carries only the
// --config-stdin flag), execs the shim, then reads pidPath to learn the supervised PID — the shim writes
// its own PID to that file in a pre-exec hook before loading the VMM, so
// the file exists as soon as Start returns success even if this process
// later dies before observing it again.
func (c *Controller) Start(ctx context.Context, spec InstanceSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("vmm: marshal instance spec: %w", err)
	}

	os.Remove(c.pidPath)

	cmd := exec.CommandContext(ctx, c.shimPath, "--config-stdin")
	cmd.Stdin = bytesReader(payload)
	if spec.ConsoleOutput != "" {
		c.console = &lumberjack.Logger{
			Filename:   spec.ConsoleOutput,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		cmd.Stdout = c.console
		cmd.Stderr = c.console
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("vmm: start shim: %w", err)
	}
	c.cmd = cmd

	pid, err := waitForPIDFile(ctx, c.pidPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("vmm: shim did not write pid file: %w", err)
	}
	c.pid = pid
	return nil
}

// Reattach constructs a controller from an existing shim.pid; no Child
// handle is retained, matching the spec's reattach contract (waitpid+kill
// by pid only).
func Reattach(shimPath, pidPath string) (*Controller, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return nil, fmt.Errorf("vmm: reattach: %w", err)
	}
	c := &Controller{shimPath: shimPath, pidPath: pidPath, pid: pid}
	if !c.IsRunning() {
		return nil, fmt.Errorf("vmm: reattach: pid %d from %s is not alive", pid, pidPath)
	}
	return c, nil
}

// Stop sends SIGTERM, polls for exit up to 2000ms, then SIGKILL and reaps.
// Works whether or not a Child handle is held (first-start vs reattach).
func (c *Controller) Stop() error {
	if c.pid == 0 {
		return nil
	}
	if err := syscall.Kill(c.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("vmm: SIGTERM pid %d: %w", c.pid, err)
	}

	deadline := time.Now().Add(2000 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !c.IsRunning() {
			c.reap()
			os.Remove(c.pidPath)
			c.closeConsole()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(c.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("vmm: SIGKILL pid %d: %w", c.pid, err)
	}
	c.reap()
	os.Remove(c.pidPath)
	c.closeConsole()
	return nil
}

func (c *Controller) reap() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.cmd.Wait()
}

func (c *Controller) closeConsole() {
	if c.console != nil {
		c.console.Close()
		c.console = nil
	}
}

// IsRunning checks liveness via kill(pid, 0).
func (c *Controller) IsRunning() bool {
	if c.pid == 0 {
		return false
	}
	return syscall.Kill(c.pid, 0) == nil
}

// PID returns the supervised shim PID, or 0 if never started/reattached.
func (c *Controller) PID() int { return c.pid }

// Metrics samples CPU% and RSS from /proc/<pid>/stat and /proc/<pid>/status.
// CPU% requires two samples to compute a delta; the first call after Start
// or Reattach returns nil CPUPercent.
func (c *Controller) Metrics() (Metrics, error) {
	if !c.IsRunning() {
		return Metrics{}, fmt.Errorf("vmm: pid %d not running", c.pid)
	}

	cpuTime, err := readProcCPUTime(c.pid)
	if err != nil {
		return Metrics{}, fmt.Errorf("vmm: read cpu time: %w", err)
	}
	rss, err := readProcRSS(c.pid)
	if err != nil {
		return Metrics{}, fmt.Errorf("vmm: read rss: %w", err)
	}

	m := Metrics{MemoryBytes: &rss}
	now := time.Now()
	if c.lastSample != nil {
		elapsed := now.Sub(c.lastSample.at).Seconds()
		if elapsed > 0 {
			deltaCPU := (cpuTime - c.lastSample.cpuTime).Seconds()
			pct := float32(deltaCPU / elapsed * 100)
			m.CPUPercent = &pct
		}
	}
	c.lastSample = &sample{at: now, cpuTime: cpuTime}
	return m, nil
}

func waitForPIDFile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if pid, err := readPIDFile(path); err == nil {
			return pid, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out after %s waiting for %s", timeout, path)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(trimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\t' || b == '\r' }
