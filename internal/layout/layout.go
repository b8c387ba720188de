// Package layout computes the deterministic on-disk path scheme BoxLite uses
// for its home directory, per-box bundles, and the shared image cache.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxSocketPathLen is a conservative sun_path budget; real limits are
// 104 (BSD/macOS) to 108 (Linux) bytes including the trailing NUL.
const maxSocketPathLen = 100

var validID = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// ErrInvalidID is returned by any Layout method given an id containing path
// separators, "..", or non-printable characters.
var ErrInvalidID = fmt.Errorf("layout: invalid id")

// Layout is a pure function from a home directory plus ids to paths. It
// performs no I/O beyond the Ensure* helpers.
type Layout struct {
	Home string
}

// New returns a Layout rooted at home. home is not created; call
// EnsureHome for that.
func New(home string) Layout {
	return Layout{Home: home}
}

func checkID(id string) error {
	if id == "" || !validID.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// EnsureHome creates the home directory tree if missing.
func (l Layout) EnsureHome() error {
	for _, dir := range []string{
		l.Home,
		l.DBDir(),
		l.ImagesBlobDir(),
		l.ImagesLayerDir(),
		l.BoxesDir(),
		filepath.Join(l.Home, "volumes", "anonymous"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("layout: ensure home: %w", err)
		}
	}
	return nil
}

// DBDir is {home}/db.
func (l Layout) DBDir() string { return filepath.Join(l.Home, "db") }

// DBPath is {home}/db/boxlite.sqlite.
func (l Layout) DBPath() string { return filepath.Join(l.DBDir(), "boxlite.sqlite") }

// ImagesDir is {home}/images.
func (l Layout) ImagesDir() string { return filepath.Join(l.Home, "images") }

// ImagesBlobDir is {home}/images/blobs/sha256.
func (l Layout) ImagesBlobDir() string { return filepath.Join(l.ImagesDir(), "blobs", "sha256") }

// BlobPath returns the path to a content-addressed layer tarball given its
// "sha256:<hex>" digest string.
func (l Layout) BlobPath(digest string) (string, error) {
	hex, err := digestHex(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.ImagesBlobDir(), hex), nil
}

// ImagesLayerDir is {home}/images/layers.
func (l Layout) ImagesLayerDir() string { return filepath.Join(l.ImagesDir(), "layers") }

// LayerDir returns the extracted lower-dir path for a layer digest.
func (l Layout) LayerDir(digest string) (string, error) {
	hex, err := digestHex(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.ImagesLayerDir(), hex), nil
}

func digestHex(digest string) (string, error) {
	hex, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || hex == "" || strings.ContainsAny(hex, "/.\x00") {
		return "", fmt.Errorf("layout: invalid digest %q", digest)
	}
	return hex, nil
}

// BoxesDir is {home}/boxes.
func (l Layout) BoxesDir() string { return filepath.Join(l.Home, "boxes") }

// BoxDir is {home}/boxes/<id>.
func (l Layout) BoxDir(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(l.BoxesDir(), id), nil
}

// ConfigPath is the optional cached copy of a box's config.json.
func (l Layout) ConfigPath(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// PIDFilePath is {home}/boxes/<id>/shim.pid, the single source of truth for
// a running VM's supervised PID.
func (l Layout) PIDFilePath(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shim.pid"), nil
}

// LockFilePath is {home}/boxes/<id>/box.lock, the path LockManager registers
// a lock id against.
func (l Layout) LockFilePath(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "box.lock"), nil
}

// DiskPath is {home}/boxes/<id>/root.qcow2, used by the disk-image rootfs
// strategy.
func (l Layout) DiskPath(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "root.qcow2"), nil
}

// MergedRootfsDir is {home}/boxes/<id>/rootfs, used by the merged-copy
// strategy and as the overlay mount target.
func (l Layout) MergedRootfsDir(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "rootfs"), nil
}

// ContainerMountDir is {home}/boxes/<id>/mounts/containers/<cid>.
func (l Layout) ContainerMountDir(id, cid string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	if err := checkID(cid); err != nil {
		return "", err
	}
	return filepath.Join(dir, "mounts", "containers", cid), nil
}

// OverlayDirs returns the upper/work/merged triad for a box's container.
func (l Layout) OverlayDirs(id, cid string) (upper, work, merged string, err error) {
	base, err := l.ContainerMountDir(id, cid)
	if err != nil {
		return "", "", "", err
	}
	return filepath.Join(base, "overlayfs", "upper"),
		filepath.Join(base, "overlayfs", "work"),
		filepath.Join(base, "rootfs"),
		nil
}

// AnonymousVolumeDir is {home}/volumes/anonymous/<volID>.
func (l Layout) AnonymousVolumeDir(volID string) (string, error) {
	if err := checkID(volID); err != nil {
		return "", err
	}
	return filepath.Join(l.Home, "volumes", "anonymous", volID), nil
}

// shortSocketRoot is used when the natural path under home would overflow
// the Unix-socket path length limit.
func shortSocketRoot() string {
	return filepath.Join(os.TempDir(), "bl")
}

// socketDir returns the directory that should hold a box's sockets,
// preferring the home-rooted path but falling back to a short prefix under
// the OS temp dir when that would overflow sun_path.
func (l Layout) socketDir(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	natural := filepath.Join(dir, "sockets")
	if len(filepath.Join(natural, "grpc.sock")) <= maxSocketPathLen {
		return natural, nil
	}
	short := filepath.Join(shortSocketRoot(), id)
	return short, nil
}

// GRPCSocketPath is the guest RPC Unix-domain socket.
func (l Layout) GRPCSocketPath(id string) (string, error) {
	dir, err := l.socketDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "grpc.sock"), nil
}

// ReadySocketPath is the ready-notification Unix-domain socket the host
// listens on before spawning the VMM.
func (l Layout) ReadySocketPath(id string) (string, error) {
	dir, err := l.socketDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ready.sock"), nil
}

// ConsoleLogPath is where the shim redirects guest kernel/init console
// output.
func (l Layout) ConsoleLogPath(id string) (string, error) {
	dir, err := l.BoxDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "console.log"), nil
}

// EnsureBoxDirs creates the per-box directory tree (the filesystem stage of
// BoxBuilder's first-start plan).
func (l Layout) EnsureBoxDirs(id, cid string) error {
	dir, err := l.BoxDir(id)
	if err != nil {
		return err
	}
	upper, work, _, err := l.OverlayDirs(id, cid)
	if err != nil {
		return err
	}
	sockDir, err := l.socketDir(id)
	if err != nil {
		return err
	}
	for _, d := range []string{dir, upper, work, sockDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("layout: ensure box dirs: %w", err)
		}
	}
	return nil
}
