// Package rootfs is C5 RootfsAssembler: builds a writable container rootfs
// from a stack of extracted image layers, via overlayfs (Linux), a merged
// copy (portable fallback), or a wrapped disk image.
package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

// Strategy names the assembly approach selected by OS + options.
type Strategy string

const (
	StrategyOverlay     Strategy = "overlay"
	StrategyMergedCopy   Strategy = "merged_copy"
	StrategyDiskImage    Strategy = "disk_image"
)

// Spec describes one assembly request.
type Spec struct {
	// LayerDirs are extracted lower-dir paths in OCI base-first order;
	// the assembler mounts/copies them lowest-first so later layers win.
	LayerDirs []string
	Upper     string
	Work      string
	Merged    string
}

// Result reports what was actually produced.
type Result struct {
	Strategy Strategy
	RootPath string // the directory (or device, for disk image) the guest mounts as /
}

// overlaySupported reports whether this host's kernel advertises overlayfs,
// by checking /proc/filesystems the way a Linux host can and a macOS host
// cannot. Replaced in tests to force the merged-copy path deterministically.
var overlaySupported = func() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "overlay")
}

// Assemble selects Overlay when the kernel supports it, MergedCopy
// otherwise; it never produces DiskImage, which only AssembleDiskImage
// builds. Re-running Assemble on the
// same inputs is idempotent: an existing Upper dir (a restart reusing
// prior writes) is left untouched rather than recreated.
func Assemble(spec Spec) (Result, error) {
	if err := os.MkdirAll(spec.Upper, 0o750); err != nil {
		return Result{}, fmt.Errorf("rootfs: mkdir upper: %w", err)
	}
	if err := os.MkdirAll(spec.Work, 0o750); err != nil {
		return Result{}, fmt.Errorf("rootfs: mkdir work: %w", err)
	}
	if err := os.MkdirAll(spec.Merged, 0o750); err != nil {
		return Result{}, fmt.Errorf("rootfs: mkdir merged: %w", err)
	}

	if overlaySupported() {
		if err := mountOverlay(spec); err != nil {
			return Result{}, err
		}
		return Result{Strategy: StrategyOverlay, RootPath: spec.Merged}, nil
	}

	if err := mergedCopy(spec); err != nil {
		return Result{}, err
	}
	return Result{Strategy: StrategyMergedCopy, RootPath: spec.Merged}, nil
}

// mountOverlay issues the Linux overlay mount syscall directly; no pack
// library wraps mount(2), so this uses the stdlib syscall package the way
// container runtimes in the wild do.
func mountOverlay(spec Spec) error {
	if len(spec.LayerDirs) == 0 {
		return fmt.Errorf("rootfs: overlay requires at least one layer dir")
	}
	// overlayfs wants lowers ordered highest-priority-first; OCI layer
	// order is base-first (lowest priority first), so reverse it.
	reversed := make([]string, len(spec.LayerDirs))
	for i, d := range spec.LayerDirs {
		reversed[len(spec.LayerDirs)-1-i] = d
	}
	lowerdir := strings.Join(reversed, ":")

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, spec.Upper, spec.Work)
	if err := syscall.Mount("overlay", spec.Merged, "overlay", 0, opts); err != nil {
		return fmt.Errorf("rootfs: mount overlay at %s: %w", spec.Merged, err)
	}
	return nil
}

// Teardown unmounts an overlay assembled rootfs. No-op for merged-copy
// (nothing was mounted) or when called on an OS without overlay support.
func Teardown(result Result) error {
	if result.Strategy != StrategyOverlay {
		return nil
	}
	if err := syscall.Unmount(result.RootPath, 0); err != nil {
		return fmt.Errorf("rootfs: unmount %s: %w", result.RootPath, err)
	}
	return nil
}

// mergedCopy materializes every layer into spec.Merged in order, applying
// OCI whiteout conventions as it goes: ".wh.name" deletes "name" from the
// tree built so far, ".wh..wh..opq" (materialized by imagestore's
// extraction step as a zero-byte marker file) clears everything previously
// copied into that directory before continuing.
func mergedCopy(spec Spec) error {
	for _, layerDir := range spec.LayerDirs {
		if err := copyLayer(layerDir, spec.Merged); err != nil {
			return fmt.Errorf("rootfs: merge layer %s: %w", layerDir, err)
		}
	}
	return nil
}

func copyLayer(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		target := filepath.Join(dst, rel)
		base := d.Name()

		if base == ".wh..wh..opq" {
			return clearDir(filepath.Dir(target))
		}
		if strings.HasPrefix(base, ".wh.") {
			return os.RemoveAll(filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, ".wh.")))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
