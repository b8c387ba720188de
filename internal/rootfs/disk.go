package rootfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// DiskSpec describes a request to wrap an already-assembled merged/overlay
// rootfs directory into a block device image for virtio-blk attachment.
type DiskSpec struct {
	SourceDir string
	DiskPath  string
	Format    DiskFormat
	SizeMiB   int64
}

// DiskFormat matches the original runtime's disk image format enum.
type DiskFormat string

const (
	DiskRaw   DiskFormat = "raw"
	DiskQcow2 DiskFormat = "qcow2"
)

// AssembleDiskImage builds a block device image at spec.DiskPath from the
// directory tree at spec.SourceDir, by shelling out to mkfs.ext4 against a
// preallocated sparse file (raw) or qemu-img (qcow2) the same way
// VmmController shells out to its subprocess — no pack library wraps
// filesystem image creation, so this follows the teacher's
// exec.CommandContext idiom rather than reimplementing a filesystem
// formatter.
func AssembleDiskImage(ctx context.Context, spec DiskSpec) (Result, error) {
	if spec.SizeMiB <= 0 {
		return Result{}, fmt.Errorf("rootfs: disk image size must be positive")
	}

	f, err := os.Create(spec.DiskPath)
	if err != nil {
		return Result{}, fmt.Errorf("rootfs: create disk image %s: %w", spec.DiskPath, err)
	}
	if err := f.Truncate(spec.SizeMiB * 1024 * 1024); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("rootfs: truncate disk image %s: %w", spec.DiskPath, err)
	}
	f.Close()

	rawPath := spec.DiskPath
	if spec.Format == DiskQcow2 {
		rawPath = spec.DiskPath + ".raw"
		if err := os.Rename(spec.DiskPath, rawPath); err != nil {
			return Result{}, fmt.Errorf("rootfs: stage raw image: %w", err)
		}
	}

	if out, err := exec.CommandContext(ctx, "mkfs.ext4", "-d", spec.SourceDir, "-F", rawPath).CombinedOutput(); err != nil {
		return Result{}, fmt.Errorf("rootfs: mkfs.ext4 %s: %w: %s", rawPath, err, out)
	}

	if spec.Format == DiskQcow2 {
		if out, err := exec.CommandContext(ctx, "qemu-img", "convert", "-f", "raw", "-O", "qcow2", rawPath, spec.DiskPath).CombinedOutput(); err != nil {
			return Result{}, fmt.Errorf("rootfs: qemu-img convert: %w: %s", err, out)
		}
		os.Remove(rawPath)
	}

	return Result{Strategy: StrategyDiskImage, RootPath: spec.DiskPath}, nil
}

func (f DiskFormat) AsArg() string { return string(f) }
