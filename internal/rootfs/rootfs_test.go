package rootfs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMergedCopyLayersInOrder(t *testing.T) {
	base := t.TempDir()
	lower1 := filepath.Join(base, "layer1")
	lower2 := filepath.Join(base, "layer2")
	writeFile(t, filepath.Join(lower1, "etc", "hostname"), "base\n")
	writeFile(t, filepath.Join(lower2, "etc", "hostname"), "override\n")

	merged := filepath.Join(base, "merged")
	if err := mergedCopy(Spec{LayerDirs: []string{lower1, lower2}, Merged: merged}); err != nil {
		t.Fatalf("mergedCopy: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(merged, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "override\n" {
		t.Fatalf("got %q, want override (later layer wins)", got)
	}
}

func TestMergedCopyAppliesWhiteout(t *testing.T) {
	base := t.TempDir()
	lower1 := filepath.Join(base, "layer1")
	lower2 := filepath.Join(base, "layer2")
	writeFile(t, filepath.Join(lower1, "data", "keep.txt"), "keep")
	writeFile(t, filepath.Join(lower2, "data", ".wh.keep.txt"), "")

	merged := filepath.Join(base, "merged")
	if err := mergedCopy(Spec{LayerDirs: []string{lower1, lower2}, Merged: merged}); err != nil {
		t.Fatalf("mergedCopy: %v", err)
	}

	if _, err := os.Stat(filepath.Join(merged, "data", "keep.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected keep.txt removed by whiteout, stat err = %v", err)
	}
}

func TestAssembleCreatesDirTriad(t *testing.T) {
	old := overlaySupported
	overlaySupported = func() bool { return false }
	defer func() { overlaySupported = old }()

	base := t.TempDir()
	spec := Spec{
		Upper:  filepath.Join(base, "upper"),
		Work:   filepath.Join(base, "work"),
		Merged: filepath.Join(base, "merged"),
	}
	result, err := Assemble(spec)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if result.RootPath != spec.Merged {
		t.Fatalf("RootPath = %s, want %s", result.RootPath, spec.Merged)
	}
	for _, d := range []string{spec.Upper, spec.Work, spec.Merged} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Fatalf("expected dir %s to exist", d)
		}
	}
}
