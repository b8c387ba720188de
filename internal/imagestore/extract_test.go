package imagestore

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTestTar(t *testing.T, entries map[string]string, whiteouts []string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for _, wh := range whiteouts {
		hdr := &tar.Header{Name: wh, Mode: 0o644, Size: 0}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader whiteout: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "layer.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestExtractTarBasic(t *testing.T) {
	blob := writeTestTar(t, map[string]string{
		"etc/hostname": "box\n",
		"bin/true":     "\x7fELF",
	}, nil)

	dest := filepath.Join(t.TempDir(), "extracted")
	if err := extractTarWithWhiteouts(context.Background(), blob, dest); err != nil {
		t.Fatalf("extractTarWithWhiteouts: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "box\n" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractTarAppliesWhiteout(t *testing.T) {
	lower := writeTestTar(t, map[string]string{"a/keep.txt": "keep"}, nil)
	destLower := filepath.Join(t.TempDir(), "lower")
	if err := extractTarWithWhiteouts(context.Background(), lower, destLower); err != nil {
		t.Fatalf("extract lower: %v", err)
	}

	upper := writeTestTar(t, map[string]string{"a/keep.txt": "keep", "a/new.txt": "new"}, []string{"a/.wh.keep.txt"})
	destUpper := filepath.Join(t.TempDir(), "upper")
	if err := extractTarWithWhiteouts(context.Background(), upper, destUpper); err != nil {
		t.Fatalf("extract upper: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destUpper, "a", "keep.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected keep.txt absent from whiteout layer, stat err = %v", err)
	}
}

func TestExtractTarOpaqueMarker(t *testing.T) {
	blob := writeTestTar(t, map[string]string{"dir/file.txt": "x"}, []string{"dir/.wh..wh..opq"})
	dest := filepath.Join(t.TempDir(), "extracted")
	if err := extractTarWithWhiteouts(context.Background(), blob, dest); err != nil {
		t.Fatalf("extractTarWithWhiteouts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "dir", ".wh..wh..opq")); err != nil {
		t.Fatalf("expected opaque marker file, got err %v", err)
	}
}

func TestVerifyDigestDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err := verifyDigest(path, "sha256:deadbeef")
	if err != nil {
		t.Fatalf("verifyDigest: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch to be detected")
	}
}
