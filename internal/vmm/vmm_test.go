package vmm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeStubShim writes a shell script that writes its own PID to pidPath
// (embedded in the script text) then sleeps, mimicking the pre-exec PID-write hook the real
// shim performs before loading the VMM.
func writeStubShim(t *testing.T, pidPath string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
echo $$ > %q
sleep 30
`, pidPath)
	path := filepath.Join(t.TempDir(), "stub-shim.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub shim: %v", err)
	}
	return path
}

func TestStartReadsPIDFileAndStop(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "shim.pid")
	shim := writeStubShim(t, pidPath)

	c := New(shim, pidPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx, InstanceSpec{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.PID() == 0 {
		t.Fatalf("expected nonzero pid")
	}
	if !c.IsRunning() {
		t.Fatalf("expected shim to be running")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.IsRunning() {
		t.Fatalf("expected shim to be stopped")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after stop")
	}
}

func TestStartRedirectsConsoleOutputToLumberjack(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "shim.pid")
	consolePath := filepath.Join(dir, "console.log")

	script := fmt.Sprintf(`#!/bin/sh
echo $$ > %q
echo hello-from-shim
sleep 30
`, pidPath)
	shim := filepath.Join(dir, "stub-shim-console.sh")
	if err := os.WriteFile(shim, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub shim: %v", err)
	}

	c := New(shim, pidPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx, InstanceSpec{ConsoleOutput: consolePath}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(consolePath); err == nil && len(data) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected shim output to appear in %s", consolePath)
}

func TestReattachFromExistingPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "shim.pid")
	shim := writeStubShim(t, pidPath)

	c := New(shim, pidPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx, InstanceSpec{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	reattached, err := Reattach(shim, pidPath)
	if err != nil {
		t.Fatalf("Reattach: %v", err)
	}
	if reattached.PID() != c.PID() {
		t.Fatalf("reattached pid %d != original %d", reattached.PID(), c.PID())
	}
	if !reattached.IsRunning() {
		t.Fatalf("expected reattached controller to see the process running")
	}
}

func TestReattachFailsWhenProcessDead(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "shim.pid")
	if err := os.WriteFile(pidPath, []byte("999999"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if _, err := Reattach("/bin/true", pidPath); err == nil {
		t.Fatalf("expected Reattach to fail for a dead pid")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"libkrun": Libkrun, "Firecracker": Firecracker}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseKind("qemu"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
