package boxlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suryatmodulus/boxlite/internal/guest"
	"gotest.tools/v3/assert"
)

func TestTransportSpecSelectsByKind(t *testing.T) {
	unix := BoxConfig{Transport: Transport{Kind: TransportUnix, UnixPath: "/tmp/box.sock"}}
	spec := transportSpec(unix)
	assert.Equal(t, spec.Kind, "unix")
	assert.Equal(t, spec.UnixPath, "/tmp/box.sock")

	vsock := BoxConfig{Transport: Transport{Kind: TransportVsock, VsockCID: 3, VsockPort: 1024}}
	spec = transportSpec(vsock)
	assert.Equal(t, spec.Kind, "vsock")
	assert.Equal(t, spec.VsockCID, uint32(3))
	assert.Equal(t, spec.VsockPort, uint32(1024))
}

func TestGuestEndpointMatchesTransportKind(t *testing.T) {
	unix := BoxConfig{Transport: Transport{Kind: TransportUnix, UnixPath: "/tmp/box.sock"}}
	ep := guestEndpoint(unix)
	assert.Equal(t, ep.Kind, guest.Unix)
	assert.Equal(t, ep.UnixPath, "/tmp/box.sock")

	vsock := BoxConfig{Transport: Transport{Kind: TransportVsock, VsockCID: 3, VsockPort: 1024}}
	ep = guestEndpoint(vsock)
	assert.Equal(t, ep.VsockCID, uint32(3))
	assert.Equal(t, ep.VsockPort, uint32(1024))
}

func TestReadyTransportAndListenerUseReadySocketPath(t *testing.T) {
	cfg := BoxConfig{ReadySocketPath: "/tmp/box.ready.sock"}
	assert.Equal(t, readyTransportSpec(cfg).UnixPath, "/tmp/box.ready.sock")
	assert.Equal(t, readyListener(cfg).UnixPath, "/tmp/box.ready.sock")
}

func TestPrepareGuestRootfsSkippedWhenUnset(t *testing.T) {
	b := &Builder{}
	assert.NilError(t, b.prepareGuestRootfs(BoxConfig{}))
}

func TestPrepareGuestRootfsValidatesPathExists(t *testing.T) {
	b := &Builder{}
	dir := t.TempDir()

	missing := BoxConfig{Options: BoxOptions{RootfsPath: filepath.Join(dir, "missing.img")}}
	err := b.prepareGuestRootfs(missing)
	if err == nil {
		t.Fatalf("expected error for nonexistent rootfs path")
	}

	present := filepath.Join(dir, "present.img")
	assert.NilError(t, os.WriteFile(present, []byte("x"), 0o644))
	assert.NilError(t, b.prepareGuestRootfs(BoxConfig{Options: BoxOptions{RootfsPath: present}}))
}
