package boxlite

import (
	"context"
	"testing"
)

func openTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(RuntimeOptions{Home: t.TempDir(), ShimPath: "/bin/true"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown(0) })
	return rt
}

func TestCreateThenGetByIDAndName(t *testing.T) {
	rt := openTestRuntime(t)

	box, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "web")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if box.Info().Status != Configured {
		t.Fatalf("newly created box status = %s, want %s", box.Info().Status, Configured)
	}

	byID, err := rt.Get(context.Background(), string(box.ID()))
	if err != nil {
		t.Fatalf("Get by id: %v", err)
	}
	if byID.ID() != box.ID() {
		t.Fatalf("Get by id returned a different box")
	}

	byName, err := rt.Get(context.Background(), "web")
	if err != nil {
		t.Fatalf("Get by name: %v", err)
	}
	if byName.ID() != box.ID() {
		t.Fatalf("Get by name returned a different box")
	}
}

func TestGetByIDPrefix(t *testing.T) {
	rt := openTestRuntime(t)

	box, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	prefix := string(box.ID())[:12]
	got, err := rt.Get(context.Background(), prefix)
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ID() != box.ID() {
		t.Fatalf("Get by prefix returned a different box")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	rt := openTestRuntime(t)

	if _, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "dup"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "dup"); err == nil {
		t.Fatalf("second Create with same name should fail")
	} else if KindOf(err) != ErrAlreadyExists {
		t.Fatalf("KindOf(err) = %s, want %s", KindOf(err), ErrAlreadyExists)
	}
}

func TestCreateRejectsInvalidOptions(t *testing.T) {
	rt := openTestRuntime(t)
	if _, err := rt.Create(context.Background(), BoxOptions{}, ""); err == nil {
		t.Fatalf("Create with no ImageRef/RootfsPath should fail")
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	rt := openTestRuntime(t)
	if _, err := rt.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("Get of unknown id/name should fail")
	} else if KindOf(err) != ErrNotFound {
		t.Fatalf("KindOf(err) = %s, want %s", KindOf(err), ErrNotFound)
	}
}

func TestListInfoReflectsCreatedBoxes(t *testing.T) {
	rt := openTestRuntime(t)

	if _, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "a"); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "b"); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	infos, err := rt.ListInfo()
	if err != nil {
		t.Fatalf("ListInfo: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
}

func TestRemoveConfiguredBoxWithoutForce(t *testing.T) {
	rt := openTestRuntime(t)

	box, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "gone")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := rt.Remove(context.Background(), string(box.ID()), false); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := rt.Get(context.Background(), string(box.ID())); err == nil {
		t.Fatalf("Get after Remove should fail")
	} else if KindOf(err) != ErrNotFound {
		t.Fatalf("KindOf(err) = %s, want %s", KindOf(err), ErrNotFound)
	}

	infos, err := rt.ListInfo()
	if err != nil {
		t.Fatalf("ListInfo: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("ListInfo after Remove = %d entries, want 0", len(infos))
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt := openTestRuntime(t)
	if err := rt.Shutdown(0); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := rt.Shutdown(0); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
