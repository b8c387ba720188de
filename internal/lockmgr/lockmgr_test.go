package lockmgr

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestTryLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.lock")
	l1 := Retrieve(path)
	l2 := Retrieve(path)

	g1, err := l1.TryLock()
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	defer g1.Release()

	if _, err := l2.TryLock(); err != ErrWouldBlock {
		t.Fatalf("second TryLock = %v, want ErrWouldBlock", err)
	}

	if err := g1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	g3, err := l2.TryLock()
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	g3.Release()
}

func TestLockTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.lock")
	g1, err := Retrieve(path).TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer g1.Release()

	_, err = Retrieve(path).Lock(context.Background(), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Lock = %v, want ErrTimeout", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "box.lock")
	g, err := Retrieve(path).TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

type fakeIDStore struct {
	next  uint64
	paths map[uint64]string
	byPath map[string]uint64
}

func newFakeIDStore() *fakeIDStore {
	return &fakeIDStore{paths: map[uint64]string{}, byPath: map[string]uint64{}}
}

func (f *fakeIDStore) AllocateLockID(path string) (uint64, error) {
	if id, ok := f.byPath[path]; ok {
		return id, nil
	}
	f.next++
	f.paths[f.next] = path
	f.byPath[path] = f.next
	return f.next, nil
}

func (f *fakeIDStore) LockPath(id uint64) (string, error) {
	p, ok := f.paths[id]
	if !ok {
		return "", fmt.Errorf("no such id")
	}
	return p, nil
}

func TestManagerAllocateIsStable(t *testing.T) {
	m := New(newFakeIDStore())
	id1, err := m.Allocate("/boxes/a/shim.pid")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	id2, err := m.Allocate("/boxes/a/shim.pid")
	if err != nil {
		t.Fatalf("Allocate (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %d != %d", id1, id2)
	}

	l, err := m.Retrieve(id1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if l.Path() != "/boxes/a/shim.pid" {
		t.Fatalf("Path = %s", l.Path())
	}
}
