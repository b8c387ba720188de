package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "boxlite.sqlite"))
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetBoxByID(t *testing.T) {
	s := openTestStore(t)

	row := BoxRow{
		ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		ConfigJSON: `{"image":"alpine"}`,
		StateJSON:  `{"status":"configured"}`,
		CreatedAt:  time.Now(),
	}
	assert.NilError(t, s.AddBox(row))

	got, err := s.GetByIDOrName(row.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.ID, row.ID)
	assert.Equal(t, got.ConfigJSON, row.ConfigJSON)
}

func TestGetByNamePrefersNameOverID(t *testing.T) {
	s := openTestStore(t)
	row := BoxRow{
		ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Name:       nullString("dev"),
		ConfigJSON: "{}",
		StateJSON:  "{}",
		CreatedAt:  time.Now(),
	}
	assert.NilError(t, s.AddBox(row))

	got, err := s.GetByIDOrName("dev")
	assert.NilError(t, err)
	assert.Equal(t, got.ID, row.ID)
}

func TestGetByIDPrefixAmbiguous(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{
		"01ARZ3NDEKTSV4RRFFQ69G5FA1",
		"01ARZ3NDEKTSV4RRFFQ69G5FA2",
	} {
		assert.NilError(t, s.AddBox(BoxRow{ID: id, ConfigJSON: "{}", StateJSON: "{}", CreatedAt: time.Now()}))
	}

	_, err := s.GetByIDOrName("01ARZ3NDEKTS")
	assert.Equal(t, err, ErrAmbiguousPrefix)
}

func TestRemoveBoxIdempotent(t *testing.T) {
	s := openTestStore(t)
	row := BoxRow{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", ConfigJSON: "{}", StateJSON: "{}", CreatedAt: time.Now()}
	assert.NilError(t, s.AddBox(row))
	assert.NilError(t, s.RemoveBox(row.ID))
	assert.Equal(t, s.RemoveBox(row.ID), ErrNotFound)
}

func TestImageIndexUpsertAndList(t *testing.T) {
	s := openTestStore(t)
	img := ImageRow{
		Reference:      "alpine:latest",
		ManifestDigest: "sha256:aaa",
		ConfigDigest:   "sha256:bbb",
		LayersJSON:     `["sha256:ccc"]`,
		CachedAt:       time.Now(),
		Complete:       false,
	}
	assert.NilError(t, s.UpsertImage(img))

	img.Complete = true
	assert.NilError(t, s.UpsertImage(img))

	got, err := s.GetImage(img.Reference)
	assert.NilError(t, err)
	assert.Equal(t, got.Complete, true)

	list, err := s.ListImages()
	assert.NilError(t, err)
	assert.Equal(t, len(list), 1)
}

func TestAllocateLockIDStable(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.AllocateLockID("/home/boxes/abc/shim.pid")
	assert.NilError(t, err)
	id2, err := s.AllocateLockID("/home/boxes/abc/shim.pid")
	assert.NilError(t, err)
	assert.Equal(t, id1, id2)

	path, err := s.LockPath(id1)
	assert.NilError(t, err)
	assert.Equal(t, path, "/home/boxes/abc/shim.pid")
}
