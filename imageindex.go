package boxlite

import (
	"github.com/suryatmodulus/boxlite/internal/imagestore"
	"github.com/suryatmodulus/boxlite/internal/store"
)

// storeImageIndex adapts internal/store.Store's ImageRow shape to
// imagestore.Index's CachedImageRow, keeping imagestore's persistence
// contract independent of the database package it happens to be backed by.
type storeImageIndex struct {
	db *store.Store
}

func (a storeImageIndex) UpsertImage(row imagestore.CachedImageRow) error {
	return a.db.UpsertImage(store.ImageRow(row))
}

func (a storeImageIndex) GetImage(reference string) (imagestore.CachedImageRow, error) {
	row, err := a.db.GetImage(reference)
	if err != nil {
		return imagestore.CachedImageRow{}, err
	}
	return imagestore.CachedImageRow(row), nil
}

func (a storeImageIndex) ListImages() ([]imagestore.CachedImageRow, error) {
	rows, err := a.db.ListImages()
	if err != nil {
		return nil, err
	}
	out := make([]imagestore.CachedImageRow, len(rows))
	for i, r := range rows {
		out[i] = imagestore.CachedImageRow(r)
	}
	return out, nil
}

func (a storeImageIndex) RemoveImage(reference string) error {
	return a.db.RemoveImage(reference)
}
