// Package store is C2 Database: the single-process SQLite-backed table
// store for box config/state, the image index, and lock ids.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by reads that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrAmbiguousPrefix is returned by GetByIDOrName when an id prefix matches
// more than one row.
var ErrAmbiguousPrefix = errors.New("store: ambiguous id prefix")

// Store wraps a sqlite connection. One Store per boxlite home directory.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path, enables WAL
// for concurrent readers, and applies embedded migrations via
// golang-migrate's iofs source driver. golang-migrate's own sqlite3
// database.Driver requires the CGO mattn/go-sqlite3 bindings, which this
// module avoids in favor of the pure-Go modernc.org/sqlite, so migrations
// are walked through iofs's source.Driver and applied directly over
// database/sql rather than through migrate.Migrate's Run — see DESIGN.md.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	defer src.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	version, err := src.First()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: iterate migrations: %w", err)
	}

	for {
		applied, err := migrationApplied(db, version)
		if err != nil {
			return err
		}
		if !applied {
			if err := runMigration(db, src, version); err != nil {
				return err
			}
		}

		next, err := src.Next(version)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return fmt.Errorf("store: iterate migrations: %w", err)
		}
		version = next
	}
	return nil
}

func migrationApplied(db *sql.DB, version uint) (bool, error) {
	var v uint
	err := db.QueryRow(`SELECT version FROM schema_migrations WHERE version = ?`, version).Scan(&v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("store: check migration %d: %w", version, err)
	}
}

func runMigration(db *sql.DB, src source.Driver, version uint) error {
	r, _, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("store: read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("store: read migration %d body: %w", version, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migration %d: %w", version, err)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: apply migration %d: %w", version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, version); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error { return s.db.Close() }

// BoxRow is the raw persisted shape of a box: config_json and state_json
// are opaque blobs the caller (root package) knows how to marshal/unmarshal
// into BoxConfig/BoxState; Store never interprets their contents.
type BoxRow struct {
	ID         string
	Name       sql.NullString
	ConfigJSON string
	StateJSON  string
	CreatedAt  time.Time
}

// AddBox inserts a new box row. Fails with a unique-constraint error if the
// name is already taken by a live row.
func (s *Store) AddBox(row BoxRow) error {
	_, err := s.db.Exec(
		`INSERT INTO boxes(id, name, config_json, state_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, nullableString(row.Name), row.ConfigJSON, row.StateJSON, row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: add box %s: %w", row.ID, err)
	}
	return nil
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

// SaveBox updates an existing row's mutable state_json, leaving
// config_json untouched (config is immutable after create).
func (s *Store) SaveBox(id, stateJSON string) error {
	res, err := s.db.Exec(`UPDATE boxes SET state_json = ? WHERE id = ?`, stateJSON, id)
	if err != nil {
		return fmt.Errorf("store: save box %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: save box %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: save box %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetByIDOrName resolves s as: exact name, exact id, or id prefix (only
// attempted when len(s) >= 12, per §4.2).
func (s *Store) GetByIDOrName(ref string) (BoxRow, error) {
	row, err := s.queryOneBox(`SELECT id, name, config_json, state_json, created_at FROM boxes WHERE name = ?`, ref)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return BoxRow{}, err
	}

	row, err = s.queryOneBox(`SELECT id, name, config_json, state_json, created_at FROM boxes WHERE id = ?`, ref)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return BoxRow{}, err
	}

	if len(ref) < 12 {
		return BoxRow{}, ErrNotFound
	}

	rows, err := s.db.Query(
		`SELECT id, name, config_json, state_json, created_at FROM boxes WHERE id LIKE ? || '%'`, ref)
	if err != nil {
		return BoxRow{}, fmt.Errorf("store: prefix lookup %s: %w", ref, err)
	}
	defer rows.Close()

	var matches []BoxRow
	for rows.Next() {
		r, err := scanBoxRow(rows)
		if err != nil {
			return BoxRow{}, err
		}
		matches = append(matches, r)
	}
	switch len(matches) {
	case 0:
		return BoxRow{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return BoxRow{}, ErrAmbiguousPrefix
	}
}

func (s *Store) queryOneBox(query, arg string) (BoxRow, error) {
	row := s.db.QueryRow(query, arg)
	r, err := scanBoxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BoxRow{}, ErrNotFound
	}
	if err != nil {
		return BoxRow{}, fmt.Errorf("store: query box: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBoxRow(r rowScanner) (BoxRow, error) {
	var row BoxRow
	var createdAt string
	if err := r.Scan(&row.ID, &row.Name, &row.ConfigJSON, &row.StateJSON, &createdAt); err != nil {
		return BoxRow{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return BoxRow{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	row.CreatedAt = t
	return row, nil
}

// ListBoxes returns every row, unordered beyond SQLite's natural rowid order.
func (s *Store) ListBoxes() ([]BoxRow, error) {
	rows, err := s.db.Query(`SELECT id, name, config_json, state_json, created_at FROM boxes`)
	if err != nil {
		return nil, fmt.Errorf("store: list boxes: %w", err)
	}
	defer rows.Close()

	var out []BoxRow
	for rows.Next() {
		r, err := scanBoxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveBox deletes a box row by id. Returns ErrNotFound if no row matched.
func (s *Store) RemoveBox(id string) error {
	res, err := s.db.Exec(`DELETE FROM boxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: remove box %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove box %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ImageRow is the raw persisted shape of CachedImage.
type ImageRow struct {
	Reference      string
	ManifestDigest string
	ConfigDigest   string
	LayersJSON     string
	CachedAt       time.Time
	Complete       bool
}

// UpsertImage inserts or replaces an image_index row.
func (s *Store) UpsertImage(row ImageRow) error {
	_, err := s.db.Exec(
		`INSERT INTO image_index(reference, manifest_digest, config_digest, layers_json, cached_at, complete)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reference) DO UPDATE SET
		   manifest_digest=excluded.manifest_digest,
		   config_digest=excluded.config_digest,
		   layers_json=excluded.layers_json,
		   cached_at=excluded.cached_at,
		   complete=excluded.complete`,
		row.Reference, row.ManifestDigest, row.ConfigDigest, row.LayersJSON,
		row.CachedAt.Format(time.RFC3339Nano), boolToInt(row.Complete),
	)
	if err != nil {
		return fmt.Errorf("store: upsert image %s: %w", row.Reference, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetImage reads a single image_index row by reference.
func (s *Store) GetImage(reference string) (ImageRow, error) {
	var row ImageRow
	var cachedAt string
	var complete int
	err := s.db.QueryRow(
		`SELECT reference, manifest_digest, config_digest, layers_json, cached_at, complete
		 FROM image_index WHERE reference = ?`, reference,
	).Scan(&row.Reference, &row.ManifestDigest, &row.ConfigDigest, &row.LayersJSON, &cachedAt, &complete)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRow{}, ErrNotFound
	}
	if err != nil {
		return ImageRow{}, fmt.Errorf("store: get image %s: %w", reference, err)
	}
	t, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return ImageRow{}, fmt.Errorf("store: parse cached_at: %w", err)
	}
	row.CachedAt = t
	row.Complete = complete != 0
	return row, nil
}

// ListImages returns every cached image ordered most-recently-cached first.
func (s *Store) ListImages() ([]ImageRow, error) {
	rows, err := s.db.Query(
		`SELECT reference, manifest_digest, config_digest, layers_json, cached_at, complete
		 FROM image_index ORDER BY cached_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list images: %w", err)
	}
	defer rows.Close()

	var out []ImageRow
	for rows.Next() {
		var row ImageRow
		var cachedAt string
		var complete int
		if err := rows.Scan(&row.Reference, &row.ManifestDigest, &row.ConfigDigest, &row.LayersJSON, &cachedAt, &complete); err != nil {
			return nil, fmt.Errorf("store: scan image row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, cachedAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse cached_at: %w", err)
		}
		row.CachedAt = t
		row.Complete = complete != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// RemoveImage deletes an image_index row by reference.
func (s *Store) RemoveImage(reference string) error {
	_, err := s.db.Exec(`DELETE FROM image_index WHERE reference = ?`, reference)
	if err != nil {
		return fmt.Errorf("store: remove image %s: %w", reference, err)
	}
	return nil
}

// AllocateLockID inserts a locks row for path if none exists and returns
// the path's id; the same path always yields the same id.
func (s *Store) AllocateLockID(path string) (uint64, error) {
	if _, err := s.db.Exec(`INSERT INTO locks(path) VALUES (?) ON CONFLICT(path) DO UPDATE SET path=excluded.path`, path); err != nil {
		return 0, fmt.Errorf("store: allocate lock for %s: %w", path, err)
	}
	// Read the id back: on the ON CONFLICT path sqlite inserts no row, so
	// LastInsertId would report the connection's previous insert instead.
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM locks WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: reread lock for %s: %w", path, err)
	}
	return uint64(id), nil
}

// LockPath resolves a lock id back to its path.
func (s *Store) LockPath(id uint64) (string, error) {
	var path string
	err := s.db.QueryRow(`SELECT path FROM locks WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lock path for %d: %w", id, err)
	}
	return path, nil
}

// MarshalJSON and UnmarshalJSON convert values to and from the JSON text
// stored in BoxRow's opaque config/state blobs, wrapping errors with the
// store: prefix. The root package marshals its blobs with encoding/json
// directly.
func MarshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal: %w", err)
	}
	return string(b), nil
}

func UnmarshalJSON(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("store: unmarshal: %w", err)
	}
	return nil
}
