// Package imagestore is C4 ImageStore: the content-addressed layer/config/
// manifest cache, backed by go-containerregistry for registry access.
package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/singleflight"
)

// CachedImage mirrors the original runtime's db/images.rs row shape: a
// resolved manifest plus its layer digest list and completion flag.
// complete=false marks an in-progress pull; readers must skip incomplete
// entries for serving but may resume them.
type CachedImage struct {
	Reference      string
	ManifestDigest string
	ConfigDigest   string
	Layers         []string // sha256:<hex>, in OCI (base-first) order
	CachedAt       time.Time
	Complete       bool
}

// Index is the persistence contract ImageStore needs; internal/store.Store
// satisfies it through a thin adapter kept in the root package's wiring.
type Index interface {
	UpsertImage(ref CachedImageRow) error
	GetImage(reference string) (CachedImageRow, error)
	ListImages() ([]CachedImageRow, error)
	RemoveImage(reference string) error
}

// CachedImageRow is the flattened row shape Index stores/returns; this
// package converts to/from CachedImage via toRow/fromRow.
type CachedImageRow struct {
	Reference      string
	ManifestDigest string
	ConfigDigest   string
	LayersJSON     string
	CachedAt       time.Time
	Complete       bool
}

// PathProvider resolves content-addressed blob/layer paths; internal/layout.Layout
// satisfies it.
type PathProvider interface {
	BlobPath(digest string) (string, error)
	LayerDir(digest string) (string, error)
}

// Store is C4 ImageStore.
type Store struct {
	index Index
	paths PathProvider

	pullGroup    singleflight.Group
	extractGroup singleflight.Group

	// keychain is overridable in tests; defaults to authn.DefaultKeychain.
	keychain authn.Keychain
}

// New returns a Store backed by index for metadata and paths for on-disk
// blob/layer locations.
func New(index Index, paths PathProvider) *Store {
	return &Store{index: index, paths: paths, keychain: authn.DefaultKeychain}
}

// Resolve tries each registry in order against reference, returning the
// first canonical "image@sha256:..." form that resolves successfully.
// registries is tried highest-priority-first; an empty slice uses
// reference's own registry unchanged.
func (s *Store) Resolve(ctx context.Context, reference string, registries []string) (string, error) {
	candidates := []string{reference}
	if len(registries) > 0 {
		repoPath, err := repoPathOf(reference)
		if err != nil {
			return "", err
		}
		candidates = make([]string, 0, len(registries))
		for _, reg := range registries {
			candidates = append(candidates, reg+"/"+repoPath)
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		ref, err := name.ParseReference(candidate)
		if err != nil {
			lastErr = fmt.Errorf("imagestore: parse %s: %w", candidate, err)
			continue
		}
		desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(s.keychain))
		if err != nil {
			lastErr = fmt.Errorf("imagestore: resolve %s: %w", candidate, err)
			continue
		}
		return ref.Context().Name() + "@" + desc.Digest.String(), nil
	}
	return "", fmt.Errorf("imagestore: no registry resolved %s: %w", reference, lastErr)
}

func repoPathOf(reference string) (string, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return "", fmt.Errorf("imagestore: parse %s: %w", reference, err)
	}
	repo := ref.Context().RepositoryStr()
	if tagged, ok := ref.(name.Tag); ok {
		return repo + ":" + tagged.TagStr(), nil
	}
	if digested, ok := ref.(name.Digest); ok {
		return repo + "@" + digested.DigestStr(), nil
	}
	return repo, nil
}

// Pull fetches and indexes reference, idempotently. Concurrent pulls of the
// same reference coalesce into a single network fetch via singleflight;
// cross-process safety is the DB row's complete flag plus atomic
// extract-then-rename in EnsureLayers.
func (s *Store) Pull(ctx context.Context, reference string) (CachedImage, error) {
	v, err, _ := s.pullGroup.Do(reference, func() (any, error) {
		return s.pull(ctx, reference)
	})
	if err != nil {
		return CachedImage{}, err
	}
	return v.(CachedImage), nil
}

func (s *Store) pull(ctx context.Context, reference string) (CachedImage, error) {
	if existing, err := s.index.GetImage(reference); err == nil && existing.Complete {
		return fromRow(existing), nil
	}

	ref, err := name.ParseReference(reference)
	if err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: parse %s: %w", reference, err)
	}

	img, err := fetchWithRetry(ctx, ref, s.keychain)
	if err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: pull %s: %w", reference, err)
	}

	manifestDigest, err := img.Digest()
	if err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: manifest digest of %s: %w", reference, err)
	}
	configDigest, err := img.ConfigName()
	if err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: config digest of %s: %w", reference, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: layers of %s: %w", reference, err)
	}

	digests := make([]string, 0, len(layers))
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return CachedImage{}, fmt.Errorf("imagestore: layer digest: %w", err)
		}
		digests = append(digests, d.String())
	}

	ci := CachedImage{
		Reference:      reference,
		ManifestDigest: manifestDigest.String(),
		ConfigDigest:   configDigest.String(),
		Layers:         digests,
		CachedAt:       time.Now(),
		Complete:       false,
	}
	if err := s.index.UpsertImage(toRow(ci)); err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: index %s: %w", reference, err)
	}

	if err := s.ensureLayersFromImage(ctx, layers, digests); err != nil {
		return CachedImage{}, err
	}

	ci.Complete = true
	if err := s.index.UpsertImage(toRow(ci)); err != nil {
		return CachedImage{}, fmt.Errorf("imagestore: mark complete %s: %w", reference, err)
	}
	return ci, nil
}

// fetchWithRetry applies the spec's "registry-layer retries with
// exponential backoff, 3 attempts, surfaced as one error if all fail".
func fetchWithRetry(ctx context.Context, ref name.Reference, kc authn.Keychain) (v1.Image, error) {
	const attempts = 3
	var lastErr error
	backoff := 200 * time.Millisecond
	for i := 0; i < attempts; i++ {
		img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(kc))
		if err == nil {
			return img, nil
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// EnsureLayers fetches any of the given layer digests that are missing on
// disk, verifies their sha256, and extracts them atomically. digests must
// already be known to the store (normally called right after Pull, or
// again on restart to repair a partially-extracted cache).
func (s *Store) EnsureLayers(ctx context.Context, img v1.Image, digests []string) error {
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("imagestore: layers: %w", err)
	}
	return s.ensureLayersFromImage(ctx, layers, digests)
}

func (s *Store) ensureLayersFromImage(ctx context.Context, layers []v1.Layer, digests []string) error {
	for i, l := range layers {
		digest := digests[i]
		if _, err, _ := s.extractGroup.Do(digest, func() (any, error) {
			return nil, s.ensureOneLayer(ctx, l, digest)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureOneLayer(ctx context.Context, layer v1.Layer, digest string) error {
	dir, err := s.paths.LayerDir(digest)
	if err != nil {
		return fmt.Errorf("imagestore: layer dir for %s: %w", digest, err)
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return nil // already extracted
	}

	blobPath, err := s.paths.BlobPath(digest)
	if err != nil {
		return fmt.Errorf("imagestore: blob path for %s: %w", digest, err)
	}
	if err := s.ensureBlob(layer, digest, blobPath); err != nil {
		return err
	}

	return extractTarWithWhiteouts(ctx, blobPath, dir)
}

func (s *Store) ensureBlob(layer v1.Layer, digest, blobPath string) error {
	if _, err := os.Stat(blobPath); err == nil {
		if ok, verr := verifyDigest(blobPath, digest); verr == nil && ok {
			return nil
		}
		// corrupted: fall through and re-fetch rather than serve it.
	}

	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("imagestore: open layer %s: %w", digest, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(blobPath), 0o750); err != nil {
		return fmt.Errorf("imagestore: mkdir for blob %s: %w", digest, err)
	}
	tmp := blobPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("imagestore: create tmp blob %s: %w", digest, err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("imagestore: write blob %s: %w", digest, err)
	}
	f.Close()

	sum := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if sum != digest {
		os.Remove(tmp)
		return fmt.Errorf("imagestore: blob %s failed verification, got %s", digest, sum)
	}
	return os.Rename(tmp, blobPath)
}

func verifyDigest(path, digest string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return "sha256:"+hex.EncodeToString(h.Sum(nil)) == digest, nil
}

// extractTarWithWhiteouts extracts the gzip-or-plain tar at blobPath into a
// fresh directory, applying OCI whiteout conventions (".wh.name" deletes
// "name"; ".wh..wh..opq" marks the containing dir opaque for overlay lower
// merging, recorded as a zero-byte marker file of the same name so C5 can
// honor it). Extraction lands in a ".tmp" sibling then is renamed into
// place atomically.
func extractTarWithWhiteouts(ctx context.Context, blobPath, dest string) error {
	tmp := dest + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("imagestore: clean tmp extract dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return fmt.Errorf("imagestore: mkdir tmp extract dir: %w", err)
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("imagestore: open blob %s: %w", blobPath, err)
	}
	defer f.Close()

	var r io.Reader = f
	if gz, err := gzip.NewReader(f); err == nil {
		defer gz.Close()
		r = gz
	} else {
		f.Seek(0, io.SeekStart)
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(tmp)
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(tmp)
			return fmt.Errorf("imagestore: read tar entry: %w", err)
		}
		if err := applyTarEntry(tmp, hdr, tr); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("imagestore: rename extracted layer into place: %w", err)
	}
	return nil
}

func applyTarEntry(root string, hdr *tar.Header, r io.Reader) error {
	name := filepath.Clean(hdr.Name)
	dir, base := filepath.Split(name)

	if base == ".wh..wh..opq" {
		marker := filepath.Join(root, dir, ".wh..wh..opq")
		return os.WriteFile(marker, nil, 0o600)
	}
	if strings.HasPrefix(base, ".wh.") {
		target := filepath.Join(root, dir, strings.TrimPrefix(base, ".wh."))
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("imagestore: apply whiteout %s: %w", hdr.Name, err)
		}
		return nil
	}

	target := filepath.Join(root, name)
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode&0o777))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
		if err != nil {
			return fmt.Errorf("imagestore: create %s: %w", target, err)
		}
		defer out.Close()
		if _, err := io.Copy(out, r); err != nil {
			return fmt.Errorf("imagestore: write %s: %w", target, err)
		}
		return nil
	case tar.TypeSymlink:
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget := filepath.Join(root, filepath.Clean(hdr.Linkname))
		os.Remove(target)
		return os.Link(linkTarget, target)
	default:
		return nil // devices/fifos: skip, irrelevant to a container rootfs
	}
}

// List returns every indexed image.
func (s *Store) List() ([]CachedImage, error) {
	rows, err := s.index.ListImages()
	if err != nil {
		return nil, fmt.Errorf("imagestore: list: %w", err)
	}
	out := make([]CachedImage, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CachedAt.After(out[j].CachedAt) })
	return out, nil
}

// ImageConfig fetches the OCI config file (env/entrypoint/cmd/workingdir)
// for an already-pulled reference, re-resolving the manifest over the
// network. The config file itself is small and not worth a separate cache
// table; callers needing it call this right after Pull in the same build.
func (s *Store) ImageConfig(ctx context.Context, reference string) (*v1.ConfigFile, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, fmt.Errorf("imagestore: parse %s: %w", reference, err)
	}
	img, err := fetchWithRetry(ctx, ref, s.keychain)
	if err != nil {
		return nil, fmt.Errorf("imagestore: config of %s: %w", reference, err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("imagestore: read config of %s: %w", reference, err)
	}
	return cfg, nil
}

// LayerDirs returns the extracted layer directories for a cached image, in
// OCI base-first order, via the store's PathProvider.
func (s *Store) LayerDirs(ci CachedImage) ([]string, error) {
	dirs := make([]string, 0, len(ci.Layers))
	for _, digest := range ci.Layers {
		dir, err := s.paths.LayerDir(digest)
		if err != nil {
			return nil, fmt.Errorf("imagestore: layer dir for %s: %w", digest, err)
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

// Remove deletes an image's index entry. It does not garbage-collect
// layers shared with other images; that is a refcount sweep left to a
// separate maintenance path.
func (s *Store) Remove(reference string) error {
	if err := s.index.RemoveImage(reference); err != nil {
		return fmt.Errorf("imagestore: remove %s: %w", reference, err)
	}
	return nil
}

func toRow(ci CachedImage) CachedImageRow {
	b, _ := json.Marshal(ci.Layers)
	return CachedImageRow{
		Reference:      ci.Reference,
		ManifestDigest: ci.ManifestDigest,
		ConfigDigest:   ci.ConfigDigest,
		LayersJSON:     string(b),
		CachedAt:       ci.CachedAt,
		Complete:       ci.Complete,
	}
}

func fromRow(r CachedImageRow) CachedImage {
	var layers []string
	_ = json.Unmarshal([]byte(r.LayersJSON), &layers)
	return CachedImage{
		Reference:      r.Reference,
		ManifestDigest: r.ManifestDigest,
		ConfigDigest:   r.ConfigDigest,
		Layers:         layers,
		CachedAt:       r.CachedAt,
		Complete:       r.Complete,
	}
}
