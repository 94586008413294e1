// Package cache stores downloaded blobs on local disk, one file per blob,
// grouped by image.
//
// A blob file is only trusted when its size equals the size declared by the
// manifest. Files from interrupted transfers therefore stay on disk as
// misses and are overwritten by the next download.
package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644

	blobExt = ".tar"
)

// ErrInvalidDigest is returned when a digest cannot be used as a file name.
var ErrInvalidDigest = errors.New("cache: invalid digest")

// Store is a directory of cached blobs.
type Store struct {
	root    string
	dirPerm os.FileMode
	verify  bool
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithVerify makes Probe hash cached files and treat a digest mismatch as a
// miss. Off by default, where only the size is compared.
func WithVerify(enabled bool) Option {
	return func(s *Store) {
		s.verify = enabled
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache root is empty")
	}
	s := &Store{
		root:    root,
		dirPerm: defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding blobs for image.
func (s *Store) Dir(image string) string {
	return filepath.Join(s.root, strings.ReplaceAll(strings.TrimSpace(image), "/", "_"))
}

// FileName returns the cache file name for dgst, "<algorithm>_<hex>.tar".
func FileName(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDigest, dgst, err)
	}
	return dgst.Algorithm().String() + "_" + dgst.Encoded() + blobExt, nil
}

// Path returns the cache file path for dgst in image.
func (s *Store) Path(image string, dgst digest.Digest) (string, error) {
	name, err := FileName(dgst)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir(image), name), nil
}

// Probe is the outcome of a cache lookup.
type Probe struct {
	// Hit is true when a usable copy of the blob is on disk.
	Hit bool
	// Path is where the blob lives, or where it should be written on a miss.
	Path string
}

// Probe reports whether desc is cached for image. A hit requires the file
// size to equal desc.Size exactly.
func (s *Store) Probe(image string, desc ocispec.Descriptor) (Probe, error) {
	path, err := s.Path(image, desc.Digest)
	if err != nil {
		return Probe{}, err
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != desc.Size {
		return Probe{Path: path}, nil
	}
	if s.verify {
		if err := verifyFile(path, desc); err != nil {
			s.log().Warn("cached blob failed verification", "digest", desc.Digest, "error", err)
			return Probe{Path: path}, nil
		}
	}
	return Probe{Hit: true, Path: path}, nil
}

// Create opens path for writing, truncating any previous content.
func (s *Store) Create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePerm) //nolint:gosec // path is built from a validated digest
}

// Open opens the cached blob dgst of image for reading.
func (s *Store) Open(image string, dgst digest.Digest) (*os.File, error) {
	path, err := s.Path(image, dgst)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //nolint:gosec // path is built from a validated digest
}

// Size returns the total size of all cached blobs.
func (s *Store) Size() (int64, error) {
	return dirSize(s.root)
}

// Prune removes least recently written blobs until the store holds at most
// maxBytes. It returns the bytes freed and the bytes remaining.
func (s *Store) Prune(maxBytes int64) (freed, remaining int64, err error) {
	freed, remaining, err = pruneDir(s.root, maxBytes)
	if err == nil && freed > 0 {
		s.log().Info("pruned blob cache", "freed", freed, "remaining", remaining)
	}
	return freed, remaining, err
}

func verifyFile(path string, desc ocispec.Descriptor) error {
	f, err := os.Open(path) //nolint:gosec // path is built from a validated digest
	if err != nil {
		return err
	}
	defer f.Close()

	vr := content.NewVerifyReader(f, desc)
	if _, err := io.Copy(io.Discard, vr); err != nil {
		return err
	}
	return vr.Verify()
}
