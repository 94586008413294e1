// Package export turns cached blobs into an image archive that
// "docker load" accepts.
//
// The archive uses the legacy layout: one directory per layer holding
// VERSION, json and layer.tar, plus manifest.json, repositories and the
// image config at the top level.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/cache"
	"github.com/meigma/imgpull/registry"
)

// ErrMissingBlob is returned when a blob needed by the archive is not in
// the cache with its declared size.
var ErrMissingBlob = errors.New("export: blob not cached")

// AssemblyError reports a failure while building or streaming the archive.
type AssemblyError struct {
	Op  string
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble image: %s: %v", e.Op, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Request describes the image to export.
type Request struct {
	// Image is the name as requested; it is written to RepoTags and
	// repositories unchanged.
	Image string
	Tag   string
	// Manifest supplies the config and the ordered layers.
	Manifest ocispec.Manifest
	// Platform fills architecture and os in each layer's json.
	Platform ocispec.Platform
}

// Assembler builds archives from blobs in a cache store.
type Assembler struct {
	store       *cache.Store
	workRoot    string
	compression Compression
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithCompression sets the archive encoding. Defaults to none.
func WithCompression(c Compression) Option {
	return func(a *Assembler) {
		a.compression = c
	}
}

// WithClock sets the time source used for layer creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// NewAssembler creates an assembler that reads blobs from store and builds
// layouts under workRoot.
func NewAssembler(store *cache.Store, workRoot string, opts ...Option) *Assembler {
	a := &Assembler{
		store:       store,
		workRoot:    workRoot,
		compression: CompressionNone,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assembler) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// FileName returns the attachment name for req, "<image>-<tag>.tar" with
// path separators replaced and the compression suffix appended.
func (a *Assembler) FileName(req Request) string {
	return fmt.Sprintf("%s-%s.tar%s", registry.SafeFileBaseName(req.Image), req.Tag, a.compression.Extension())
}

// ContentType returns the MIME type of the streamed archive.
func (a *Assembler) ContentType() string {
	return a.compression.ContentType()
}

// Export builds the layout for req, streams it to w and removes the
// working directory.
func (a *Assembler) Export(ctx context.Context, req Request, w io.Writer) error {
	layout, err := a.Build(ctx, req)
	if err != nil {
		return err
	}
	defer layout.Close()
	return layout.Write(ctx, w)
}

// Build lays out the archive tree in a fresh working directory. Every blob
// must already be cached. The caller must Close the layout.
func (a *Assembler) Build(ctx context.Context, req Request) (*Layout, error) {
	if req.Image == "" || req.Tag == "" {
		return nil, &AssemblyError{Op: "validate", Err: errors.New("image and tag are required")}
	}
	if err := registry.ValidateManifest(req.Manifest); err != nil {
		return nil, &AssemblyError{Op: "validate", Err: err}
	}

	image := registry.NormalizeName(req.Image)
	if err := a.checkBlobs(image, req.Manifest); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.workRoot, 0o755); err != nil {
		return nil, &AssemblyError{Op: "create work dir", Err: err}
	}
	dir := filepath.Join(a.workRoot, registry.SafeFileBaseName(req.Image)+"-"+ulid.Make().String())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, &AssemblyError{Op: "create work dir", Err: err}
	}
	layout := &Layout{Dir: dir, assembler: a}

	if err := a.populate(ctx, dir, image, req); err != nil {
		layout.Close()
		return nil, err
	}
	a.log().Debug("built image layout", "image", req.Image, "tag", req.Tag, "dir", dir, "layers", len(req.Manifest.Layers))
	return layout, nil
}

func (a *Assembler) checkBlobs(image string, m ocispec.Manifest) error {
	blobs := append([]ocispec.Descriptor{m.Config}, m.Layers...)
	for _, desc := range blobs {
		probe, err := a.store.Probe(image, desc)
		if err != nil {
			return &AssemblyError{Op: "locate blob", Err: err}
		}
		if !probe.Hit {
			return &AssemblyError{Op: "locate blob", Err: fmt.Errorf("%w: %s", ErrMissingBlob, desc.Digest)}
		}
	}
	return nil
}

func (a *Assembler) populate(ctx context.Context, dir, image string, req Request) error {
	created := a.now().UTC().Format(time.RFC3339Nano)
	configID := req.Manifest.Config.Digest.Encoded()

	layerPaths := make([]string, 0, len(req.Manifest.Layers))
	written := make(map[string]bool, len(req.Manifest.Layers))
	parent := ""
	for _, layer := range req.Manifest.Layers {
		if err := ctx.Err(); err != nil {
			return &AssemblyError{Op: "layers", Err: err}
		}
		id := layer.Digest.Encoded()
		if written[id] {
			// A repeated layer reuses its directory and keeps its parent.
			layerPaths = append(layerPaths, id+"/"+layerTarFile)
			continue
		}
		written[id] = true
		layerDir := filepath.Join(dir, id)
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
			return &AssemblyError{Op: "layer dir", Err: err}
		}
		if err := os.WriteFile(filepath.Join(layerDir, versionFile), []byte(layerVersion), 0o644); err != nil {
			return &AssemblyError{Op: "layer version", Err: err}
		}
		meta := layerJSON{
			ID:              id,
			Parent:          parent,
			Created:         created,
			ContainerConfig: containerConfig{Cmd: []string{"baselayer"}},
			Architecture:    req.Platform.Architecture,
			OS:              req.Platform.OS,
		}
		if err := writeJSON(filepath.Join(layerDir, layerJSONFile), meta); err != nil {
			return &AssemblyError{Op: "layer json", Err: err}
		}

		src, err := a.store.Path(image, layer.Digest)
		if err != nil {
			return &AssemblyError{Op: "layer tar", Err: err}
		}
		if err := linkOrCopy(src, filepath.Join(layerDir, layerTarFile)); err != nil {
			return &AssemblyError{Op: "layer tar", Err: err}
		}

		layerPaths = append(layerPaths, id+"/"+layerTarFile)
		parent = id
	}

	configSrc, err := a.store.Path(image, req.Manifest.Config.Digest)
	if err != nil {
		return &AssemblyError{Op: "config", Err: err}
	}
	if err := copyFile(configSrc, filepath.Join(dir, configID+".json")); err != nil {
		return &AssemblyError{Op: "config", Err: err}
	}

	repoName := registry.RepoTagName(req.Image)
	manifest := []manifestEntry{{
		Config:   configID + ".json",
		RepoTags: []string{repoName + ":" + req.Tag},
		Layers:   layerPaths,
	}}
	if err := writeJSON(filepath.Join(dir, manifestFile), manifest); err != nil {
		return &AssemblyError{Op: "manifest", Err: err}
	}

	repos := repositories{repoName: {req.Tag: configID}}
	if err := writeJSON(filepath.Join(dir, repositoriesFile), repos); err != nil {
		return &AssemblyError{Op: "repositories", Err: err}
	}
	return nil
}

// Layout is a built archive tree awaiting streaming.
type Layout struct {
	Dir       string
	assembler *Assembler
}

// Write streams the layout as a tar archive, encoded with the assembler's
// compression.
func (l *Layout) Write(ctx context.Context, w io.Writer) error {
	cw, err := l.assembler.compression.wrap(w)
	if err != nil {
		return &AssemblyError{Op: "compress", Err: err}
	}
	if err := WriteTar(ctx, l.Dir, cw); err != nil {
		cw.Close()
		return &AssemblyError{Op: "stream", Err: err}
	}
	if err := cw.Close(); err != nil {
		return &AssemblyError{Op: "stream", Err: err}
	}
	return nil
}

// Close removes the working directory. A failure is logged and returned
// but leaves the archive outcome unchanged.
func (l *Layout) Close() error {
	if err := os.RemoveAll(l.Dir); err != nil {
		l.assembler.log().Warn("failed to remove work dir", "dir", l.Dir, "error", err)
		return err
	}
	return nil
}
