package imgpull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/registry"
)

// ExportRequest describes the archive to build.
type ExportRequest struct {
	// Image is written to RepoTags as given.
	Image    string
	Tag      string
	Token    string
	Manifest ocispec.Manifest
	Platform ocispec.Platform
}

func (r ExportRequest) assembly() export.Request {
	return export.Request{
		Image:    r.Image,
		Tag:      r.Tag,
		Manifest: r.Manifest,
		Platform: r.Platform,
	}
}

// ExportFileName returns the attachment name for req.
func (c *Client) ExportFileName(req ExportRequest) string {
	return c.assembler.FileName(req.assembly())
}

// ExportContentType returns the MIME type of exported archives.
func (c *Client) ExportContentType() string {
	return c.assembler.ContentType()
}

// PrepareExport makes sure every blob of req is cached, fetching any that
// are missing, and lays out the archive. The caller streams it with
// Layout.Write and must Close it.
//
// A request without os or architecture takes both from the image config.
func (c *Client) PrepareExport(ctx context.Context, req ExportRequest) (*export.Layout, error) {
	if strings.TrimSpace(req.Image) == "" || req.Tag == "" {
		return nil, &AssemblyError{Op: "validate", Err: errors.New("image and tag are required")}
	}
	if err := registry.ValidateName(registry.NormalizeName(req.Image)); err != nil {
		return nil, &AssemblyError{Op: "validate", Err: err}
	}
	if strings.Contains(req.Tag, ":") || registry.ValidateReference(req.Tag) != nil {
		return nil, &AssemblyError{Op: "validate", Err: fmt.Errorf("%w: tag %q", ErrInvalidReference, req.Tag)}
	}
	if err := registry.ValidateManifest(req.Manifest); err != nil {
		return nil, &AssemblyError{Op: "validate", Err: err}
	}
	if err := c.ensureBlobs(ctx, req); err != nil {
		return nil, err
	}
	if req.Platform.OS == "" || req.Platform.Architecture == "" {
		req.Platform = c.configPlatform(registry.NormalizeName(req.Image), req.Manifest.Config, DefaultPlatform())
	}
	return c.assembler.Build(ctx, req.assembly())
}

// Export writes the archive for req to w.
func (c *Client) Export(ctx context.Context, req ExportRequest, w io.Writer) error {
	layout, err := c.PrepareExport(ctx, req)
	if err != nil {
		return err
	}
	defer layout.Close()

	c.log().Info("exporting image", "image", req.Image, "tag", req.Tag, "layers", len(req.Manifest.Layers))
	return layout.Write(ctx, w)
}

// ensureBlobs downloads whatever the cache is missing. Nothing is fetched
// when every blob is already present, so a token is only needed then.
func (c *Client) ensureBlobs(ctx context.Context, req ExportRequest) error {
	image := registry.NormalizeName(req.Image)
	blobs := append([]ocispec.Descriptor{req.Manifest.Config}, req.Manifest.Layers...)

	var missing []ocispec.Descriptor
	for _, desc := range blobs {
		probe, err := c.store.Probe(image, desc)
		if err != nil {
			return &AssemblyError{Op: "locate blob", Err: err}
		}
		if !probe.Hit {
			missing = append(missing, desc)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if req.Token == "" {
		return ErrAuthMissing
	}

	c.log().Debug("fetching blobs missing from cache", "image", image, "count", len(missing))
	_, err := c.manager.Run(ctx, download.Session{Image: image, Token: req.Token, Blobs: missing})
	if err != nil {
		var pfe *PartialFailureError
		if errors.As(err, &pfe) {
			return &AssemblyError{Op: "fetch blobs", Err: err}
		}
		return err
	}
	return nil
}
