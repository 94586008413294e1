package imgpull

import (
	"context"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/registry"
)

// ProgressFunc receives per-blob progress during a pull.
// Implementations must be safe for concurrent calls.
type ProgressFunc = download.ProgressFunc

// Report is the outcome of a pull.
type Report = download.Report

// Token returns a bearer token with scope on image. An empty scope
// requests pull access. Tokens are cached until shortly before expiry.
func (c *Client) Token(ctx context.Context, image, scope string) (registry.Token, error) {
	return c.tokens.Token(ctx, registry.NormalizeName(image), scope)
}

// ResolveIndex resolves tag into an index. Single-manifest images come back
// as a one-entry index with an unknown platform.
func (c *Client) ResolveIndex(ctx context.Context, image, tag, token string) (ocispec.Index, error) {
	return c.registry.ResolveIndex(ctx, registry.NormalizeName(image), tag, token)
}

// ResolveDetail fetches the image manifest reference (normally a digest
// from the index) with mediaType as the only accepted type.
func (c *Client) ResolveDetail(ctx context.Context, image, reference, token, mediaType string) (ocispec.Manifest, error) {
	return c.registry.ResolveDetail(ctx, registry.NormalizeName(image), reference, token, mediaType)
}

// PullRequest describes the blobs to download.
type PullRequest struct {
	Image  string
	Token  string
	Layers []ocispec.Descriptor
	// Config, if set, is downloaded after the layers so Export can run
	// without further network access.
	Config *ocispec.Descriptor
	// Progress, if set, receives progress events.
	Progress ProgressFunc
}

// Pull downloads every requested blob into the cache and waits for all of
// them. Blobs already cached with the right size are skipped.
//
// On failure the report is still returned and the error is a
// *PartialFailureError.
func (c *Client) Pull(ctx context.Context, req PullRequest) (*Report, error) {
	if req.Token == "" {
		return nil, ErrAuthMissing
	}
	blobs := append([]ocispec.Descriptor(nil), req.Layers...)
	if req.Config != nil {
		blobs = append(blobs, *req.Config)
	}

	image := registry.NormalizeName(req.Image)
	if err := registry.ValidateName(image); err != nil {
		return nil, err
	}
	c.log().Info("pulling image blobs", "image", image, "blobs", len(blobs))
	return c.manager.Run(ctx, download.Session{
		Image:    image,
		Token:    req.Token,
		Blobs:    blobs,
		Progress: req.Progress,
	})
}
