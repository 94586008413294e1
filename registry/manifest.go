package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxManifestBytes caps manifest and index bodies.
const maxManifestBytes = 4 << 20

// defaultSchemaVersion is used when a single-manifest response omits it.
const defaultSchemaVersion = 2

// indexProbe decodes just enough of a manifest response to tell an index
// from a single manifest.
type indexProbe struct {
	SchemaVersion int                   `json:"schemaVersion"`
	MediaType     string                `json:"mediaType"`
	Manifests     *[]ocispec.Descriptor `json:"manifests"`
	Config        *ocispec.Descriptor   `json:"config"`
}

// ResolveIndex fetches the manifest for tag and returns it as an index.
//
// A multi-platform response is returned verbatim. A single-manifest
// response is wrapped in a one-entry index whose platform is
// unknown/unknown, so callers handle both shapes the same way.
func (c *Client) ResolveIndex(ctx context.Context, image, tag, token string) (ocispec.Index, error) {
	if image == "" || tag == "" {
		return ocispec.Index{}, fmt.Errorf("%w: image and tag are required", ErrInvalidReference)
	}
	if err := validateTarget(image, tag); err != nil {
		return ocispec.Index{}, err
	}

	resp, err := c.get(ctx, c.repoURL(image, "manifests", tag), token, indexAcceptTypes...)
	if err != nil {
		return ocispec.Index{}, fmt.Errorf("resolve %s:%s: %w", image, tag, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return ocispec.Index{}, fmt.Errorf("read manifest: %w", err)
	}

	var probe indexProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return ocispec.Index{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if probe.Manifests != nil {
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return ocispec.Index{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		c.log().Debug("resolved index", "image", image, "tag", tag, "manifests", len(idx.Manifests))
		return idx, nil
	}

	mediaType := probe.MediaType
	if mediaType == "" {
		mediaType = contentType(resp.Header.Get("Content-Type"))
	}
	dgst := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if dgst.Validate() != nil {
		dgst = digest.FromBytes(body)
	}

	c.log().Debug("synthesized single-platform index", "image", image, "tag", tag, "digest", dgst)
	return SynthesizeIndex(probe.SchemaVersion, mediaType, dgst, int64(len(body))), nil
}

// SynthesizeIndex builds the one-entry index that stands in for a
// single-manifest response.
func SynthesizeIndex(schemaVersion int, mediaType string, dgst digest.Digest, size int64) ocispec.Index {
	if schemaVersion == 0 {
		schemaVersion = defaultSchemaVersion
	}
	platform := UnknownPlatform
	return ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: schemaVersion},
		MediaType: mediaType,
		Manifests: []ocispec.Descriptor{{
			MediaType: mediaType,
			Digest:    dgst,
			Size:      size,
			Platform:  &platform,
		}},
	}
}

// ResolveDetail fetches the concrete manifest identified by reference
// (normally a digest taken from the index) using exactly mediaType as the
// Accept header.
func (c *Client) ResolveDetail(ctx context.Context, image, reference, token, mediaType string) (ocispec.Manifest, error) {
	if image == "" || reference == "" {
		return ocispec.Manifest{}, fmt.Errorf("%w: image and reference are required", ErrInvalidReference)
	}
	if err := validateTarget(image, reference); err != nil {
		return ocispec.Manifest{}, err
	}
	if mediaType == "" {
		return ocispec.Manifest{}, fmt.Errorf("%w: media type is required", ErrInvalidManifest)
	}

	resp, err := c.get(ctx, c.repoURL(image, "manifests", reference), token, mediaType)
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("manifest %s@%s: %w", image, reference, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var probe indexProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if probe.Manifests != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %s is an index, not an image manifest", ErrInvalidManifest, reference)
	}
	if probe.Config == nil || probe.Config.Digest == "" {
		return ocispec.Manifest{}, fmt.Errorf("%w: %s has no config", ErrInvalidManifest, reference)
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := ValidateManifest(m); err != nil {
		return ocispec.Manifest{}, err
	}
	return m, nil
}

// ValidateManifest checks that every digest in m is well formed.
func ValidateManifest(m ocispec.Manifest) error {
	if err := m.Config.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: config digest %q: %v", ErrInvalidManifest, m.Config.Digest, err)
	}
	for i, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: layer %d digest %q: %v", ErrInvalidManifest, i, l.Digest, err)
		}
	}
	return nil
}

func contentType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header
	}
	return mt
}
