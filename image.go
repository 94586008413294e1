package imgpull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/registry"
)

// ImageResult summarizes a completed PullImage.
type ImageResult struct {
	Image    string
	Tag      string
	Manifest ocispec.Descriptor
	Platform ocispec.Platform
	Report   *Report
}

// PullImage runs the whole pipeline for ref ("nginx", "bitnami/redis:7",
// "alpine@sha256:...") and writes the archive to w.
//
// platform has the form "os/arch[/variant]"; empty selects
// DefaultPlatform. The registry and token endpoints configured on the
// client are used regardless of any domain in ref.
func (c *Client) PullImage(ctx context.Context, ref, platform string, w io.Writer, progress ProgressFunc) (*ImageResult, error) {
	parsed, err := registry.ParseImageRef(ref)
	if err != nil {
		return nil, err
	}
	want, err := ParsePlatform(platform)
	if err != nil {
		return nil, err
	}

	image := parsed.Name
	log := c.log().With("image", image, "reference", parsed.Reference())

	tok, err := c.Token(ctx, image, registry.DefaultScope)
	if err != nil {
		return nil, err
	}

	idx, err := c.ResolveIndex(ctx, image, parsed.Reference(), tok.Value)
	if err != nil {
		return nil, err
	}
	desc, err := SelectManifest(idx, want)
	if err != nil {
		return nil, err
	}
	log.Info("selected manifest", "digest", desc.Digest, "platform", ManifestPlatform(desc, want))

	manifest, err := c.ResolveDetail(ctx, image, desc.Digest.String(), tok.Value, desc.MediaType)
	if err != nil {
		return nil, err
	}

	report, err := c.Pull(ctx, PullRequest{
		Image:    image,
		Token:    tok.Value,
		Layers:   manifest.Layers,
		Config:   &manifest.Config,
		Progress: progress,
	})
	if err != nil {
		return &ImageResult{Image: image, Tag: parsed.Tag, Manifest: desc, Report: report}, err
	}

	plat := ManifestPlatform(desc, c.configPlatform(image, manifest.Config, want))
	if err := c.Export(ctx, ExportRequest{
		Image:    image,
		Tag:      parsed.Tag,
		Token:    tok.Value,
		Manifest: manifest,
		Platform: plat,
	}, w); err != nil {
		return nil, err
	}

	return &ImageResult{
		Image:    image,
		Tag:      parsed.Tag,
		Manifest: desc,
		Platform: plat,
		Report:   report,
	}, nil
}

// configPlatform reads os and architecture from the cached image config.
func (c *Client) configPlatform(image string, config ocispec.Descriptor, fallback ocispec.Platform) ocispec.Platform {
	if !registry.IsImageConfig(config.MediaType) {
		return fallback
	}
	f, err := c.store.Open(image, config.Digest)
	if err != nil {
		return fallback
	}
	defer f.Close()

	var cfg ocispec.Image
	if err := json.NewDecoder(io.LimitReader(f, config.Size+1)).Decode(&cfg); err != nil {
		c.log().Debug("unreadable image config", "digest", config.Digest, "error", err)
		return fallback
	}
	if cfg.OS == "" || cfg.Architecture == "" {
		return fallback
	}
	return cfg.Platform
}

// String implements fmt.Stringer.
func (r *ImageResult) String() string {
	return fmt.Sprintf("%s:%s (%s)", r.Image, r.Tag, r.Manifest.Digest)
}
