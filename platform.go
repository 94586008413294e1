package imgpull

import (
	"fmt"
	"runtime"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/registry"
)

// DefaultPlatform is the platform selected when the caller names none.
func DefaultPlatform() ocispec.Platform {
	return platforms.Normalize(ocispec.Platform{OS: "linux", Architecture: runtime.GOARCH})
}

// ParsePlatform parses "os/arch[/variant]". The empty string yields
// DefaultPlatform.
func ParsePlatform(s string) (ocispec.Platform, error) {
	if s == "" {
		return DefaultPlatform(), nil
	}
	p, err := platforms.Parse(s)
	if err != nil {
		return ocispec.Platform{}, fmt.Errorf("parse platform %q: %w", s, err)
	}
	return p, nil
}

// SelectManifest picks the index entry for platform.
//
// An index with a single unknown/unknown entry, as produced for
// single-manifest images, matches any platform. Otherwise unknown entries
// (such as attestation manifests) are never selected.
func SelectManifest(idx ocispec.Index, platform ocispec.Platform) (ocispec.Descriptor, error) {
	if len(idx.Manifests) == 1 && registry.IsUnknownPlatform(idx.Manifests[0].Platform) {
		return idx.Manifests[0], nil
	}

	matcher := platforms.NewMatcher(platform)
	var best *ocispec.Descriptor
	for i := range idx.Manifests {
		desc := idx.Manifests[i]
		if desc.Platform == nil || registry.IsUnknownPlatform(desc.Platform) {
			continue
		}
		if !matcher.Match(*desc.Platform) {
			continue
		}
		if best == nil || desc.Platform.Variant == platform.Variant {
			best = &idx.Manifests[i]
		}
	}
	if best == nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrNoMatchingPlatform, platforms.Format(platform))
	}
	return *best, nil
}

// ManifestPlatform returns the platform recorded for desc, falling back to
// fallback when desc carries none or an unknown one.
func ManifestPlatform(desc ocispec.Descriptor, fallback ocispec.Platform) ocispec.Platform {
	if desc.Platform == nil || registry.IsUnknownPlatform(desc.Platform) {
		return fallback
	}
	return *desc.Platform
}
