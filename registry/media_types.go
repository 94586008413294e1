package registry

import ocispec "github.com/opencontainers/image-spec/specs-go/v1"

// Docker distribution media types. The OCI equivalents come from ocispec.
const (
	// MediaTypeDockerManifestList is the Docker multi-platform manifest list.
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// MediaTypeDockerManifest is the Docker single-platform image manifest.
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

	// MediaTypeDockerConfig is the Docker image configuration blob.
	MediaTypeDockerConfig = "application/vnd.docker.container.image.v1+json"
)

// IsImageConfig reports whether mediaType names a container image config,
// as opposed to an artifact config. An empty media type is accepted.
func IsImageConfig(mediaType string) bool {
	switch mediaType {
	case "", MediaTypeDockerConfig, ocispec.MediaTypeImageConfig:
		return true
	default:
		return false
	}
}

// indexAcceptTypes are sent when resolving a tag into an index.
var indexAcceptTypes = []string{
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageIndex,
}

// UnknownPlatform is the platform assigned to the single entry of an index
// synthesized from a single-manifest response.
var UnknownPlatform = ocispec.Platform{
	Architecture: "unknown",
	OS:           "unknown",
}

// IsUnknownPlatform reports whether p is the synthesized unknown platform.
func IsUnknownPlatform(p *ocispec.Platform) bool {
	return p != nil && p.Architecture == UnknownPlatform.Architecture && p.OS == UnknownPlatform.OS
}
