package registry

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const officialNamespace = "library/"

// NormalizeName returns the canonical repository path for name. Names
// without a namespace are official images and get the "library/" prefix.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if !strings.Contains(name, "/") {
		return officialNamespace + name
	}
	return name
}

// RepoTagName returns the image name as it should appear in RepoTags.
func RepoTagName(name string) string {
	return strings.TrimSpace(name)
}

// SafeFileBaseName makes name usable as a single path component.
func SafeFileBaseName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "/", "_")
}

// ImageRef is a parsed image reference.
type ImageRef struct {
	// Domain is the registry host, "docker.io" for Docker Hub.
	Domain string
	// Name is the repository path without the domain.
	Name string
	// Tag is the tag, "latest" when neither tag nor digest was given.
	Tag string
	// Digest is set when the reference pins a manifest digest.
	Digest string
}

// Reference returns the manifest reference to resolve: the digest when
// pinned, otherwise the tag.
func (r ImageRef) Reference() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// ParseImageRef parses references such as "nginx", "nginx:1.27",
// "bitnami/redis:7" or "ghcr.io/org/app@sha256:...".
func ParseImageRef(s string) (ImageRef, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(s))
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
	}

	ref := ImageRef{
		Domain: reference.Domain(named),
		Name:   reference.Path(named),
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.Digest = digested.Digest().String()
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if ref.Tag == "" {
		ref.Tag = "latest"
	}
	return ref, nil
}

// ValidateName checks that name is a bare repository name such as
// "library/nginx", without tag or digest.
func ValidateName(name string) error {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return fmt.Errorf("%w: name %q: %v", ErrInvalidReference, name, err)
	}
	if !reference.IsNameOnly(named) {
		return fmt.Errorf("%w: name %q carries a tag or digest", ErrInvalidReference, name)
	}
	return nil
}

// ValidateReference checks that ref is a tag or a digest.
func ValidateReference(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	if strings.Contains(ref, ":") {
		if _, err := digest.Parse(ref); err != nil {
			return fmt.Errorf("%w: digest %q: %v", ErrInvalidReference, ref, err)
		}
		return nil
	}
	if reference.TagRegexp.FindString(ref) != ref {
		return fmt.Errorf("%w: tag %q", ErrInvalidReference, ref)
	}
	return nil
}

func validateTarget(image, ref string) error {
	if err := ValidateName(image); err != nil {
		return err
	}
	return ValidateReference(ref)
}
