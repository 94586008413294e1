package imgpull

import (
	"errors"

	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/registry"
)

// Sentinel errors for client operations.
var (
	// ErrAuthMissing is returned when an operation that contacts the
	// registry is called without a token.
	ErrAuthMissing = errors.New("imgpull: missing auth token")

	// ErrNoMatchingPlatform is returned when an index has no manifest for
	// the requested platform.
	ErrNoMatchingPlatform = errors.New("imgpull: no manifest for platform")
)

// Errors re-exported from registry.
var (
	// ErrUpstream is returned when the registry answers with a non-success
	// status. Use [StatusCode] to recover the status.
	ErrUpstream = registry.ErrUpstream

	// ErrNotFound is returned when the registry answers 404.
	ErrNotFound = registry.ErrNotFound

	// ErrInvalidReference is returned when an image reference is malformed.
	ErrInvalidReference = registry.ErrInvalidReference

	// ErrInvalidManifest is returned when a manifest cannot be used.
	ErrInvalidManifest = registry.ErrInvalidManifest
)

// Errors re-exported from download and export.
var (
	// ErrPartialFailure is returned when at least one blob failed.
	ErrPartialFailure = download.ErrPartialFailure

	// ErrTimeout is returned when at least one blob hit its deadline.
	ErrTimeout = download.ErrTimeout

	// ErrMissingBlob is returned by Export when a blob is not cached.
	ErrMissingBlob = export.ErrMissingBlob
)

type (
	// PartialFailureError lists the blobs that failed in a pull.
	PartialFailureError = download.PartialFailureError

	// AssemblyError reports a failure while building an archive.
	AssemblyError = export.AssemblyError
)

// StatusCode returns the registry HTTP status carried by err, or 0.
func StatusCode(err error) int {
	return registry.StatusCode(err)
}
