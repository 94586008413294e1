package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Sentinel errors for registry operations.
var (
	// ErrUpstream is returned when the registry or token service answers
	// with a non-success status. The error chain also carries an
	// *errcode.ErrorResponse with the original status code.
	ErrUpstream = errors.New("registry: upstream error")

	// ErrNotFound is returned when the registry answers 404.
	ErrNotFound = errors.New("registry: not found")

	// ErrUnauthorized is returned when the registry answers 401.
	ErrUnauthorized = errors.New("registry: unauthorized")

	// ErrInvalidManifest is returned when a manifest response cannot be
	// used for the requested operation.
	ErrInvalidManifest = errors.New("registry: invalid manifest")

	// ErrInvalidReference is returned when an image reference is malformed.
	ErrInvalidReference = errors.New("registry: invalid reference")
)

// maxErrorBodyBytes caps how much of an error response body is decoded.
const maxErrorBodyBytes = 64 << 10

// parseErrorResponse converts a non-success response into an error that
// matches ErrUpstream and, for well-known statuses, a narrower sentinel.
func parseErrorResponse(resp *http.Response) error {
	errResp := &errcode.ErrorResponse{
		StatusCode: resp.StatusCode,
	}
	if resp.Request != nil {
		errResp.Method = resp.Request.Method
		errResp.URL = resp.Request.URL
	}

	var body struct {
		Errors errcode.Errors `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body); err == nil {
		errResp.Errors = body.Errors
	}
	return mapError(errResp)
}

// mapError attaches sentinel errors to a registry error response.
func mapError(errResp *errcode.ErrorResponse) error {
	switch errResp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w: %w", ErrUpstream, ErrNotFound, errResp)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w: %w", ErrUpstream, ErrUnauthorized, errResp)
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, errResp)
	}
}

// StatusCode returns the upstream HTTP status carried by err, or 0 when err
// did not originate from a registry response.
func StatusCode(err error) int {
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode
	}
	return 0
}
