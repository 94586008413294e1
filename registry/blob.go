package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// FetchBlob opens a streaming GET for the blob dgst in image.
//
// The returned size is the response Content-Length, or -1 when the
// registry did not send one. The caller must close the reader.
func (c *Client) FetchBlob(ctx context.Context, image, token string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	if err := ValidateName(image); err != nil {
		return nil, 0, err
	}
	if err := dgst.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: digest %q: %v", ErrInvalidReference, dgst, err)
	}

	resp, err := c.get(ctx, c.repoURL(image, "blobs", dgst.String()), token)
	if err != nil {
		return nil, 0, fmt.Errorf("blob %s: %w", dgst, err)
	}
	return resp.Body, resp.ContentLength, nil
}
