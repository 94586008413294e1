package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgpull/internal/testutil"
)

func newTestClient(reg *testutil.Registry) *Client {
	return New(
		WithHTTPClient(reg.Server.Client()),
		WithRegistryURL(reg.URL()),
		WithAuthURL(reg.TokenURL()),
	)
}

func TestClientToken(t *testing.T) {
	t.Parallel()

	t.Run("requests repository pull scope", func(t *testing.T) {
		t.Parallel()
		reg := testutil.NewRegistry(t)
		c := newTestClient(reg)

		tok, err := c.Token(context.Background(), "library/nginx", "")
		require.NoError(t, err)
		assert.Equal(t, "test-token", tok.Value)
		assert.Equal(t, 300, int(tok.ExpiresIn.Seconds()))
		assert.False(t, tok.IssuedAt.IsZero())
		assert.Equal(t, []string{"repository:library/nginx:pull"}, reg.Scopes())
	})

	t.Run("falls back to access_token", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "registry.docker.io", r.URL.Query().Get("service"))
			_, _ = io.WriteString(w, `{"access_token":"abc"}`)
		}))
		t.Cleanup(srv.Close)

		c := New(WithHTTPClient(srv.Client()), WithAuthURL(srv.URL))
		tok, err := c.Token(context.Background(), "library/alpine", "pull")
		require.NoError(t, err)
		assert.Equal(t, "abc", tok.Value)
	})

	t.Run("upstream status is preserved", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		c := New(WithHTTPClient(srv.Client()), WithAuthURL(srv.URL))
		_, err := c.Token(context.Background(), "library/alpine", "")
		require.ErrorIs(t, err, ErrUpstream)
		assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	})

	t.Run("empty image rejected", func(t *testing.T) {
		t.Parallel()
		_, err := New().Token(context.Background(), "", "")
		require.ErrorIs(t, err, ErrInvalidReference)
	})
}

func TestResolveIndex(t *testing.T) {
	t.Parallel()

	t.Run("multi-platform index returned verbatim", func(t *testing.T) {
		t.Parallel()
		reg := testutil.NewRegistry(t)
		platforms := []ocispec.Platform{
			{OS: "linux", Architecture: "amd64"},
			{OS: "linux", Architecture: "arm64", Variant: "v8"},
		}
		want, _ := reg.AddIndex("library/nginx", "latest", platforms, []byte("layer"))

		idx, err := newTestClient(reg).ResolveIndex(context.Background(), "library/nginx", "latest", reg.Token)
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	})

	t.Run("single manifest is wrapped", func(t *testing.T) {
		t.Parallel()
		reg := testutil.NewRegistry(t)
		img := reg.AddImage("library/alpine", "3.20", []byte("layer"))

		idx, err := newTestClient(reg).ResolveIndex(context.Background(), "library/alpine", "3.20", reg.Token)
		require.NoError(t, err)
		assert.Equal(t, 2, idx.SchemaVersion)
		assert.Equal(t, MediaTypeDockerManifest, idx.MediaType)
		require.Len(t, idx.Manifests, 1)
		entry := idx.Manifests[0]
		assert.Equal(t, img.Descriptor.Digest, entry.Digest)
		assert.Equal(t, img.Descriptor.Size, entry.Size)
		assert.Equal(t, MediaTypeDockerManifest, entry.MediaType)
		assert.True(t, IsUnknownPlatform(entry.Platform))
	})

	t.Run("missing media type and digest header", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"config":{"digest":"sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4","size":1}}`)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest+"; charset=utf-8")
			_, _ = w.Write(body)
		}))
		t.Cleanup(srv.Close)

		c := New(WithHTTPClient(srv.Client()), WithRegistryURL(srv.URL))
		idx, err := c.ResolveIndex(context.Background(), "org/app", "v1", "")
		require.NoError(t, err)
		assert.Equal(t, 2, idx.SchemaVersion)
		assert.Equal(t, ocispec.MediaTypeImageManifest, idx.MediaType)
		require.Len(t, idx.Manifests, 1)
		assert.Equal(t, digest.FromBytes(body), idx.Manifests[0].Digest)
		assert.Equal(t, int64(len(body)), idx.Manifests[0].Size)
	})

	t.Run("normalizing a normalized index is a no-op", func(t *testing.T) {
		t.Parallel()
		normalized := SynthesizeIndex(0, MediaTypeDockerManifest, digest.FromString("m"), 42)
		body, err := json.Marshal(normalized)
		require.NoError(t, err)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(body)
		}))
		t.Cleanup(srv.Close)

		c := New(WithHTTPClient(srv.Client()), WithRegistryURL(srv.URL))
		idx, err := c.ResolveIndex(context.Background(), "org/app", "v1", "")
		require.NoError(t, err)
		assert.Equal(t, normalized, idx)
	})

	t.Run("unauthorized", func(t *testing.T) {
		t.Parallel()
		reg := testutil.NewRegistry(t)
		reg.AddImage("library/alpine", "latest", []byte("layer"))

		_, err := newTestClient(reg).ResolveIndex(context.Background(), "library/alpine", "latest", "wrong")
		require.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	})
}

func TestResolveDetail(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("library/alpine", "latest", []byte("one"), []byte("two"))
	reg.AddIndex("library/multi", "latest", []ocispec.Platform{{OS: "linux", Architecture: "amd64"}}, []byte("x"))
	c := newTestClient(reg)
	ctx := context.Background()

	t.Run("returns manifest", func(t *testing.T) {
		t.Parallel()
		m, err := c.ResolveDetail(ctx, "library/alpine", img.Descriptor.Digest.String(), reg.Token, MediaTypeDockerManifest)
		require.NoError(t, err)
		assert.Equal(t, img.Manifest.Config, m.Config)
		assert.Equal(t, img.Manifest.Layers, m.Layers)
	})

	t.Run("not found is a hard error", func(t *testing.T) {
		t.Parallel()
		_, err := c.ResolveDetail(ctx, "library/alpine", digest.FromString("missing").String(), reg.Token, MediaTypeDockerManifest)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, http.StatusNotFound, StatusCode(err))
	})

	t.Run("media type required", func(t *testing.T) {
		t.Parallel()
		_, err := c.ResolveDetail(ctx, "library/alpine", img.Descriptor.Digest.String(), reg.Token, "")
		require.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("index is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := c.ResolveDetail(ctx, "library/multi", "latest", reg.Token, MediaTypeDockerManifestList)
		require.ErrorIs(t, err, ErrInvalidManifest)
	})
}

func TestUnsafeTargetsNeverReachRegistry(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	c := newTestClient(reg)
	ctx := context.Background()

	_, err := c.ResolveDetail(ctx, "library/alpine", "../../../token", reg.Token, MediaTypeDockerManifest)
	require.ErrorIs(t, err, ErrInvalidReference)
	_, err = c.ResolveDetail(ctx, "../alpine", digest.FromString("m").String(), reg.Token, MediaTypeDockerManifest)
	require.ErrorIs(t, err, ErrInvalidReference)
	_, err = c.ResolveIndex(ctx, "library/alpine", "latest?n=1", reg.Token)
	require.ErrorIs(t, err, ErrInvalidReference)
	_, _, err = c.FetchBlob(ctx, "library/alpine/../x", reg.Token, digest.FromString("b"))
	require.ErrorIs(t, err, ErrInvalidReference)

	assert.Zero(t, reg.Hits("/token"))
	assert.Zero(t, reg.Hits("/v2/library/alpine/manifests/latest"))
}

func TestFetchBlob(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	data := testutil.RandomBytes(t, 4096)
	desc := reg.AddBlob("application/octet-stream", data)
	c := newTestClient(reg)

	rc, size, err := c.FetchBlob(context.Background(), "library/alpine", reg.Token, desc.Digest)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), size)

	_, _, err = c.FetchBlob(context.Background(), "library/alpine", reg.Token, "sha256:../../etc")
	require.ErrorIs(t, err, ErrInvalidReference)

	_, _, err = c.FetchBlob(context.Background(), "library/alpine", reg.Token, digest.FromString("absent"))
	require.ErrorIs(t, err, ErrNotFound)
}
