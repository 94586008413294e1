package imgpull

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgpull/export"
	"github.com/meigma/imgpull/internal/testutil"
	"github.com/meigma/imgpull/progress"
	"github.com/meigma/imgpull/registry"
)

func newTestClient(t *testing.T, reg *testutil.Registry, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithHTTPClient(reg.Server.Client()),
		WithRegistryURL(reg.URL()),
		WithAuthURL(reg.TokenURL(), "test-registry"),
		WithCacheDir(t.TempDir()),
		WithWorkDir(t.TempDir()),
	}
	c, err := NewClient(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClientOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opt     Option
		wantErr string
	}{
		{name: "empty cache dir", opt: WithCacheDir(""), wantErr: "cache dir is empty"},
		{name: "empty work dir", opt: WithWorkDir(""), wantErr: "work dir is empty"},
		{name: "zero concurrency", opt: WithConcurrency(0), wantErr: "concurrency must be at least 1"},
		{name: "negative timeout", opt: WithBlobTimeout(-time.Second), wantErr: "blob timeout must be positive"},
		{name: "empty registry", opt: WithRegistryURL(""), wantErr: "registry URL is empty"},
		{name: "empty auth", opt: WithAuthURL("", ""), wantErr: "auth URL is empty"},
		{name: "valid concurrency", opt: WithConcurrency(5)},
		{name: "valid timeout", opt: WithBlobTimeout(time.Minute)},
		{name: "unusable cache mode", opt: WithCacheDirMode(0o500), wantErr: "must grant the owner rwx"},
		{name: "valid cache mode", opt: WithCacheDirMode(0o750)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(WithCacheDir(t.TempDir()), WithWorkDir(t.TempDir()), tt.opt)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c.Store())
		})
	}
}

func TestPullRequiresToken(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	c := newTestClient(t, reg)
	_, err := c.Pull(context.Background(), PullRequest{Image: "alpine"})
	require.ErrorIs(t, err, ErrAuthMissing)
}

func TestUnsafeNamesRejected(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("library/alpine", "3.20", []byte("l1"))
	c := newTestClient(t, reg)
	ctx := context.Background()

	_, err := c.Pull(ctx, PullRequest{Image: "../alpine", Token: reg.Token, Layers: img.Manifest.Layers})
	require.ErrorIs(t, err, ErrInvalidReference)

	for _, req := range []ExportRequest{
		{Image: "library/../alpine", Tag: "3.20", Token: reg.Token, Manifest: img.Manifest},
		{Image: "alpine", Tag: "../3.20", Token: reg.Token, Manifest: img.Manifest},
		{Image: "alpine", Tag: "sha256:" + img.Descriptor.Digest.Encoded(), Token: reg.Token, Manifest: img.Manifest},
	} {
		err := c.Export(ctx, req, io.Discard)
		require.ErrorIs(t, err, ErrInvalidReference, "%s:%s", req.Image, req.Tag)
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Equal(t, "validate", asmErr.Op)
	}
	assert.Zero(t, reg.BlobHits("library/alpine", img.Manifest.Layers[0].Digest))
}

func TestConfigPlatformIgnoresArtifactConfigs(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, testutil.NewRegistry(t))
	data := []byte(`{"os":"linux","architecture":"s390x"}`)
	desc := ocispec.Descriptor{MediaType: registry.MediaTypeDockerConfig, Digest: digest.FromBytes(data), Size: int64(len(data))}
	path, err := c.Store().Path("library/tool", desc.Digest)
	require.NoError(t, err)
	f, err := c.Store().Create(path)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fallback := DefaultPlatform()
	assert.Equal(t, "s390x", c.configPlatform("library/tool", desc, fallback).Architecture)

	desc.MediaType = "application/vnd.cncf.helm.config.v1+json"
	assert.Equal(t, fallback, c.configPlatform("library/tool", desc, fallback))
}

func TestSelectManifest(t *testing.T) {
	t.Parallel()

	amd64 := ocispec.Descriptor{Digest: "sha256:01", Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}}
	arm64 := ocispec.Descriptor{Digest: "sha256:02", Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}}
	armv7 := ocispec.Descriptor{Digest: "sha256:03", Platform: &ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}}
	attest := ocispec.Descriptor{Digest: "sha256:04", Platform: &ocispec.Platform{OS: "unknown", Architecture: "unknown"}}

	multi := ocispec.Index{Manifests: []ocispec.Descriptor{amd64, arm64, armv7, attest}}
	single := ocispec.Index{Manifests: []ocispec.Descriptor{attest}}

	tests := []struct {
		name     string
		idx      ocispec.Index
		platform string
		want     string
		wantErr  error
	}{
		{name: "amd64", idx: multi, platform: "linux/amd64", want: "sha256:01"},
		{name: "arm64", idx: multi, platform: "linux/arm64", want: "sha256:02"},
		{name: "arm v7", idx: multi, platform: "linux/arm/v7", want: "sha256:03"},
		{name: "no match", idx: multi, platform: "windows/amd64", wantErr: ErrNoMatchingPlatform},
		{name: "single unknown matches anything", idx: single, platform: "linux/s390x", want: "sha256:04"},
		{name: "empty index", idx: ocispec.Index{}, platform: "linux/amd64", wantErr: ErrNoMatchingPlatform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePlatform(tt.platform)
			require.NoError(t, err)
			got, err := SelectManifest(tt.idx, p)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Digest.String())
		})
	}
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	p, err := ParsePlatform("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPlatform(), p)
	assert.Equal(t, "linux", p.OS)

	_, err = ParsePlatform("not a/valid/platform/string")
	require.Error(t, err)
}

func readManifest(t *testing.T, archive []byte) []map[string]any {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Name == "manifest.json" {
			var m []map[string]any
			require.NoError(t, json.NewDecoder(tr).Decode(&m))
			return m
		}
	}
	t.Fatal("manifest.json not found")
	return nil
}

func TestPullImageColdThenWarm(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	platforms := []ocispec.Platform{
		{OS: "linux", Architecture: "amd64"},
		{OS: "linux", Architecture: "arm64"},
	}
	_, images := reg.AddIndex("library/nginx", "latest", platforms,
		testutil.RandomBytes(t, 3000), testutil.RandomBytes(t, 5000), testutil.RandomBytes(t, 7000))
	c := newTestClient(t, reg)

	var (
		mu     sync.Mutex
		events []progress.Progress
	)
	record := func(p progress.Progress) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	}

	var cold bytes.Buffer
	res, err := c.PullImage(context.Background(), "nginx", "linux/arm64", &cold, record)
	require.NoError(t, err)
	assert.Equal(t, "library/nginx", res.Image)
	assert.Equal(t, "latest", res.Tag)
	assert.Equal(t, images[1].Descriptor.Digest, res.Manifest.Digest)
	assert.Equal(t, progress.Summary{Total: 4, Skipped: 0, Downloaded: 4}, res.Report.Summary())
	assert.NotEmpty(t, events)

	manifest := readManifest(t, cold.Bytes())
	require.Len(t, manifest, 1)
	assert.Equal(t, []any{"library/nginx:latest"}, manifest[0]["RepoTags"])
	assert.Len(t, manifest[0]["Layers"], 3)

	for _, l := range images[1].Manifest.Layers {
		assert.Equal(t, 1, reg.BlobHits("library/nginx", l.Digest))
	}

	var warm bytes.Buffer
	res, err = c.PullImage(context.Background(), "nginx:latest", "linux/arm64", &warm, nil)
	require.NoError(t, err)
	assert.Equal(t, progress.Summary{Total: 4, Skipped: 4, Downloaded: 0}, res.Report.Summary())
	for _, l := range images[1].Manifest.Layers {
		assert.Equal(t, 1, reg.BlobHits("library/nginx", l.Digest), "warm pull must not refetch")
	}
	assert.Equal(t, 1, reg.Hits("/token"), "token is cached between pulls")
}

func TestPullImageSingleManifest(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("org/tool", "v1", []byte("only layer"))
	require.Equal(t, registry.MediaTypeDockerConfig, img.Manifest.Config.MediaType)
	c := newTestClient(t, reg, WithCompression(export.CompressionNone))

	var buf bytes.Buffer
	res, err := c.PullImage(context.Background(), "org/tool:v1", "linux/riscv64", &buf, nil)
	require.NoError(t, err)
	// The platform comes from the image config when the index is synthesized.
	assert.Equal(t, "amd64", res.Platform.Architecture)
	assert.Equal(t, "linux", res.Platform.OS)
	assert.Equal(t, []any{"org/tool:v1"}, readManifest(t, buf.Bytes())[0]["RepoTags"])
}

func TestPullImageFailureProducesNoArchive(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("org/broken", "v1", []byte("good"), []byte("bad"))
	reg.FailBlob(img.Manifest.Layers[1].Digest, http.StatusInternalServerError)
	c := newTestClient(t, reg)

	var buf bytes.Buffer
	res, err := c.PullImage(context.Background(), "org/broken:v1", "", &buf, nil)
	require.ErrorIs(t, err, ErrPartialFailure)
	var pfe *PartialFailureError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, img.Manifest.Layers[1].Digest, pfe.Failures[0].Digest)
	require.NotNil(t, res)
	assert.Zero(t, buf.Len())
}

func TestExportUsesCacheWithoutToken(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("library/alpine", "3.20", []byte("l1"), []byte("l2"))
	c := newTestClient(t, reg)
	ctx := context.Background()

	req := ExportRequest{
		Image:    "alpine",
		Tag:      "3.20",
		Manifest: img.Manifest,
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
	}

	err := c.Export(ctx, req, io.Discard)
	require.ErrorIs(t, err, ErrAuthMissing)

	req.Token = reg.Token
	var first bytes.Buffer
	require.NoError(t, c.Export(ctx, req, &first))
	assert.Equal(t, []any{"alpine:3.20"}, readManifest(t, first.Bytes())[0]["RepoTags"])
	assert.Equal(t, "alpine-3.20.tar", c.ExportFileName(req))
	assert.Equal(t, "application/x-tar", c.ExportContentType())

	req.Token = ""
	var second bytes.Buffer
	require.NoError(t, c.Export(ctx, req, &second))
	assert.Equal(t, first.Len(), second.Len())
}

func TestResolveNormalizesName(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	img := reg.AddImage("library/busybox", "latest", []byte("x"))
	c := newTestClient(t, reg)
	ctx := context.Background()

	tok, err := c.Token(ctx, "busybox", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"repository:library/busybox:pull"}, reg.Scopes())

	idx, err := c.ResolveIndex(ctx, "busybox", "latest", tok.Value)
	require.NoError(t, err)
	require.Len(t, idx.Manifests, 1)

	m, err := c.ResolveDetail(ctx, "busybox", idx.Manifests[0].Digest.String(), tok.Value, idx.Manifests[0].MediaType)
	require.NoError(t, err)
	assert.Equal(t, img.Manifest.Layers, m.Layers)

	_, err = c.ResolveDetail(ctx, "busybox", idx.Manifests[0].Digest.String(), "bad-token", idx.Manifests[0].MediaType)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
}
