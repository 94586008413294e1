//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/imgpull"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Token Service ---

// newTokenServer issues a fixed token. registry:2 runs without auth and
// ignores it, but the pipeline always asks for one.
func newTokenServer(tb testing.TB) *httptest.Server {
	tb.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"anonymous","expires_in":300}`)) //nolint:errcheck // test server
	}))
	tb.Cleanup(srv.Close)
	return srv
}

// --- Test Client Factory ---

// newTestClient creates a client configured for the local test registry.
func newTestClient(tb testing.TB, registryAddr string, opts ...imgpull.Option) *imgpull.Client {
	tb.Helper()

	tokens := newTokenServer(tb)
	allOpts := append([]imgpull.Option{
		imgpull.WithRegistryURL("http://" + registryAddr),
		imgpull.WithAuthURL(tokens.URL, "integration"),
		imgpull.WithCacheDir(tb.TempDir()),
		imgpull.WithWorkDir(tb.TempDir()),
	}, opts...)

	client, err := imgpull.NewClient(allOpts...)
	require.NoError(tb, err, "create test client")
	return client
}

// --- Image Seeding ---

// seededImage describes an image pushed by seedImage.
type seededImage struct {
	Repo     string
	Tag      string
	Index    ocispec.Descriptor
	Manifest ocispec.Descriptor
	Config   ocispec.Descriptor
	Layers   []ocispec.Descriptor
	Data     [][]byte
}

// seedImage pushes a linux/amd64 image with the given layers under an OCI
// index tagged tag.
func seedImage(tb testing.TB, registryAddr, name, tag string, layers ...[]byte) seededImage {
	tb.Helper()
	ctx := context.Background()

	repoName := "test/" + name
	repo, err := remote.NewRepository(registryAddr + "/" + repoName)
	require.NoError(tb, err)
	repo.PlainHTTP = true

	img := seededImage{Repo: repoName, Tag: tag, Data: layers}
	platform := ocispec.Platform{OS: "linux", Architecture: "amd64"}

	cfg := ocispec.Image{Platform: platform, RootFS: ocispec.RootFS{Type: "layers"}}
	for _, l := range layers {
		desc, err := oras.PushBytes(ctx, repo, ocispec.MediaTypeImageLayer, l)
		require.NoError(tb, err, "push layer")
		img.Layers = append(img.Layers, desc)
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, desc.Digest)
	}

	cfgBytes, err := json.Marshal(cfg)
	require.NoError(tb, err)
	img.Config, err = oras.PushBytes(ctx, repo, ocispec.MediaTypeImageConfig, cfgBytes)
	require.NoError(tb, err, "push config")

	img.Manifest, err = oras.PackManifest(ctx, repo, oras.PackManifestVersion1_1, "", oras.PackManifestOptions{
		Layers:           img.Layers,
		ConfigDescriptor: &img.Config,
	})
	require.NoError(tb, err, "pack manifest")

	entry := img.Manifest
	entry.Platform = &platform
	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{entry},
	}
	indexBytes, err := json.Marshal(index)
	require.NoError(tb, err)
	img.Index = content.NewDescriptorFromBytes(ocispec.MediaTypeImageIndex, indexBytes)
	require.NoError(tb, repo.PushReference(ctx, img.Index, bytes.NewReader(indexBytes), tag), "push index")

	return img
}

// makeRandomContent creates random binary content.
func makeRandomContent(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}
