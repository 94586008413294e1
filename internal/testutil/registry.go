package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types served by the fake registry.
const (
	dockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	dockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	dockerConfig       = "application/vnd.docker.container.image.v1+json"
	dockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Image describes an image stored in a fake Registry.
type Image struct {
	Repo          string
	Manifest      ocispec.Manifest
	ManifestBytes []byte
	Descriptor    ocispec.Descriptor
	Config        []byte
	Layers        [][]byte
}

// Registry is an in-process Docker Registry v2 and token service.
//
// Blob responses are streamed in several flushed chunks so progress
// reporting sees intermediate sizes.
type Registry struct {
	Server *httptest.Server

	// Token is the bearer token issued by /token. When empty, no
	// authorization is enforced.
	Token string

	mu        sync.Mutex
	manifests map[string]manifestEntry
	blobs     map[digest.Digest][]byte
	delays    map[digest.Digest]time.Duration
	stalls    map[digest.Digest]stall
	failures  map[digest.Digest]int
	noLength  bool
	scopes    []string
	hits      map[string]int

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

type stall struct {
	after int
	d     time.Duration
}

type manifestEntry struct {
	mediaType string
	body      []byte
	digest    digest.Digest
}

// NewRegistry starts a fake registry that is closed when tb finishes.
func NewRegistry(tb testing.TB) *Registry {
	tb.Helper()
	r := &Registry{
		Token:     "test-token",
		manifests: make(map[string]manifestEntry),
		blobs:     make(map[digest.Digest][]byte),
		delays:    make(map[digest.Digest]time.Duration),
		stalls:    make(map[digest.Digest]stall),
		failures:  make(map[digest.Digest]int),
		hits:      make(map[string]int),
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serveHTTP))
	tb.Cleanup(r.Server.Close)
	return r
}

// URL returns the registry base URL.
func (r *Registry) URL() string { return r.Server.URL }

// TokenURL returns the token endpoint URL.
func (r *Registry) TokenURL() string { return r.Server.URL + "/token" }

// AddBlob stores data and returns its descriptor.
func (r *Registry) AddBlob(mediaType string, data []byte) ocispec.Descriptor {
	dgst := digest.FromBytes(data)
	r.mu.Lock()
	r.blobs[dgst] = data
	r.mu.Unlock()
	return ocispec.Descriptor{MediaType: mediaType, Digest: dgst, Size: int64(len(data))}
}

// AddImage stores a single-platform image and tags it in repo.
func (r *Registry) AddImage(repo, tag string, layers ...[]byte) Image {
	return r.addImage(repo, tag, ocispec.Platform{OS: "linux", Architecture: "amd64"}, layers)
}

func (r *Registry) addImage(repo, tag string, platform ocispec.Platform, layers [][]byte) Image {
	config, _ := json.Marshal(ocispec.Image{ //nolint:errcheck // static structure
		Platform: platform,
		RootFS:   ocispec.RootFS{Type: "layers"},
	})
	img := Image{
		Repo:   repo,
		Config: config,
		Layers: layers,
	}
	img.Manifest = ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: dockerManifest,
		Config:    r.AddBlob(dockerConfig, config),
	}
	for _, l := range layers {
		img.Manifest.Layers = append(img.Manifest.Layers, r.AddBlob(dockerLayer, l))
	}
	img.ManifestBytes, _ = json.Marshal(img.Manifest) //nolint:errcheck // static structure
	img.Descriptor = ocispec.Descriptor{
		MediaType: dockerManifest,
		Digest:    digest.FromBytes(img.ManifestBytes),
		Size:      int64(len(img.ManifestBytes)),
		Platform:  &platform,
	}

	entry := manifestEntry{mediaType: dockerManifest, body: img.ManifestBytes, digest: img.Descriptor.Digest}
	r.mu.Lock()
	r.manifests[repo+"@"+img.Descriptor.Digest.String()] = entry
	if tag != "" {
		r.manifests[repo+":"+tag] = entry
	}
	r.mu.Unlock()
	return img
}

// AddIndex stores one image per platform and tags a manifest list
// referencing all of them.
func (r *Registry) AddIndex(repo, tag string, platforms []ocispec.Platform, layers ...[]byte) (ocispec.Index, []Image) {
	idx := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: dockerManifestList,
	}
	images := make([]Image, 0, len(platforms))
	for i, p := range platforms {
		perPlatform := make([][]byte, 0, len(layers))
		for _, l := range layers {
			perPlatform = append(perPlatform, append([]byte(fmt.Sprintf("%d:", i)), l...))
		}
		img := r.addImage(repo, "", p, perPlatform)
		images = append(images, img)
		idx.Manifests = append(idx.Manifests, img.Descriptor)
	}
	body, _ := json.Marshal(idx) //nolint:errcheck // static structure
	r.mu.Lock()
	r.manifests[repo+":"+tag] = manifestEntry{mediaType: dockerManifestList, body: body, digest: digest.FromBytes(body)}
	r.mu.Unlock()
	return idx, images
}

// DelayBlob makes requests for dgst stall for d before the body is sent.
func (r *Registry) DelayBlob(dgst digest.Digest, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[dgst] = d
}

// StallBlob makes requests for dgst send the headers and the first after
// bytes of the body, then stall for d before sending the rest. A zero d
// removes the fault.
func (r *Registry) StallBlob(dgst digest.Digest, after int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 {
		delete(r.stalls, dgst)
		return
	}
	r.stalls[dgst] = stall{after: after, d: d}
}

// FailBlob makes requests for dgst answer with status.
func (r *Registry) FailBlob(dgst digest.Digest, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[dgst] = status
}

// OmitContentLength makes blob responses use chunked encoding.
func (r *Registry) OmitContentLength() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noLength = true
}

// Hits returns how many requests reached path.
func (r *Registry) Hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

// BlobHits returns how many blob requests for dgst in repo were served.
func (r *Registry) BlobHits(repo string, dgst digest.Digest) int {
	return r.Hits("/v2/" + repo + "/blobs/" + dgst.String())
}

// Scopes returns the scope parameters received by the token endpoint.
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scopes...)
}

// MaxConcurrentBlobs returns the highest number of blob requests that were
// in flight at the same time.
func (r *Registry) MaxConcurrentBlobs() int {
	return int(r.maxInflight.Load())
}

func (r *Registry) serveHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits[req.URL.Path]++
	r.mu.Unlock()

	if req.URL.Path == "/token" {
		r.serveToken(w, req)
		return
	}
	if r.Token != "" && req.Header.Get("Authorization") != "Bearer "+r.Token {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	if i := strings.LastIndex(path, "/manifests/"); i > 0 {
		r.serveManifest(w, req, path[:i], path[i+len("/manifests/"):])
		return
	}
	if i := strings.LastIndex(path, "/blobs/"); i > 0 {
		r.serveBlob(w, req, digest.Digest(path[i+len("/blobs/"):]))
		return
	}
	writeError(w, http.StatusNotFound, "NAME_UNKNOWN", "unknown route")
}

func (r *Registry) serveToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.scopes = append(r.scopes, req.URL.Query().Get("scope"))
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
		"token":      r.Token,
		"expires_in": 300,
		"issued_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, repo, ref string) {
	sep := ":"
	if strings.Contains(ref, ":") {
		sep = "@"
	}
	r.mu.Lock()
	entry, ok := r.manifests[repo+sep+ref]
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
		return
	}
	if accept := req.Header.Get("Accept"); entry.mediaType == dockerManifestList && !strings.Contains(accept, dockerManifestList) {
		writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "no manifest matches accept header")
		return
	}
	w.Header().Set("Content-Type", entry.mediaType)
	w.Header().Set("Docker-Content-Digest", entry.digest.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.body)))
	_, _ = w.Write(entry.body) //nolint:errcheck // test server
}

func (r *Registry) serveBlob(w http.ResponseWriter, req *http.Request, dgst digest.Digest) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		cur := r.maxInflight.Load()
		if n <= cur || r.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	r.mu.Lock()
	data, ok := r.blobs[dgst]
	delay := r.delays[dgst]
	st, stalled := r.stalls[dgst]
	status := r.failures[dgst]
	noLength := r.noLength
	r.mu.Unlock()

	if status != 0 {
		writeError(w, status, "BLOB_UNKNOWN", "injected failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if !noLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	}
	flusher, _ := w.(http.Flusher) //nolint:errcheck // httptest writers implement Flusher
	if stalled {
		head := min(st.after, len(data))
		if _, err := w.Write(data[:head]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-time.After(st.d):
		case <-req.Context().Done():
			return
		}
		data = data[head:]
	}
	chunk := max(len(data)/4, 1)
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if _, err := w.Write(data[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test server
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}
