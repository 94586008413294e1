package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgpull/registry"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRetry(2, time.Millisecond, 5*time.Millisecond))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func TestSearch(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/search/repositories/", r.URL.Path)
		gotQuery.Store(r.URL.RawQuery)
		writeJSON(w, map[string]any{
			"count": 42,
			"results": []map[string]any{
				{"name": "nginx", "namespace": "library", "repo_name": "nginx", "is_official": true, "star_count": 10, "pull_count": 1000},
				{"name": "nginx-proxy", "namespace": "jwilder", "description": "proxy"},
			},
		})
	}))

	res, err := c.Search(context.Background(), " nginx ", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "page=1&page_size=25&query=nginx", gotQuery.Load())
	assert.Equal(t, 42, res.Count)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "nginx", res.Results[0].FullName)
	assert.True(t, res.Results[0].IsOfficial)
	assert.Equal(t, "jwilder/nginx-proxy", res.Results[1].FullName)
	assert.Equal(t, "proxy", res.Results[1].Description)
}

func TestSearchEmptyQuery(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))

	res, err := c.Search(context.Background(), "   ", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Results)
	assert.Zero(t, hits.Load())
}

func TestSearchCountFallback(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"results": []map[string]any{{"name": "a", "namespace": "b"}}})
	}))
	res, err := c.Search(context.Background(), "a", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestTags(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotQuery.Store(r.URL.RawQuery)
		writeJSON(w, map[string]any{
			"count": 5,
			"results": []map[string]any{
				{"name": "1.9"},
				{"name": "latest", "last_updated": "2024-05-01T00:00:00Z"},
				{"name": "1.10"},
				{"name": "1.10-alpine"},
				{"name": "1.2"},
			},
		})
	}))

	res, err := c.Tags(context.Background(), "nginx", "1.", 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "/v2/repositories/library/nginx/tags", gotPath.Load())
	assert.Equal(t, "name=1.&page=2&page_size=5", gotQuery.Load())
	assert.Equal(t, 5, res.Count)

	names := make([]string, 0, len(res.Results))
	for _, tag := range res.Results {
		names = append(names, tag.Name)
	}
	assert.Equal(t, []string{"latest", "1.10-alpine", "1.10", "1.9", "1.2"}, names)
	assert.Equal(t, "2024-05-01T00:00:00Z", res.Results[0].LastUpdated)
}

func TestTagsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())
	res, err := c.Tags(context.Background(), "nobody/nothing", "", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Results)
}

func TestTagsEmptyImage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	res, err := c.Tags(context.Background(), "", "", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Zero(t, hits.Load())
}

func TestRetryThenFail(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Search(context.Background(), "redis", 1, 10)
	require.ErrorIs(t, err, registry.ErrUpstream)
	assert.Equal(t, http.StatusBadGateway, registry.StatusCode(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRetryRecovers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"count": 0, "results": []any{}})
	}))

	_, err := c.Search(context.Background(), "redis", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPaging(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Page(-3))
	assert.Equal(t, 4, Page(4))
	assert.Equal(t, DefaultPageSize, PageSize(0))
	assert.Equal(t, 1, PageSize(-1))
	assert.Equal(t, 25, PageSize(26))
	assert.Equal(t, 7, PageSize(7))
}

func TestNaturalCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1.9", "1.10", -1},
		{"1.10", "1.9", 1},
		{"v2", "v10", -1},
		{"alpine", "Alpine", 1},
		{"1.2", "1.2-alpine", -1},
		{"same", "same", 0},
		{"007", "7", -1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, naturalCompare(tt.a, tt.b))
		})
	}
}
