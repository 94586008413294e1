package hub

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/imgpull/registry"
)

// Repository is one search hit.
type Repository struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	FullName    string `json:"fullName"`
	Description string `json:"description"`
	IsOfficial  bool   `json:"is_official"`
	StarCount   int    `json:"star_count"`
	PullCount   int64  `json:"pull_count"`
}

// SearchResult is a page of repositories.
type SearchResult struct {
	Count   int          `json:"count"`
	Results []Repository `json:"results"`
}

// Tag is one repository tag.
type Tag struct {
	Name        string `json:"name"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// TagsResult is a page of tags.
type TagsResult struct {
	Count   int   `json:"count"`
	Results []Tag `json:"results"`
}

type hubSearchResponse struct {
	Count   *int `json:"count"`
	Results []struct {
		Name        string `json:"name"`
		Namespace   string `json:"namespace"`
		RepoName    string `json:"repo_name"`
		Description string `json:"description"`
		IsOfficial  bool   `json:"is_official"`
		StarCount   int    `json:"star_count"`
		PullCount   int64  `json:"pull_count"`
	} `json:"results"`
}

type hubTagsResponse struct {
	Count   *int  `json:"count"`
	Results []Tag `json:"results"`
}

// Search returns repositories matching query. An empty query returns an
// empty result without contacting the Hub.
func (c *Client) Search(ctx context.Context, query string, page, pageSize int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &SearchResult{Results: []Repository{}}, nil
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("page", strconv.Itoa(Page(page)))
	params.Set("page_size", strconv.Itoa(PageSize(pageSize)))

	var resp hubSearchResponse
	if err := c.getJSON(ctx, "/v2/search/repositories/", params, &resp); err != nil {
		return nil, err
	}

	out := &SearchResult{Results: make([]Repository, 0, len(resp.Results))}
	for _, r := range resp.Results {
		full := r.RepoName
		if full == "" {
			full = r.Namespace + "/" + r.Name
		}
		out.Results = append(out.Results, Repository{
			Name:        r.Name,
			Namespace:   r.Namespace,
			FullName:    full,
			Description: r.Description,
			IsOfficial:  r.IsOfficial,
			StarCount:   r.StarCount,
			PullCount:   r.PullCount,
		})
	}
	out.Count = countOr(resp.Count, len(out.Results))
	return out, nil
}

// Tags lists tags of image, optionally filtered by name. Official images
// may be given without the library/ prefix. An unknown repository yields
// an empty result.
//
// Results are ordered with "latest" first, then by name descending with
// digit runs compared numerically.
func (c *Client) Tags(ctx context.Context, image, name string, page, pageSize int) (*TagsResult, error) {
	empty := &TagsResult{Results: []Tag{}}
	namespace, repo, ok := strings.Cut(registry.NormalizeName(image), "/")
	if !ok || namespace == "" || repo == "" {
		return empty, nil
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(Page(page)))
	params.Set("page_size", strconv.Itoa(PageSize(pageSize)))
	if name = strings.TrimSpace(name); name != "" {
		params.Set("name", name)
	}

	var resp hubTagsResponse
	endpoint := "/v2/repositories/" + namespace + "/" + repo + "/tags"
	if err := c.getJSON(ctx, endpoint, params, &resp); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.log().Debug("repository not found on hub", "image", image)
			return empty, nil
		}
		return nil, err
	}

	tags := resp.Results
	if tags == nil {
		tags = []Tag{}
	}
	SortTags(tags)
	return &TagsResult{Count: countOr(resp.Count, len(tags)), Results: tags}, nil
}

// SortTags orders tags with "latest" first and the rest by descending
// natural order.
func SortTags(tags []Tag) {
	slices.SortStableFunc(tags, func(a, b Tag) int {
		switch {
		case a.Name == b.Name:
			return 0
		case a.Name == "latest":
			return -1
		case b.Name == "latest":
			return 1
		}
		return naturalCompare(b.Name, a.Name)
	})
}

func countOr(n *int, fallback int) int {
	if n == nil {
		return fallback
	}
	return *n
}
