package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// query returns the trimmed query parameter key.
func query(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// requireQuery returns the query parameter key or a bad-request error.
func requireQuery(r *http.Request, key string) (string, error) {
	v := query(r, key)
	if v == "" {
		return "", badRequest("missing %q", key)
	}
	return v, nil
}

// bearerToken returns the token parameter, falling back to an
// Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if tok := query(r, "token"); tok != "" {
		return tok
	}
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return ""
}

// intQuery parses an integer parameter. Missing or malformed values yield
// zero, which the hub client replaces with its default.
func intQuery(r *http.Request, key string) int {
	n, err := strconv.Atoi(query(r, key))
	if err != nil {
		return 0
	}
	return n
}

// jsonQuery decodes the JSON-encoded parameter key into v. It reports
// whether the parameter was present.
func jsonQuery(r *http.Request, key string, v any) (bool, error) {
	raw := query(r, key)
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, badRequest("invalid %q: %v", key, err)
	}
	return true, nil
}

// assembleManifest is the manifest parameter of /assemble-image: an image
// manifest plus the platform chosen from the index.
type assembleManifest struct {
	ocispec.Manifest
	Platform *ocispec.Platform `json:"platform,omitempty"`
}
