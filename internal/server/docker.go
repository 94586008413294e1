package server

import (
	"net/http"

	"github.com/meigma/imgpull/registry"
)

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	image, err := requireQuery(r, "imageName")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scope := query(r, "scope")
	if scope == "" {
		scope = registry.DefaultScope
	}

	tok, err := s.client.Token(r.Context(), image, scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	image, err := requireQuery(r, "imageName")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag := query(r, "tag")
	if tag == "" {
		tag = "latest"
	}

	idx, err := s.client.ResolveIndex(r.Context(), image, tag, bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (s *Server) handleManifestDetail(w http.ResponseWriter, r *http.Request) {
	var params [3]string
	for i, key := range []string{"imageName", "digest", "mediaType"} {
		v, err := requireQuery(r, key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		params[i] = v
	}

	m, err := s.client.ResolveDetail(r.Context(), params[0], params[1], bearerToken(r), params[2])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	res, err := s.hub.Search(r.Context(), query(r, "query"), intQuery(r, "page"), intQuery(r, "pageSize"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	res, err := s.hub.Tags(r.Context(), query(r, "imageName"), query(r, "query"), intQuery(r, "page"), intQuery(r, "pageSize"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
