package server

import (
	"fmt"
	"net/http"

	"github.com/meigma/imgpull"
)

func assembleRequest(r *http.Request) (imgpull.ExportRequest, error) {
	image, err := requireQuery(r, "imageName")
	if err != nil {
		return imgpull.ExportRequest{}, err
	}
	tag := query(r, "tag")
	if tag == "" {
		tag = "latest"
	}

	var m assembleManifest
	present, err := jsonQuery(r, "manifest", &m)
	if err != nil {
		return imgpull.ExportRequest{}, err
	}
	if !present {
		return imgpull.ExportRequest{}, badRequest("missing %q", "manifest")
	}

	req := imgpull.ExportRequest{
		Image:    image,
		Tag:      tag,
		Token:    bearerToken(r),
		Manifest: m.Manifest,
	}
	if m.Platform != nil {
		req.Platform = *m.Platform
	}
	return req, nil
}

// handleAssemble streams the docker-save archive. Errors found before the
// first byte get a JSON error; later ones abort the stream.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	req, err := assembleRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	layout, err := s.client.PrepareExport(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer layout.Close()

	name := s.client.ExportFileName(req)
	w.Header().Set("Content-Type", s.client.ExportContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	if err := layout.Write(r.Context(), w); err != nil {
		s.log().Error("archive stream aborted", "image", req.Image, "tag", req.Tag, "error", err)
		panic(http.ErrAbortHandler)
	}
	s.log().Info("archive sent", "image", req.Image, "tag", req.Tag, "file", name)
}
