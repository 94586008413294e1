package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meigma/imgpull"
	"github.com/meigma/imgpull/cache"
)

// errBadRequest marks errors caused by request parameters.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// statusFor maps err to an HTTP status.
func statusFor(err error) int {
	var asmErr *imgpull.AssemblyError
	switch {
	case errors.Is(err, imgpull.ErrAuthMissing):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, imgpull.ErrInvalidReference),
		errors.Is(err, imgpull.ErrInvalidManifest),
		errors.Is(err, cache.ErrInvalidDigest):
		return http.StatusBadRequest
	case errors.As(err, &asmErr) && asmErr.Op == "validate":
		return http.StatusBadRequest
	case errors.Is(err, imgpull.ErrNoMatchingPlatform):
		return http.StatusNotFound
	}
	if code := imgpull.StatusCode(err); code != 0 {
		return code
	}
	if errors.Is(err, imgpull.ErrUpstream) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

// writeError sends err as a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.log().With("path", r.URL.Path, "status", status, "error", err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}
	writeJSON(w, status, errorBody{StatusCode: status, Message: err.Error()})
}
