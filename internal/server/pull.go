package server

import (
	"context"
	"errors"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull"
	"github.com/meigma/imgpull/progress"
	"github.com/meigma/imgpull/registry"
)

// pullRequest reads the pull parameters. The token is checked first so a
// request without one is always answered with 401.
func pullRequest(r *http.Request) (imgpull.PullRequest, error) {
	token := bearerToken(r)
	if token == "" {
		return imgpull.PullRequest{}, imgpull.ErrAuthMissing
	}
	image, err := requireQuery(r, "imageName")
	if err != nil {
		return imgpull.PullRequest{}, err
	}
	if err := registry.ValidateName(registry.NormalizeName(image)); err != nil {
		return imgpull.PullRequest{}, err
	}

	var layers []ocispec.Descriptor
	present, err := jsonQuery(r, "layers", &layers)
	if err != nil {
		return imgpull.PullRequest{}, err
	}
	if !present {
		return imgpull.PullRequest{}, badRequest("missing %q", "layers")
	}

	req := imgpull.PullRequest{Image: image, Token: token, Layers: layers}
	var config ocispec.Descriptor
	present, err = jsonQuery(r, "config", &config)
	if err != nil {
		return imgpull.PullRequest{}, err
	}
	if present {
		req.Config = &config
	}
	return req, nil
}

// runPull executes req and reports progress and the terminal event on ch.
func (s *Server) runPull(ctx context.Context, req imgpull.PullRequest, ch *progress.Channel) {
	log := s.log().With("image", req.Image, "blobs", len(req.Layers))
	req.Progress = func(p progress.Progress) {
		_ = ch.Progress(p) //nolint:errcheck // the channel logs sink failures
	}

	report, err := s.client.Pull(ctx, req)
	var sendErr error
	var pfe *imgpull.PartialFailureError
	switch {
	case err == nil:
		sendErr = ch.Summary(report.Summary())
	case errors.As(err, &pfe):
		log.Warn("pull finished with failures", "error", err)
		sendErr = ch.Fail(pfe.Event())
	default:
		log.Error("pull failed", "error", err)
		sendErr = ch.Fail(progress.Error{Message: err.Error()})
	}
	if sendErr != nil {
		log.Debug("terminal event not delivered", "error", sendErr)
	}
}

func (s *Server) handlePullSSE(w http.ResponseWriter, r *http.Request) {
	req, err := pullRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ch := progress.NewChannel(progress.NewSSEWriter(w), progress.WithLogger(s.logger))
	s.runPull(r.Context(), req, ch)
}

func (s *Server) handlePullWebSocket(w http.ResponseWriter, r *http.Request) {
	req, err := pullRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.log().Debug("websocket upgrade failed", "error", err)
		return
	}
	sink := progress.NewWebSocketSink(conn)
	defer sink.Close()

	// Drain inbound frames so control messages are processed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ch := progress.NewChannel(sink, progress.WithLogger(s.logger))
	s.runPull(r.Context(), req, ch)
}
