package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgpull/progress"
)

// Sentinel errors for download sessions.
var (
	// ErrPartialFailure matches a *PartialFailureError.
	ErrPartialFailure = errors.New("download: partial failure")

	// ErrTimeout matches a *PartialFailureError in which at least one
	// transfer hit its deadline.
	ErrTimeout = errors.New("download: timeout")

	// ErrSizeMismatch is returned when a blob body does not match its
	// declared size.
	ErrSizeMismatch = errors.New("download: size mismatch")

	// ErrDigestMismatch is returned when a verified blob does not match its
	// digest.
	ErrDigestMismatch = errors.New("download: digest mismatch")
)

// Result is the outcome for one blob.
type Result struct {
	Digest   digest.Digest `json:"digest"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped"`
	FileName string        `json:"fileName,omitempty"`
	Error    string        `json:"error,omitempty"`
	Timeout  bool          `json:"timeout,omitempty"`
}

// Report is the outcome of a session.
type Report struct {
	ID      string
	Image   string
	Results []Result
	Elapsed time.Duration
}

// Summary counts the results.
func (r *Report) Summary() progress.Summary {
	s := progress.Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			s.Skipped++
		case res.Success:
			s.Downloaded++
		}
	}
	return s
}

// Failures returns the failed results in request order.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Err returns a *PartialFailureError when any blob failed.
func (r *Report) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	return &PartialFailureError{Total: len(r.Results), Failures: failures}
}

// PartialFailureError reports the blobs that failed in a session.
type PartialFailureError struct {
	Total    int
	Failures []Result
}

func (e *PartialFailureError) Error() string {
	timeouts := e.Timeouts()
	if timeouts > 0 {
		return fmt.Sprintf("%d of %d blobs failed (%d timed out)", len(e.Failures), e.Total, timeouts)
	}
	return fmt.Sprintf("%d of %d blobs failed", len(e.Failures), e.Total)
}

// Unwrap lets errors.Is match ErrPartialFailure and, when a deadline fired,
// ErrTimeout.
func (e *PartialFailureError) Unwrap() []error {
	errs := []error{ErrPartialFailure}
	if e.Timeouts() > 0 {
		errs = append(errs, ErrTimeout)
	}
	return errs
}

// Timeouts counts failures caused by a deadline.
func (e *PartialFailureError) Timeouts() int {
	n := 0
	for _, f := range e.Failures {
		if f.Timeout {
			n++
		}
	}
	return n
}

// Digests returns the failed digests.
func (e *PartialFailureError) Digests() []digest.Digest {
	out := make([]digest.Digest, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Digest
	}
	return out
}

// Event converts the failure into the terminal progress event.
func (e *PartialFailureError) Event() progress.Error {
	ev := progress.Error{
		Message: "some layers failed to download: " + e.Error(),
		Details: e.Digests(),
	}
	for _, f := range e.Failures {
		ev.Failures = append(ev.Failures, progress.Failure{
			Digest:  f.Digest,
			Error:   f.Error,
			Timeout: f.Timeout,
		})
	}
	return ev
}
