// Package progress carries pull progress to a client over a long-lived
// connection.
//
// A session emits zero or more [Progress] events followed by exactly one
// terminal event, either a [Summary] or an [Error]. [Channel] enforces that
// contract on top of a transport [Sink].
package progress

import "github.com/opencontainers/go-digest"

// Progress reports bytes received for one blob.
type Progress struct {
	LayerDigest    digest.Digest `json:"layerDigest"`
	DownloadedSize int64         `json:"downloadedSize"`
	TotalSize      int64         `json:"totalSize"`
	Percentage     int           `json:"percentage"`
}

// Summary is the terminal event of a successful session.
type Summary struct {
	Total      int `json:"total"`
	Skipped    int `json:"skipped"`
	Downloaded int `json:"downloaded"`
}

// Failure describes one blob that could not be retrieved.
type Failure struct {
	Digest  digest.Digest `json:"digest"`
	Error   string        `json:"error"`
	Timeout bool          `json:"timeout,omitempty"`
}

// Error is the terminal event of a failed session.
type Error struct {
	Message string `json:"message"`
	// Details lists the digests that failed.
	Details  []digest.Digest `json:"details,omitempty"`
	Failures []Failure       `json:"failures,omitempty"`
}

type summaryEnvelope struct {
	Summary Summary `json:"summary"`
}

type errorEnvelope struct {
	Error Error `json:"error"`
}

// Percentage returns floor(downloaded*100/total), clamped to [0, 100].
// A non-positive total yields 0.
func Percentage(downloaded, total int64) int {
	if total <= 0 || downloaded <= 0 {
		return 0
	}
	if downloaded >= total {
		return 100
	}
	return int(downloaded * 100 / total)
}

// Complete builds the final 100% event for a blob of size bytes.
func Complete(dgst digest.Digest, size int64) Progress {
	return Progress{
		LayerDigest:    dgst,
		DownloadedSize: size,
		TotalSize:      size,
		Percentage:     100,
	}
}

// NewProgress builds a progress event for dgst.
func NewProgress(dgst digest.Digest, downloaded, total int64) Progress {
	return Progress{
		LayerDigest:    dgst,
		DownloadedSize: downloaded,
		TotalSize:      total,
		Percentage:     Percentage(downloaded, total),
	}
}
