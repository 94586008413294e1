package download

import "time"

// Outcome classifies a finished blob.
type Outcome string

// Blob outcomes.
const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimeout    Outcome = "timeout"
)

// Observer receives transfer events, typically to record metrics.
// Implementations must be safe for concurrent calls.
type Observer interface {
	// BlobStarted is called when a worker claims a blob.
	BlobStarted()
	// BlobFinished is called once for every BlobStarted. Network transfers
	// report bytes received and elapsed time; cache hits report zero.
	BlobFinished(outcome Outcome, bytes int64, elapsed time.Duration)
	// SessionFinished is called once per session.
	SessionFinished(ok bool)
}

type nopObserver struct{}

func (nopObserver) BlobStarted() {}

func (nopObserver) BlobFinished(Outcome, int64, time.Duration) {}

func (nopObserver) SessionFinished(bool) {}
