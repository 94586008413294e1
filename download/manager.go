// Package download retrieves a set of blobs into the local cache with a
// fixed pool of workers.
//
// Every blob in a session is attempted, independently of the others, and
// the session only succeeds when all of them succeed. Each transfer has its
// own deadline; cancelling the caller's context does not abort transfers
// already queued, so a disconnected client still leaves a warm cache.
package download

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/imgpull/cache"
	"github.com/meigma/imgpull/progress"
)

// Defaults for a Manager.
const (
	DefaultWorkers    = 3
	DefaultTimeout    = 10 * time.Minute
	defaultBufferSize = 32 << 10
)

// Fetcher opens a blob stream. *registry.Client implements it.
type Fetcher interface {
	FetchBlob(ctx context.Context, image, token string, dgst digest.Digest) (io.ReadCloser, int64, error)
}

// ProgressFunc receives progress events.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(progress.Progress)

// Manager runs download sessions against a cache store.
type Manager struct {
	fetcher  Fetcher
	store    *cache.Store
	workers  int
	timeout  time.Duration
	bufSize  int
	verify   bool
	observer Observer
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the number of concurrent transfers. Values < 1 use the
// default.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithTimeout sets the deadline applied to each individual transfer.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithBufferSize sets the read buffer size, which is also the progress
// granularity.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		m.bufSize = n
	}
}

// WithVerify makes the manager check each downloaded blob against its
// digest.
func WithVerify(enabled bool) Option {
	return func(m *Manager) {
		m.verify = enabled
	}
}

// WithObserver sets an observer notified of transfer outcomes.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager that fetches with fetcher into store.
func NewManager(fetcher Fetcher, store *cache.Store, opts ...Option) *Manager {
	m := &Manager{
		fetcher: fetcher,
		store:   store,
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
		bufSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		m.workers = DefaultWorkers
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.bufSize <= 0 {
		m.bufSize = defaultBufferSize
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Session is one batch of blobs to retrieve for an image.
type Session struct {
	// Image is the normalized repository name.
	Image string
	// Token is the bearer token sent with every blob request.
	Token string
	// Blobs are retrieved in this order of dequeue.
	Blobs []ocispec.Descriptor
	// Progress, if set, receives progress events.
	Progress ProgressFunc
}

// Run retrieves every blob in s and waits for all of them to finish.
//
// The returned report always lists one result per blob, in request order.
// The error is a *PartialFailureError when any blob failed.
func (m *Manager) Run(ctx context.Context, s Session) (*Report, error) {
	report := &Report{
		ID:      ulid.Make().String(),
		Image:   s.Image,
		Results: make([]Result, len(s.Blobs)),
	}
	start := time.Now()
	log := m.log().With("session", report.ID, "image", s.Image)
	log.Info("downloading blobs", "count", len(s.Blobs), "workers", m.workers)

	// Transfers outlive the caller; each one carries its own deadline.
	runCtx := context.WithoutCancel(ctx)
	unique, first := dedupe(s.Blobs)
	q := &queue{items: unique}
	results := make([]Result, len(unique))

	var g errgroup.Group
	for range min(m.workers, len(unique)) {
		g.Go(func() error {
			for {
				i, desc, ok := q.pop()
				if !ok {
					return nil
				}
				results[i] = m.fetchOne(runCtx, log, s, desc)
			}
		})
	}
	_ = g.Wait() //nolint:errcheck // workers record failures in results

	seen := make([]bool, len(unique))
	for i, u := range first {
		res := results[u]
		if seen[u] && res.Success {
			// Repeats are served by the first transfer of the digest.
			res.Skipped = true
		}
		seen[u] = true
		report.Results[i] = res
	}

	report.Elapsed = time.Since(start)
	err := report.Err()
	m.observer.SessionFinished(err == nil)

	sum := report.Summary()
	if err != nil {
		log.Warn("download session failed", "failed", len(report.Failures()), "elapsed", report.Elapsed)
		return report, err
	}
	log.Info("download session complete", "skipped", sum.Skipped, "downloaded", sum.Downloaded, "elapsed", report.Elapsed)
	return report, nil
}

// dedupe drops repeated digests from blobs, keeping the first occurrence.
// first maps every index of blobs to its index in unique.
func dedupe(blobs []ocispec.Descriptor) (unique []ocispec.Descriptor, first []int) {
	index := make(map[digest.Digest]int, len(blobs))
	first = make([]int, len(blobs))
	for i, desc := range blobs {
		u, ok := index[desc.Digest]
		if !ok {
			u = len(unique)
			index[desc.Digest] = u
			unique = append(unique, desc)
		}
		first[i] = u
	}
	return unique, first
}

// queue hands out blobs to workers; each blob is claimed exactly once.
type queue struct {
	mu    sync.Mutex
	items []ocispec.Descriptor
	next  int
}

func (q *queue) pop() (int, ocispec.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.items) {
		return 0, ocispec.Descriptor{}, false
	}
	i := q.next
	q.next++
	return i, q.items[i], true
}
