package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/imgpull/progress"
)

// timeoutReason is the error text recorded for a transfer whose deadline
// fired.
const timeoutReason = "timeout"

func (s Session) emit(p progress.Progress) {
	if s.Progress != nil {
		s.Progress(p)
	}
}

// fetchOne resolves a single blob, from the cache when possible.
func (m *Manager) fetchOne(ctx context.Context, log *slog.Logger, s Session, desc ocispec.Descriptor) Result {
	res := Result{Digest: desc.Digest}
	m.observer.BlobStarted()

	probe, err := m.store.Probe(s.Image, desc)
	if err != nil {
		res.Error = err.Error()
		m.observer.BlobFinished(OutcomeFailed, 0, 0)
		return res
	}
	res.FileName = filepath.Base(probe.Path)

	if probe.Hit {
		log.Debug("blob cached", "digest", desc.Digest)
		res.Success = true
		res.Skipped = true
		s.emit(progress.Complete(desc.Digest, desc.Size))
		m.observer.BlobFinished(OutcomeSkipped, 0, 0)
		return res
	}

	itemCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	n, err := m.transfer(itemCtx, s, desc, probe.Path)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.Debug("blob downloaded", "digest", desc.Digest, "bytes", n, "elapsed", elapsed)
		res.Success = true
		m.observer.BlobFinished(OutcomeDownloaded, n, elapsed)
	case errors.Is(itemCtx.Err(), context.DeadlineExceeded):
		log.Warn("blob download timed out", "digest", desc.Digest, "bytes", n, "timeout", m.timeout)
		res.Error = timeoutReason
		res.Timeout = true
		m.observer.BlobFinished(OutcomeTimeout, n, elapsed)
	default:
		log.Warn("blob download failed", "digest", desc.Digest, "error", err)
		res.Error = err.Error()
		m.observer.BlobFinished(OutcomeFailed, n, elapsed)
	}
	return res
}

// transfer streams desc into path, emitting progress after every chunk.
// A partial file is left behind on failure; its size will not match and
// the next probe treats it as a miss.
func (m *Manager) transfer(ctx context.Context, s Session, desc ocispec.Descriptor, path string) (int64, error) {
	rc, length, err := m.fetcher.FetchBlob(ctx, s.Image, s.Token, desc.Digest)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	total := length
	if total <= 0 {
		total = desc.Size
	}

	f, err := m.store.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	var w io.Writer = f
	verifier := desc.Digest.Verifier()
	if m.verify {
		w = io.MultiWriter(f, verifier)
	}

	buf := make([]byte, m.bufSize)
	var downloaded int64
	last := -1
	for {
		nr, rerr := rc.Read(buf)
		if nr > 0 {
			if _, werr := w.Write(buf[:nr]); werr != nil {
				f.Close()
				return downloaded, fmt.Errorf("write blob: %w", werr)
			}
			downloaded += int64(nr)
			p := progress.NewProgress(desc.Digest, downloaded, total)
			last = p.Percentage
			s.emit(p)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			f.Close()
			return downloaded, fmt.Errorf("read blob: %w", rerr)
		}
	}
	if err := f.Close(); err != nil {
		return downloaded, fmt.Errorf("close blob: %w", err)
	}

	if desc.Size > 0 && downloaded != desc.Size {
		return downloaded, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, downloaded, desc.Size)
	}
	if m.verify && !verifier.Verified() {
		return downloaded, fmt.Errorf("%w: %s", ErrDigestMismatch, desc.Digest)
	}
	if last < 100 {
		s.emit(progress.Complete(desc.Digest, downloaded))
	}
	return downloaded, nil
}
