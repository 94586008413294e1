package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls   atomic.Int64
	ttl     time.Duration
	err     error
	release chan struct{}
}

func (s *countingSource) Token(_ context.Context, image, scope string) (Token, error) {
	n := s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return Token{}, s.err
	}
	return Token{Value: fmt.Sprintf("%s/%s/%d", image, scope, n), ExpiresIn: s.ttl}, nil
}

func TestTokenCache(t *testing.T) {
	t.Parallel()

	t.Run("reuses unexpired token", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{ttl: time.Minute}
		cache := NewTokenCache(src, 0)

		a, err := cache.Token(context.Background(), "library/nginx", "")
		require.NoError(t, err)
		b, err := cache.Token(context.Background(), "library/nginx", "pull")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, int64(1), src.calls.Load())
	})

	t.Run("expired token is refetched", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{ttl: time.Minute}
		cache := NewTokenCache(src, 0)
		now := time.Now()
		cache.now = func() time.Time { return now }

		_, err := cache.Token(context.Background(), "library/nginx", "")
		require.NoError(t, err)
		now = now.Add(time.Minute - tokenExpiryMargin)
		_, err = cache.Token(context.Background(), "library/nginx", "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), src.calls.Load())
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{ttl: time.Minute}
		cache := NewTokenCache(src, 2)
		ctx := context.Background()

		for _, img := range []string{"a/a", "b/b", "a/a", "c/c"} {
			_, err := cache.Token(ctx, img, "")
			require.NoError(t, err)
		}
		assert.Equal(t, 2, cache.Len())
		_, ok := cache.get("b/b|pull")
		assert.False(t, ok)
		_, ok = cache.get("a/a|pull")
		assert.True(t, ok)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{err: errors.New("boom")}
		cache := NewTokenCache(src, 0)

		_, err := cache.Token(context.Background(), "x/y", "")
		require.Error(t, err)
		_, err = cache.Token(context.Background(), "x/y", "")
		require.Error(t, err)
		assert.Equal(t, int64(2), src.calls.Load())
	})

	t.Run("invalidate forces refetch", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{ttl: time.Minute}
		cache := NewTokenCache(src, 0)

		_, err := cache.Token(context.Background(), "x/y", "")
		require.NoError(t, err)
		cache.Invalidate("x/y", "")
		_, err = cache.Token(context.Background(), "x/y", "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), src.calls.Load())
	})

	t.Run("concurrent misses share one request", func(t *testing.T) {
		t.Parallel()
		src := &countingSource{ttl: time.Minute, release: make(chan struct{})}
		cache := NewTokenCache(src, 0)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cache.Token(context.Background(), "x/y", "")
				assert.NoError(t, err)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(src.release)
		wg.Wait()
		assert.Equal(t, int64(1), src.calls.Load())
	})
}
