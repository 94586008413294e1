package registry

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenCacheMaxSize = 100
	defaultTokenTTL          = time.Minute

	// tokenExpiryMargin is subtracted from the server-side lifetime so a
	// cached token is never handed out moments before it expires.
	tokenExpiryMargin = 10 * time.Second
)

// TokenSource issues tokens. *Client implements it.
type TokenSource interface {
	Token(ctx context.Context, image, scope string) (Token, error)
}

// TokenCache is an LRU cache of bearer tokens keyed by image and scope.
// Entries expire with the token lifetime reported by the token service.
// Concurrent misses for the same key share one upstream request.
type TokenCache struct {
	source  TokenSource
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	group singleflight.Group
}

type cachedToken struct {
	key     string
	token   Token
	expires time.Time
}

// NewTokenCache wraps source with a cache holding at most maxSize tokens.
// A non-positive maxSize selects the default.
func NewTokenCache(source TokenSource, maxSize int) *TokenCache {
	if maxSize <= 0 {
		maxSize = defaultTokenCacheMaxSize
	}
	return &TokenCache{
		source:  source,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Token returns a cached token for image and scope or fetches a new one.
func (c *TokenCache) Token(ctx context.Context, image, scope string) (Token, error) {
	if scope == "" {
		scope = DefaultScope
	}
	key := image + "|" + scope
	if tok, ok := c.get(key); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if tok, ok := c.get(key); ok {
			return tok, nil
		}
		tok, err := c.source.Token(ctx, image, scope)
		if err != nil {
			return Token{}, err
		}
		c.set(key, tok)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil //nolint:errcheck // type is guaranteed by Do
}

// Invalidate drops the cached token for image and scope.
func (c *TokenCache) Invalidate(image, scope string) {
	if scope == "" {
		scope = DefaultScope
	}
	key := image + "|" + scope

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem, key)
	}
}

// Len returns the number of cached tokens, including expired ones not yet
// evicted.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *TokenCache) get(key string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Token{}, false
	}
	entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed by set
	if !c.now().Before(entry.expires) {
		c.removeLocked(elem, key)
		return Token{}, false
	}
	c.order.MoveToFront(elem)
	return entry.token, true
}

func (c *TokenCache) set(key string, tok Token) {
	ttl := tok.ExpiresIn
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if ttl > tokenExpiryMargin {
		ttl -= tokenExpiryMargin
	}
	expires := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed
		entry.token = tok
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*cachedToken) //nolint:errcheck // type is guaranteed
		c.removeLocked(oldest, old.key)
	}

	elem := c.order.PushFront(&cachedToken{key: key, token: tok, expires: expires})
	c.entries[key] = elem
}

// removeLocked removes an element from both the list and map.
// Caller must hold c.mu.
func (c *TokenCache) removeLocked(elem *list.Element, key string) {
	c.order.Remove(elem)
	delete(c.entries, key)
}
