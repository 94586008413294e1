package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"oras.land/oras-go/v2/registry/remote/auth"
)

// DefaultScope is the action requested when the caller passes none.
const DefaultScope = auth.ActionPull

// Token is a bearer token issued by the token service.
type Token struct {
	Value     string
	ExpiresIn time.Duration
	IssuedAt  time.Time
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// Token obtains a bearer token for scope on image. An empty scope requests
// pull access. The image must already be normalized.
func (c *Client) Token(ctx context.Context, image, scope string) (Token, error) {
	if image == "" {
		return Token{}, fmt.Errorf("%w: empty image name", ErrInvalidReference)
	}
	if scope == "" {
		scope = DefaultScope
	}

	q := url.Values{}
	q.Set("service", c.service)
	q.Set("scope", auth.ScopeRepository(image, scope))
	rawURL := c.authURL + "?" + q.Encode()

	c.log().Debug("requesting token", "image", image, "scope", scope)
	resp, err := c.get(ctx, rawURL, "")
	if err != nil {
		return Token{}, fmt.Errorf("token for %s: %w", image, err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}

	tok := Token{
		Value:     tr.Token,
		ExpiresIn: time.Duration(tr.ExpiresIn) * time.Second,
	}
	if tok.Value == "" {
		tok.Value = tr.AccessToken
	}
	if tr.IssuedAt != "" {
		if ts, err := time.Parse(time.RFC3339, tr.IssuedAt); err == nil {
			tok.IssuedAt = ts
		}
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = time.Now()
	}
	return tok, nil
}
