package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const tokenRefreshMargin = 60 * time.Second

// fetchFunc obtains a fresh token and its lifetime.
type fetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenCache holds one OAuth access token. Concurrent cold fetches collapse into
// one request, and a background loop renews the token ahead of expiry.
type tokenCache struct {
	fetch fetchFunc
	now   func() time.Time
	log   zerolog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func newTokenCache(fetch fetchFunc, log zerolog.Logger) *tokenCache {
	return &tokenCache{fetch: fetch, now: time.Now, log: log}
}

// Get returns a token that is valid for at least the refresh margin.
func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok, exp := c.token, c.expiresAt
	c.mu.RUnlock()
	if tok != "" && c.now().Add(tokenRefreshMargin).Before(exp) {
		return tok, nil
	}
	return c.refresh(ctx)
}

func (c *tokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		tok, ttl, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAt = c.now().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Run keeps the token fresh until ctx is cancelled. Failures are retried on a
// short backoff; callers fall back to a synchronous fetch meanwhile.
func (c *tokenCache) Run(ctx context.Context) {
	for {
		wait := time.Second
		c.mu.RLock()
		if c.token != "" {
			wait = c.expiresAt.Sub(c.now()) - tokenRefreshMargin
		}
		c.mu.RUnlock()
		if wait < time.Second {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if _, err := c.refresh(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("background token refresh failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
		}
	}
}
