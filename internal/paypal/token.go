package paypal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zkmarket/relayer/internal/fault"
	"github.com/zkmarket/relayer/internal/logging"
)

// DefaultSafetyMargin is how long before expiry a cached token stops being
// handed out.
const DefaultSafetyMargin = 60 * time.Second

// RefreshTimeout bounds a shared refresh independently of whichever caller
// happened to start it.
const RefreshTimeout = 30 * time.Second

// ErrShortLivedToken means the gateway issued a token that would already be
// inside the safety margin.
var ErrShortLivedToken = errors.New("paypal: token lifetime within safety margin")

// Authenticator obtains a fresh bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context) (*TokenResponse, error)
}

// TokenCache hands out a bearer token, refreshing it at most once at a time.
type TokenCache struct {
	auth   Authenticator
	margin time.Duration
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates a cache in front of auth. A non-positive margin
// selects DefaultSafetyMargin.
func NewTokenCache(auth Authenticator, margin time.Duration) *TokenCache {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &TokenCache{auth: auth, margin: margin, now: time.Now}
}

// GetToken returns a token with more than the safety margin of validity left.
// Concurrent callers that find the cache stale share a single refresh. A failed
// refresh, including one that yields a token already inside the margin,
// caches nothing and surfaces as an auth fault.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		tokenLookups.WithLabelValues("hit").Inc()
		return tok, nil
	}
	tokenLookups.WithLabelValues("miss").Inc()

	ch := c.group.DoChan("token", func() (any, error) {
		// A flight that finished just before this one may have stored a token.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", fault.Wrap(fault.KindAuth, fault.OpAuth, "token request abandoned", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fault.Wrap(fault.KindAuth, fault.OpAuth, "paypal authentication failed", res.Err)
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token, e.g. after the gateway answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// ExpiresAt returns the cached token's expiry, zero when nothing is cached.
func (c *TokenCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || c.expiresAt.Sub(c.now()) <= c.margin {
		return "", false
	}
	return c.token, true
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	issued := c.now()
	resp, err := c.auth.Authenticate(ctx)
	if err != nil {
		tokenRefreshes.WithLabelValues("failure").Inc()
		logging.L(ctx).Warn("paypal token refresh failed", "error", err)
		return "", err
	}
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if lifetime <= c.margin {
		tokenRefreshes.WithLabelValues("failure").Inc()
		logging.L(ctx).Warn("paypal issued a token too short-lived to use", "expires_in", resp.ExpiresIn)
		return "", fmt.Errorf("%w: expires_in=%ds", ErrShortLivedToken, resp.ExpiresIn)
	}
	tokenRefreshes.WithLabelValues("success").Inc()

	expiresAt := issued.Add(lifetime)
	c.mu.Lock()
	c.token = resp.AccessToken
	c.expiresAt = expiresAt
	c.mu.Unlock()

	logging.L(ctx).Info("paypal token refreshed",
		slog.Time("expires_at", expiresAt),
		slog.Int64("expires_in", resp.ExpiresIn))
	return resp.AccessToken, nil
}
