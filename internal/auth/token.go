// Package auth provides the process-wide bearer token cache.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a fetched token is served without refetching.
	DefaultTTL = 30 * time.Second
	// DefaultCooldown is how long fetching is suspended after the token endpoint rate-limits us.
	DefaultCooldown = 30 * time.Second

	fetchTimeout = 10 * time.Second
)

// ErrRateLimited is returned by a Fetcher when the token endpoint answers 429.
var ErrRateLimited = errors.New("token endpoint rate limited")

// Session identifies the signed-in user towards the auth server.
// A nil *Session means nobody is signed in.
type Session struct {
	Cookie string
}

// Fetcher retrieves a fresh token for a session.
type Fetcher interface {
	FetchToken(ctx context.Context, sess *Session) (string, error)
}

// Cache is a single-flight token cache shared by every consumer in the process.
// Construct one at startup and inject it wherever a bearer token is needed.
type Cache struct {
	fetcher  Fetcher
	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu            sync.Mutex
	token         string
	cachedAt      time.Time
	cooldownUntil time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the freshness window.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithCooldown overrides the rate-limit cooldown.
func WithCooldown(d time.Duration) Option { return func(c *Cache) { c.cooldown = d } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLogger sets the logger used for fetch failures.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// NewCache creates a token cache backed by fetcher.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		ttl:      DefaultTTL,
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a bearer token for sess, or "" if none is available.
// It never returns an error: failures are logged and the previous token, if any,
// is served instead.
func (c *Cache) Token(ctx context.Context, sess *Session) string {
	if sess == nil {
		return ""
	}

	c.mu.Lock()
	now := c.now()
	cached := c.token
	fresh := cached != "" && now.Sub(c.cachedAt) < c.ttl
	coolingDown := now.Before(c.cooldownUntil)
	c.mu.Unlock()

	if fresh {
		return cached
	}
	if coolingDown {
		return cached
	}

	// The fetch is detached from any single caller so one caller giving up
	// does not fail the others sharing it.
	ch := c.group.DoChan("token", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.refresh(fetchCtx, sess), nil
	})

	select {
	case res := <-ch:
		return res.Val.(string)
	case <-ctx.Done():
		return cached
	}
}

func (c *Cache) refresh(ctx context.Context, sess *Session) string {
	token, err := c.fetcher.FetchToken(ctx, sess)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			c.cooldownUntil = c.now().Add(c.cooldown)
			c.logger.Warn("Token endpoint rate limited, cooling down", "cooldown", c.cooldown)
		} else {
			c.logger.Error("Failed to fetch auth token", "error", err)
		}
		return c.token
	}
	if token == "" {
		return c.token
	}
	c.token = token
	c.cachedAt = c.now()
	return token
}

// Clear drops the cached token, e.g. on sign-out.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.token = ""
	c.cachedAt = time.Time{}
	c.cooldownUntil = time.Time{}
	c.mu.Unlock()
}

// Source binds a Cache to one session so consumers only need a context to get a token.
type Source struct {
	Cache   *Cache
	Session *Session
}

// Token returns the current bearer token or "".
func (s Source) Token(ctx context.Context) string {
	if s.Cache == nil {
		return ""
	}
	return s.Cache.Token(ctx, s.Session)
}

// HTTPFetcher fetches tokens from a better-auth style `GET /api/auth/token` endpoint.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken implements Fetcher.
func (f *HTTPFetcher) FetchToken(ctx context.Context, sess *Session) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(f.BaseURL, "/")+"/api/auth/token", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	if sess != nil && sess.Cookie != "" {
		req.Header.Set("Cookie", sess.Cookie)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return out.Token, nil
}
