// Package endpoint derives backend, push-channel and preview URLs.
package endpoint

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// DefaultTransportBase is used when neither an explicit push-channel base nor a
// usable backend origin is configured.
const DefaultTransportBase = "ws://localhost:8000/ws"

// TrimBase removes surrounding whitespace and trailing slashes from a configured base URL.
func TrimBase(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// Origin returns the scheme://host part of an API base URL, or nil if it cannot be parsed
// as an absolute http(s) URL.
func Origin(apiBase string) *url.URL {
	u, err := url.Parse(TrimBase(apiBase))
	if err != nil || u.Host == "" {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}

// TransportURL builds the push-channel URL for a project id.
// An explicit base wins; otherwise ws or wss is derived from the backend origin,
// wss exactly when the origin is https.
func TransportURL(id, explicitBase string, backendOrigin *url.URL) string {
	escaped := url.PathEscape(id)
	if base := TrimBase(explicitBase); base != "" {
		return base + "/" + escaped
	}
	if backendOrigin != nil && backendOrigin.Host != "" {
		scheme := "ws"
		if backendOrigin.Scheme == "https" {
			scheme = "wss"
		}
		return scheme + "://" + backendOrigin.Host + "/ws/" + escaped
	}
	return DefaultTransportBase + "/" + escaped
}

// EncodeFilePath percent-encodes each segment of a project-relative path
// independently, keeping the separators as segment boundaries.
func EncodeFilePath(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// TokenFunc returns a bearer token, or "" when none is available.
type TokenFunc func(ctx context.Context) string

// PreviewResolver turns raw preview URLs into absolute URLs carrying an auth token.
// It memoizes the last token-stripped base so the token provider is only consulted
// when the preview location actually changes.
type PreviewResolver struct {
	mu       sync.Mutex
	lastBase string
	lastURL  string
}

// Resolve resolves raw against origin when relative, replaces any token query
// parameter with a fresh one, and returns the result. If raw cannot be parsed it
// is returned unchanged.
func (r *PreviewResolver) Resolve(ctx context.Context, raw string, origin *url.URL, token TokenFunc) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !u.IsAbs() {
		if origin == nil {
			return raw
		}
		u = origin.ResolveReference(u)
	}

	q := u.Query()
	q.Del("token")
	u.RawQuery = q.Encode()
	base := u.String()

	r.mu.Lock()
	if base == r.lastBase && r.lastURL != "" {
		cached := r.lastURL
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	resolved := base
	if token != nil {
		if tok := token(ctx); tok != "" {
			q.Set("token", tok)
			u.RawQuery = q.Encode()
			resolved = u.String()
		}
	}

	r.mu.Lock()
	r.lastBase = base
	r.lastURL = resolved
	r.mu.Unlock()
	return resolved
}

// Reset forgets the memoized preview location.
func (r *PreviewResolver) Reset() {
	r.mu.Lock()
	r.lastBase = ""
	r.lastURL = ""
	r.mu.Unlock()
}
