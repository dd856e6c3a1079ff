// Package backend is the REST client for the app builder API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/endpoint"
)

// ErrUnexpectedResponse is returned when a 2xx response does not have the expected shape.
var ErrUnexpectedResponse = errors.New("unexpected response from server")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == code
}

// TokenSource supplies the bearer token for outgoing requests; "" means none.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Client talks to the backend API. Requests carry a bearer token when one is
// available and the session cookie when configured.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	cookie string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

// WithCookie sends the given Cookie header with every request.
func WithCookie(cookie string) Option { return func(c *Client) { c.cookie = cookie } }

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a client rooted at apiBase, e.g. "http://localhost:8000/api".
func NewClient(apiBase string, opts ...Option) *Client {
	c := &Client{
		base:   endpoint.TrimBase(apiBase),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized API base.
func (c *Client) BaseURL() string { return c.base }

// Generate starts a new generation.
func (c *Client) Generate(ctx context.Context, prompt, template string) (*GenerateResponse, error) {
	var out GenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/generate", GenerateRequest{Prompt: prompt, Template: template}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage submits a follow-up prompt for an existing project.
func (c *Client) PostMessage(ctx context.Context, projectID, content, assistantIntro string) (*MessageResponse, error) {
	var out MessageResponse
	path := "/projects/" + url.PathEscape(projectID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, MessageRequest{Content: content, AssistantIntro: assistantIntro}, &out); err != nil {
		return nil, err
	}
	if out.UserMessage == nil {
		return nil, fmt.Errorf("post message: %w", ErrUnexpectedResponse)
	}
	return &out, nil
}

// Status returns the current status of a project.
func (c *Client) Status(ctx context.Context, projectID string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns the persisted conversation of a project.
func (c *Client) Messages(ctx context.Context, projectID string) ([]RemoteMessage, error) {
	var out messagesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Files returns the project file listing.
func (c *Client) Files(ctx context.Context, projectID string) ([]domain.FileEntry, error) {
	var out filesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/files", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// FileContent returns the raw text of one project file.
func (c *Client) FileContent(ctx context.Context, projectID, path string) (string, error) {
	reqPath := "/projects/" + url.PathEscape(projectID) + "/files/" + endpoint.EncodeFilePath(path)
	resp, err := c.do(ctx, http.MethodGet, reqPath, nil)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return string(body), nil
}

// Projects lists the signed-in user's projects.
func (c *Client) Projects(ctx context.Context) ([]domain.ProjectSummary, error) {
	var out projectsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	projects := make([]domain.ProjectSummary, 0, len(out.Projects))
	for _, p := range out.Projects {
		projects = append(projects, p.summary())
	}
	return projects, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w: %v", method, path, ErrUnexpectedResponse, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer c.closeBody(resp)
		return nil, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(resp.Body),
		}
	}
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("Failed to close response body", "error", err)
	}
}

// errorDetail extracts a FastAPI style {"detail": ...} or {"error": ...} message.
func errorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail interface{} `json:"detail"`
		Error  string      `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
