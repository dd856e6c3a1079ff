package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type staticTokens string

func (s staticTokens) Token(context.Context) string { return string(s) }

func newTestServer(t *testing.T, setup func(r chi.Router)) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/api", setup)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGenerateAsync(t *testing.T) {
	var gotAuth string
	var gotBody GenerateRequest
	srv := newTestServer(t, func(r chi.Router) {
		r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			writeJSON(w, http.StatusAccepted, map[string]string{"project_id": "p1", "status": "pending"})
		})
	})

	c := NewClient(srv.URL+"/api/", WithTokenSource(staticTokens("tok")))
	resp, err := c.Generate(context.Background(), "a todo app", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !resp.IsAsync() || resp.ProjectID != "p1" {
		t.Errorf("expected async response for p1, got %+v", resp)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if gotBody.Prompt != "a todo app" {
		t.Errorf("unexpected prompt %q", gotBody.Prompt)
	}
}

func TestGenerateInline(t *testing.T) {
	srv := newTestServer(t, func(r chi.Router) {
		r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"files": []map[string]string{{"path": "index.html", "content": "<h1>hi</h1>"}},
			})
		})
	})

	c := NewClient(srv.URL + "/api")
	resp, err := c.Generate(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !resp.IsInline() || len(resp.Files) != 1 || resp.Files[0].Path != "index.html" {
		t.Errorf("expected inline files, got %+v", resp)
	}
}

func TestNoTokenOmitsHeader(t *testing.T) {
	var gotAuth, gotCookie string
	srv := newTestServer(t, func(r chi.Router) {
		r.Get("/projects", func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotCookie = r.Header.Get("Cookie")
			writeJSON(w, http.StatusOK, map[string]interface{}{"projects": []interface{}{}})
		})
	})

	c := NewClient(srv.URL+"/api", WithTokenSource(staticTokens("")), WithCookie("sid=abc"))
	if _, err := c.Projects(context.Background()); err != nil {
		t.Fatalf("Projects failed: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header, got %q", gotAuth)
	}
	if gotCookie != "sid=abc" {
		t.Errorf("expected cookie, got %q", gotCookie)
	}
}

func TestHTTPErrorDetail(t *testing.T) {
	srv := newTestServer(t, func(r chi.Router) {
		r.Get("/projects/{id}/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Project not found"})
		})
	})

	c := NewClient(srv.URL + "/api")
	_, err := c.Status(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("expected 404, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Detail != "Project not found" {
		t.Errorf("expected detail, got %v", err)
	}
}

func TestPostMessageRequiresUserMessage(t *testing.T) {
	srv := newTestServer(t, func(r chi.Router) {
		r.Post("/projects/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
		})
	})

	c := NewClient(srv.URL + "/api")
	_, err := c.PostMessage(context.Background(), "p1", "more", "")
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("expected ErrUnexpectedResponse, got %v", err)
	}
}

func TestPostMessage(t *testing.T) {
	var gotID string
	var gotBody MessageRequest
	srv := newTestServer(t, func(r chi.Router) {
		r.Post("/projects/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			gotID = chi.URLParam(r, "id")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"status": "running",
				"user_message": map[string]string{
					"id": "srv-1", "role": "user", "content": "more", "created_at": "2025-01-02T03:04:05Z",
				},
			})
		})
	})

	c := NewClient(srv.URL + "/api")
	resp, err := c.PostMessage(context.Background(), "p1", "more", "On it")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if gotID != "p1" || gotBody.Content != "more" || gotBody.AssistantIntro != "On it" {
		t.Errorf("unexpected request id=%q body=%+v", gotID, gotBody)
	}
	if resp.UserMessage.ID != "srv-1" {
		t.Errorf("expected server id, got %q", resp.UserMessage.ID)
	}
}

func TestFileContentEncodesSegments(t *testing.T) {
	var gotPath string
	srv := newTestServer(t, func(r chi.Router) {
		r.Get("/projects/{id}/files/*", func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.EscapedPath()
			_, _ = w.Write([]byte("body { }"))
		})
	})

	c := NewClient(srv.URL + "/api")
	got, err := c.FileContent(context.Background(), "p1", "src/my file.css")
	if err != nil {
		t.Fatalf("FileContent failed: %v", err)
	}
	if got != "body { }" {
		t.Errorf("unexpected content %q", got)
	}
	if gotPath != "/api/projects/p1/files/src/my%20file.css" {
		t.Errorf("unexpected request path %q", gotPath)
	}
}

func TestFilesAndMessages(t *testing.T) {
	srv := newTestServer(t, func(r chi.Router) {
		r.Get("/projects/{id}/files", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"files": []map[string]interface{}{
					{"path": "src", "is_dir": true},
					{"path": "src/app.js", "is_dir": false, "size": 10, "updated_at": "t1"},
				},
			})
		})
		r.Get("/projects/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"messages": []map[string]string{{"id": "m1", "role": "assistant", "content": "hi", "created_at": "bogus"}},
			})
		})
	})

	c := NewClient(srv.URL + "/api")
	files, err := c.Files(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 2 || !files[0].IsDir || files[1].UpdatedAt != "t1" {
		t.Errorf("unexpected files %+v", files)
	}

	msgs, err := c.Messages(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := msgs[0].ToMessage(now)
	if m.Role != "assistant" || !m.CreatedAt.Equal(now) || m.Status != "complete" {
		t.Errorf("unexpected mapped message %+v", m)
	}
}

func TestParseTime(t *testing.T) {
	fallback := time.Unix(0, 0)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"", fallback},
		{"garbage", fallback},
		{"2025-01-02T03:04:05Z", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2025-01-02T03:04:05.5", time.Date(2025, 1, 2, 3, 4, 5, 500000000, time.UTC)},
		{"2025-01-02 03:04:05", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := ParseTime(tt.raw, fallback); !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestProjectsToleratesNaiveTimestamps(t *testing.T) {
	srv := newTestServer(t, func(r chi.Router) {
		r.Get("/projects", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"projects": []map[string]string{
					{"id": "p1", "prompt": "todo", "status": "ready", "created_at": "2025-01-02T03:04:05.123456"},
				},
			})
		})
	})

	c := NewClient(srv.URL + "/api")
	projects, err := c.Projects(context.Background())
	if err != nil {
		t.Fatalf("Projects failed: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != "p1" || projects[0].CreatedAt.Year() != 2025 {
		t.Errorf("unexpected projects %+v", projects)
	}
	if !projects[0].UpdatedAt.Equal(projects[0].CreatedAt) {
		t.Errorf("expected updated_at to default to created_at")
	}
}
