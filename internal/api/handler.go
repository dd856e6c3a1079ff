// Package api provides the local HTTP surface a browser UI renders from.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/session"
)

// Session is the orchestrator surface the handlers drive.
type Session interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Submit(ctx context.Context, text string) error
	LoadProject(ctx context.Context, projectID string) error
	ResetForNewChat(ctx context.Context) error
	SelectFile(ctx context.Context, path string) error
	SetActiveTab(ctx context.Context, tab session.Tab) error
	SetPrompt(ctx context.Context, text string) error
	FileContent(path string) (string, bool)
}

// ProjectLister lists the user's projects.
type ProjectLister interface {
	Projects(ctx context.Context) ([]domain.ProjectSummary, error)
}

// Handler provides common handler utilities.
type Handler struct {
	sess     Session
	projects ProjectLister
}

// NewHandler creates a new Handler.
func NewHandler(sess Session, projects ProjectLister) *Handler {
	return &Handler{sess: sess, projects: projects}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

const maxBodySize = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
