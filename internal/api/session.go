package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/session"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/prompt", h.SubmitPrompt)
		r.Put("/prompt", h.PutPrompt)
		r.Post("/reset", h.Reset)
		r.Put("/selection", h.PutSelection)
		r.Put("/tab", h.PutTab)
		r.Get("/files/*", h.GetFile)
		r.Get("/projects", h.ListProjects)
		r.Post("/projects/{id}/open", h.OpenProject)
	})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type selectionRequest struct {
	Path string `json:"path"`
}

type tabRequest struct {
	Tab string `json:"tab"`
}

// GetState returns the current session snapshot.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, http.StatusOK)
}

// SubmitPrompt starts a generation or a follow-up turn.
func (h *Handler) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.sess.Submit(r.Context(), req.Prompt); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w, r, http.StatusAccepted)
}

// PutPrompt stores the prompt box text without submitting it.
func (h *Handler) PutPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.sess.SetPrompt(r.Context(), req.Prompt); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenProject resumes an existing project.
func (h *Handler) OpenProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sess.LoadProject(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Reset abandons the current project and conversation.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.ResetForNewChat(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// PutSelection selects a file for the code viewer.
func (h *Handler) PutSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.sess.SelectFile(r.Context(), req.Path); err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutTab switches the active viewer tab.
func (h *Handler) PutTab(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.sess.SetActiveTab(r.Context(), session.Tab(req.Tab)); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFile returns the cached content of one project file.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	content, ok := h.sess.FileContent(path)
	if !ok {
		Error(w, http.StatusNotFound, "file not cached")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(content)); err != nil {
		slog.Debug("Failed to write file content", "path", path, "error", err)
	}
}

// ListProjects proxies the backend project list.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.Projects(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, status int) {
	snap, err := h.sess.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	JSON(w, status, snap)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *backend.HTTPError
	switch {
	case errors.Is(err, session.ErrEmptyPrompt), errors.Is(err, session.ErrNoProject):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSuperseded):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
		Error(w, http.StatusNotFound, err.Error())
	default:
		slog.Warn("Request failed", "error", err)
		Error(w, http.StatusBadGateway, err.Error())
	}
}
