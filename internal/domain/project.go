// Package domain contains the data model shared by the app builder client.
package domain

import "time"

// Project lifecycle states reported by the backend. Other values are passed through.
const (
	ProjectPending  = "pending"
	ProjectRunning  = "running"
	ProjectReady    = "ready"
	ProjectFailed   = "failed"
	ProjectCanceled = "canceled"
)

// IsTerminalStatus reports whether a project status ends the active generation turn.
func IsTerminalStatus(status string) bool {
	switch status {
	case ProjectReady, ProjectFailed, ProjectCanceled:
		return true
	}
	return false
}

// FileEntry is one row of a project file listing.
type FileEntry struct {
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	Size      *int64 `json:"size,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// InlineFile is a generated file returned directly in a generation response.
type InlineFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ProjectSummary describes a project in the user's project list.
type ProjectSummary struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	Status     string    `json:"status"`
	PreviewURL string    `json:"preview_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CachedFile is file content persisted together with the server stamp it was fetched at.
type CachedFile struct {
	Path      string
	UpdatedAt string
	Content   string
}
