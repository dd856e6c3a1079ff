package backend

import (
	"strings"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
)

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
}

// GenerateResponse is either an asynchronous acceptance (ProjectID set) or an
// inline result (Files set).
type GenerateResponse struct {
	ProjectID    string              `json:"project_id,omitempty"`
	Status       string              `json:"status,omitempty"`
	GenerationID string              `json:"generation_id,omitempty"`
	Files        []domain.InlineFile `json:"files,omitempty"`
	PreviewURL   string              `json:"preview_url,omitempty"`
}

// IsAsync reports whether the backend accepted the prompt for background generation.
func (r *GenerateResponse) IsAsync() bool { return r.ProjectID != "" }

// IsInline reports whether the response carries the generated files directly.
func (r *GenerateResponse) IsInline() bool { return r.ProjectID == "" && r.Files != nil }

// MessageRequest is the body of POST /projects/{id}/messages.
type MessageRequest struct {
	Content        string `json:"content"`
	AssistantIntro string `json:"assistant_intro,omitempty"`
}

// MessageResponse acknowledges a follow-up prompt.
type MessageResponse struct {
	ProjectID    string         `json:"project_id,omitempty"`
	Status       string         `json:"status"`
	GenerationID string         `json:"generation_id,omitempty"`
	UserMessage  *RemoteMessage `json:"user_message"`
}

// StatusResponse is the body of GET /projects/{id}/status.
type StatusResponse struct {
	ProjectID  string `json:"project_id,omitempty"`
	Status     string `json:"status"`
	PreviewURL string `json:"preview_url,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// RemoteMessage is a persisted conversation message as the backend returns it.
// Timestamps stay raw so malformed values can be defaulted instead of failing decoding.
type RemoteMessage struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status,omitempty"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ToMessage maps a persisted record into the ledger model. A missing role becomes
// user, a missing status becomes complete and unparseable timestamps become now.
func (m RemoteMessage) ToMessage(now time.Time) domain.Message {
	role := domain.Role(strings.ToLower(strings.TrimSpace(m.Role)))
	if role != domain.RoleAssistant && role != domain.RoleUser {
		role = domain.RoleUser
	}
	status := domain.MessageStatus(strings.ToLower(strings.TrimSpace(m.Status)))
	switch status {
	case domain.StatusPending, domain.StatusComplete, domain.StatusError:
	default:
		status = domain.StatusComplete
	}
	created := ParseTime(m.CreatedAt, now)
	return domain.Message{
		ID:        m.ID,
		Role:      role,
		Content:   m.Content,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: ParseTime(m.UpdatedAt, created),
		ProjectID: m.ProjectID,
	}
}

type messagesResponse struct {
	ProjectID string          `json:"project_id,omitempty"`
	Messages  []RemoteMessage `json:"messages"`
}

type filesResponse struct {
	ProjectID string             `json:"project_id,omitempty"`
	Files     []domain.FileEntry `json:"files"`
}

type projectsResponse struct {
	Projects []remoteProject `json:"projects"`
}

type remoteProject struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Status     string `json:"status"`
	PreviewURL string `json:"preview_url,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

func (p remoteProject) summary() domain.ProjectSummary {
	created := ParseTime(p.CreatedAt, time.Time{})
	return domain.ProjectSummary{
		ID:         p.ID,
		Prompt:     p.Prompt,
		Status:     p.Status,
		PreviewURL: p.PreviewURL,
		CreatedAt:  created,
		UpdatedAt:  ParseTime(p.UpdatedAt, created),
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses the timestamp formats the backend emits, returning fallback
// when raw is empty or unparseable.
func ParseTime(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}
