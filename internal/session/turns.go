package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/conversation"
	"github.com/ashureev/appbuilder/internal/domain"
)

// Submit sends text as a new generation when no project is loaded and as a
// follow-up otherwise. An empty text submits the stored prompt box.
func (s *Session) Submit(ctx context.Context, text string) error {
	var projectID, stored string
	if err := s.do(ctx, func() { projectID, stored = s.projectID, s.prompt }); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		text = stored
	}
	if projectID == "" {
		return s.Generate(ctx, text)
	}
	return s.FollowUp(ctx, text)
}

// Generate starts a new project from prompt, discarding the current project.
func (s *Session) Generate(ctx context.Context, prompt string) error {
	if err := s.rejectEmpty(ctx, prompt); err != nil {
		return err
	}

	var turn conversation.Turn
	var epoch uint64
	err := s.do(ctx, func() {
		if s.activeID != "" {
			s.abandon(s.activeID)
		}
		s.resetForNewGeneration()
		turn, _ = s.ledger.BeginTurn(prompt, s.intro, "")
		s.activeID = turn.Assistant.ID
		s.isGenerating = true
		s.prompt = ""
		epoch = s.epoch
		s.logf("Submitting prompt")
	})
	if err != nil {
		return err
	}

	resp, reqErr := s.api.Generate(ctx, strings.TrimSpace(prompt), s.template)

	return s.settle(ctx, func() error {
		if s.epoch != epoch {
			s.abandon(turn.Assistant.ID)
			return ErrSuperseded
		}
		if reqErr != nil {
			return s.failRequest(turn.Assistant.ID, "Generation request failed", reqErr)
		}
		switch {
		case resp.IsAsync():
			s.adoptProject(turn, resp)
			return nil
		case resp.IsInline():
			s.applyInline(turn, resp)
			return nil
		default:
			return s.failRequest(turn.Assistant.ID, "Generation request failed", backend.ErrUnexpectedResponse)
		}
	})
}

func (s *Session) adoptProject(turn conversation.Turn, resp *backend.GenerateResponse) {
	s.projectID = resp.ProjectID
	s.projectStatus = resp.Status
	s.generationID = resp.GenerationID
	pid := resp.ProjectID
	s.ledger.Patch(turn.User.ID, conversation.Patch{ProjectID: &pid})
	s.ledger.Patch(turn.Assistant.ID, conversation.Patch{ProjectID: &pid})

	s.files.Bind(s.runCtx, pid)
	if resp.PreviewURL != "" {
		s.setRawPreview(resp.PreviewURL)
	}
	s.openPush()
	s.startPoll()
	s.activeTab = TabCode
	s.remember(pid)
	s.logf("Project %s accepted (%s)", pid, resp.Status)
}

func (s *Session) applyInline(turn conversation.Turn, resp *backend.GenerateResponse) {
	s.files.SetInline(resp.Files)
	order := s.files.Order()
	if len(order) > 0 {
		s.selectedFile = order[0]
	}
	if resp.PreviewURL != "" {
		s.setRawPreview(resp.PreviewURL)
	}
	summary := fmt.Sprintf("Generated %d file(s).", len(order))
	s.ledger.Patch(turn.Assistant.ID, conversation.Patch{Content: &summary, Status: domain.StatusComplete})
	s.isGenerating = false
	s.activeTab = TabCode
	s.logf("Received %d inline file(s)", len(order))
}

// FollowUp sends prompt as a new turn on the loaded project.
func (s *Session) FollowUp(ctx context.Context, prompt string) error {
	if err := s.rejectEmpty(ctx, prompt); err != nil {
		return err
	}

	var turn conversation.Turn
	var epoch uint64
	var projectID string
	err := s.doErr(ctx, func() error {
		if s.projectID == "" {
			s.logf("No project loaded")
			return ErrNoProject
		}
		projectID = s.projectID
		turn, _ = s.ledger.BeginTurn(prompt, s.intro, projectID)
		// Not active until the backend acknowledges it; events still in flight
		// for the previous turn must not land in the new placeholder.
		s.activeID = ""
		s.generationID = ""
		s.isGenerating = true
		s.prompt = ""
		epoch = s.epoch
		s.logf("Sending follow-up")
		return nil
	})
	if err != nil {
		return err
	}

	resp, reqErr := s.api.PostMessage(ctx, projectID, strings.TrimSpace(prompt), s.intro)

	return s.settle(ctx, func() error {
		if s.epoch != epoch || s.projectID != projectID {
			s.abandon(turn.Assistant.ID)
			return ErrSuperseded
		}
		if reqErr != nil {
			return s.failRequest(turn.Assistant.ID, "Follow-up request failed", reqErr)
		}

		server := resp.UserMessage.ToMessage(s.now())
		if server.ProjectID == "" {
			server.ProjectID = projectID
		}
		s.ledger.ReplaceID(turn.User.ID, server)
		s.ledger.KeepAfter(server.ID, turn.Assistant.ID)
		s.turnFloor = backend.ParseTime(resp.UserMessage.CreatedAt, time.Time{})
		s.generationID = resp.GenerationID
		s.activeID = turn.Assistant.ID
		s.isGenerating = true
		if resp.Status != "" {
			s.projectStatus = resp.Status
		}

		// A fresh turn gets a fresh push connection. The poll keeps running
		// under a new key so cycles begun before the acknowledgement are dropped.
		s.push.Close()
		s.openPush()
		s.rekeyPoll()
		s.activeTab = TabCode
		return nil
	})
}

// LoadProject resumes an existing project from its persisted history.
func (s *Session) LoadProject(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ErrNoProject
	}

	var epoch uint64
	if err := s.do(ctx, func() {
		s.resetForNewChat()
		s.projectID = projectID
		epoch = s.epoch
		s.logf("Loading project %s", projectID)
	}); err != nil {
		return err
	}

	status, err := s.api.Status(ctx, projectID)
	if err != nil {
		return s.settle(ctx, func() error {
			if s.epoch == epoch {
				s.projectID = ""
				s.logf("Failed to load project %s: %v", projectID, err)
			}
			return fmt.Errorf("load project %s: %w", projectID, err)
		})
	}
	history, msgErr := s.api.Messages(ctx, projectID)

	err = s.settle(ctx, func() error {
		if s.epoch != epoch {
			return ErrSuperseded
		}
		if msgErr != nil {
			s.logf("Failed to load conversation: %v", msgErr)
		}
		s.restore(projectID, status, history)
		return nil
	})
	if err != nil {
		return err
	}

	files, err := s.api.Files(ctx, projectID)
	if err != nil {
		s.logger.Warn("Failed to list project files", "project_id", projectID, "error", err)
		return nil
	}
	return s.settle(ctx, func() error {
		if s.epoch != epoch {
			return ErrSuperseded
		}
		s.applyListing(files)
		return nil
	})
}

func (s *Session) restore(projectID string, status *backend.StatusResponse, history []backend.RemoteMessage) {
	now := s.now()
	for _, rm := range history {
		m := rm.ToMessage(now)
		if m.ID == "" {
			continue
		}
		if m.ProjectID == "" {
			m.ProjectID = projectID
		}
		s.ledger.Add(m)
		if m.Role == domain.RoleUser {
			if t := backend.ParseTime(rm.CreatedAt, time.Time{}); t.After(s.turnFloor) {
				s.turnFloor = t
			}
		}
	}

	s.projectStatus = status.Status
	if id, ok := s.ledger.LastPending(); ok {
		s.activeID = id
		s.isGenerating = !domain.IsTerminalStatus(status.Status)
	}
	if status.PreviewURL != "" {
		s.setRawPreview(status.PreviewURL)
		s.activeTab = TabPreview
	} else {
		s.activeTab = TabCode
	}

	s.files.Bind(s.runCtx, projectID)
	s.openPush()
	s.startPoll()
	s.remember(projectID)
	s.logf("Loaded project %s (%s, %d messages)", projectID, status.Status, len(history))
}

func (s *Session) rejectEmpty(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) != "" {
		return nil
	}
	if err := s.do(ctx, func() { s.logf("Prompt is empty") }); err != nil {
		return err
	}
	return ErrEmptyPrompt
}

// failRequest records a failed request on the turn's assistant message.
func (s *Session) failRequest(assistantID, what string, err error) error {
	reason := fmt.Sprintf("%s: %v", what, err)
	s.ledger.FailTurn(assistantID, reason)
	s.isGenerating = false
	if s.activeID == assistantID {
		s.activeID = ""
	}
	s.logf("%s", reason)
	return fmt.Errorf("%s: %w", strings.ToLower(what), err)
}

// abandon fails a placeholder whose turn was replaced while its request was in flight.
func (s *Session) abandon(assistantID string) {
	if m, ok := s.ledger.Get(assistantID); ok && m.Status == domain.StatusPending {
		s.ledger.FailTurn(assistantID, "Canceled by a newer request")
	}
}
