package session

import (
	"time"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/conversation"
	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/transport"
)

// apply folds one delivery into the session state. Push and poll deliveries go
// through the same handlers, and every handler is safe to apply twice.
func (s *Session) apply(d transport.Delivery) {
	if !s.accepts(d) {
		return
	}

	switch ev := d.Event.(type) {
	case transport.StatusEvent:
		s.applyStatus(ev.Status, ev.PreviewURL, ev.HasPreview)
	case transport.ProjectCreatedEvent:
		if ev.Status != "" {
			s.applyStatus(ev.Status, "", false)
		}
	case transport.LogEvent:
		s.appendLog(ev)
	case transport.PreviewReadyEvent:
		s.setRawPreview(ev.PreviewURL)
		s.activeTab = TabPreview
	case transport.AssistantTextEvent:
		if s.activeID != "" {
			s.ledger.AppendAssistantBlock(s.activeID, ev.Text)
		}
	case transport.ToolUseEvent:
		if s.activeID != "" {
			s.ledger.RecordToolUse(s.activeID, conversation.ToolEvent{ID: ev.ID, Name: ev.Name, Input: ev.Input})
		}
	case transport.ToolResultEvent:
		if s.activeID != "" {
			s.ledger.RecordToolResult(s.activeID, ev.ToolUseID, ev.Output, ev.IsError)
		}
	case transport.ResultEvent:
		if s.activeID != "" {
			usage := ev.Usage
			s.ledger.Patch(s.activeID, conversation.Patch{Usage: &usage})
			if s.activePending() {
				s.ledger.FinalizeTurn(s.activeID)
			}
		}
	case transport.ErrorEvent:
		s.logf("Error: %s", ev.Detail)
		if s.activePending() {
			s.ledger.FailTurn(s.activeID, ev.Detail)
		}
		s.isGenerating = false
	case transport.FileListingEvent:
		s.applyListing(ev.Files)
	default:
		s.logger.Debug("Ignoring event", "project_id", s.projectID, "type", transport.HeaderOf(d.Event).Type)
	}
}

// accepts drops deliveries from replaced channels, from other projects, from
// other generations, and replayed history from before the current turn.
func (s *Session) accepts(d transport.Delivery) bool {
	switch d.Source {
	case transport.SourcePush:
		if d.Conn == 0 || d.Conn != s.pushConn {
			return false
		}
	case transport.SourcePoll:
		if d.Conn == 0 || d.Conn != s.pollConn {
			return false
		}
	default:
		return false
	}
	if d.Event == nil {
		return false
	}

	h := transport.HeaderOf(d.Event)
	if h.ProjectID != "" && h.ProjectID != s.projectID {
		return false
	}
	if h.GenerationID != "" && s.generationID != "" && h.GenerationID != s.generationID {
		s.logger.Debug("Dropping event from another generation",
			"project_id", s.projectID, "type", h.Type, "generation_id", h.GenerationID)
		return false
	}
	if ts := backend.ParseTime(h.Timestamp, time.Time{}); !ts.IsZero() && ts.Before(s.turnFloor) {
		return false
	}
	return true
}

func (s *Session) applyStatus(status, preview string, hasPreview bool) {
	if status != "" {
		s.projectStatus = status
	}
	if hasPreview && preview != "" {
		s.setRawPreview(preview)
	}
	if !domain.IsTerminalStatus(status) {
		return
	}

	if s.activePending() {
		switch status {
		case domain.ProjectReady:
			s.ledger.FinalizeTurn(s.activeID)
		case domain.ProjectCanceled:
			s.ledger.FailTurn(s.activeID, "Generation canceled")
		default:
			s.ledger.FailTurn(s.activeID, "Generation failed")
		}
	}
	if s.isGenerating {
		s.isGenerating = false
		if status == domain.ProjectReady {
			s.refreshListing()
		}
	}
}

func (s *Session) activePending() bool {
	if s.activeID == "" {
		return false
	}
	m, ok := s.ledger.Get(s.activeID)
	return ok && m.Status == domain.StatusPending
}

// appendLog adds a streamed log line, skipping lines a reconnect replays.
func (s *Session) appendLog(ev transport.LogEvent) {
	if ev.Line == "" {
		return
	}
	if ts := backend.ParseTime(ev.Timestamp, time.Time{}); !ts.IsZero() {
		switch {
		case ts.Before(s.lastLogAt):
			return
		case ts.Equal(s.lastLogAt):
			if s.lastLogLines[ev.Line] {
				return
			}
		default:
			s.lastLogAt = ts
			s.lastLogLines = make(map[string]bool)
		}
		s.lastLogLines[ev.Line] = true
	}
	s.logs.Add(ev.Line)
}
