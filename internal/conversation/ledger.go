// Package conversation holds the ordered chat transcript of a project session.
package conversation

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/identity"
)

// Patch is a partial update to a message. Nil fields are left unchanged.
type Patch struct {
	Content         *string
	Status          domain.MessageStatus
	ProjectID       *string
	ToolInvocations []domain.ToolInvocation
	Usage           *domain.Usage
}

// ToolEvent describes a tool call announced by the model.
type ToolEvent struct {
	ID    string
	Name  string
	State domain.ToolState
	Input json.RawMessage
}

// Ledger is the conversation transcript. It is not safe for concurrent use;
// the session orchestrator owns it from a single goroutine.
type Ledger struct {
	messages []domain.Message
	index    map[string]int
	now      func() time.Time
	newID    func() string
	last     time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		index: make(map[string]int),
		now:   time.Now,
		newID: identity.NewMessageID,
	}
}

// Turn is the pair of messages created when the user submits a prompt.
type Turn struct {
	User      domain.Message
	Assistant domain.Message
}

// BeginTurn appends a completed user message and a pending assistant placeholder.
// It returns false, and changes nothing, if userText is blank.
func (l *Ledger) BeginTurn(userText, assistantIntro, projectID string) (Turn, bool) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return Turn{}, false
	}

	now := l.stamp()
	user := domain.Message{
		ID:        l.newID(),
		Role:      domain.RoleUser,
		Content:   text,
		Status:    domain.StatusComplete,
		CreatedAt: now,
		UpdatedAt: now,
		ProjectID: projectID,
	}
	later := l.stamp()
	assistant := domain.Message{
		ID:        l.newID(),
		Role:      domain.RoleAssistant,
		Content:   assistantIntro,
		Status:    domain.StatusPending,
		CreatedAt: later,
		UpdatedAt: later,
		ProjectID: projectID,
	}
	l.insert(user)
	l.insert(assistant)
	return Turn{User: user.Clone(), Assistant: assistant.Clone()}, true
}

// Add inserts a message as-is, replacing any existing message with the same id.
func (l *Ledger) Add(m domain.Message) {
	if i, ok := l.index[m.ID]; ok {
		l.messages[i] = m
		l.observe(m.CreatedAt)
		return
	}
	l.insert(m)
}

func (l *Ledger) insert(m domain.Message) {
	l.index[m.ID] = len(l.messages)
	l.messages = append(l.messages, m)
	l.observe(m.CreatedAt)
}

// observe keeps locally stamped messages after any server stamp already seen.
func (l *Ledger) observe(t time.Time) {
	if t.After(l.last) {
		l.last = t
	}
}

// Get returns a copy of the message with id.
func (l *Ledger) Get(id string) (domain.Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return domain.Message{}, false
	}
	return l.messages[i].Clone(), true
}

// Patch applies p to the message with id. It bumps UpdatedAt and keeps the
// previous status when p.Status is empty. Unknown ids are ignored.
func (l *Ledger) Patch(id string, p Patch) bool {
	return l.Update(id, func(domain.Message) Patch { return p })
}

// Update computes a patch from the current message and applies it.
func (l *Ledger) Update(id string, fn func(current domain.Message) Patch) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	m := &l.messages[i]
	p := fn(m.Clone())
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != "" {
		m.Status = p.Status
	}
	if p.ProjectID != nil {
		m.ProjectID = *p.ProjectID
	}
	if p.ToolInvocations != nil {
		m.ToolInvocations = p.ToolInvocations
	}
	if p.Usage != nil {
		u := *p.Usage
		m.Usage = &u
	}
	m.UpdatedAt = l.stamp()
	return true
}

// AppendAssistantText concatenates streamed text onto the active assistant message.
func (l *Ledger) AppendAssistantText(activeID, text string) bool {
	if text == "" {
		return false
	}
	return l.Update(activeID, func(cur domain.Message) Patch {
		content := cur.Content + text
		return Patch{Content: &content}
	})
}

// AppendAssistantBlock appends a complete block of assistant text, separated from
// earlier content by a blank line.
func (l *Ledger) AppendAssistantBlock(activeID, text string) bool {
	cur, ok := l.Get(activeID)
	if !ok || text == "" {
		return false
	}
	if cur.Content != "" && !strings.HasSuffix(cur.Content, "\n\n") {
		text = "\n\n" + text
	}
	return l.AppendAssistantText(activeID, text)
}

// RecordToolUse inserts a tool invocation or merges it into an existing one with the same id.
func (l *Ledger) RecordToolUse(activeID string, ev ToolEvent) bool {
	if ev.ID == "" {
		return false
	}
	return l.Update(activeID, func(cur domain.Message) Patch {
		tools := cur.ToolInvocations
		for i := range tools {
			if tools[i].ID != ev.ID {
				continue
			}
			if ev.Name != "" {
				tools[i].Name = ev.Name
			}
			if ev.State != "" {
				tools[i].State = ev.State
			}
			if len(ev.Input) > 0 {
				tools[i].Input = ev.Input
			}
			return Patch{ToolInvocations: tools}
		}
		state := ev.State
		if state == "" {
			state = domain.ToolInputAvailable
		}
		tools = append(tools, domain.ToolInvocation{
			ID:    ev.ID,
			Name:  ev.Name,
			State: state,
			Input: ev.Input,
		})
		return Patch{ToolInvocations: tools}
	})
}

// RecordToolResult attaches output to the matching tool invocation. It is a no-op
// when the message or the invocation is unknown.
func (l *Ledger) RecordToolResult(activeID, toolUseID, output string, isError bool) bool {
	i, ok := l.index[activeID]
	if !ok {
		return false
	}
	found := false
	for _, tool := range l.messages[i].ToolInvocations {
		if tool.ID == toolUseID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return l.Update(activeID, func(cur domain.Message) Patch {
		tools := cur.ToolInvocations
		for i := range tools {
			if tools[i].ID == toolUseID {
				tools[i].Output = output
				tools[i].State = domain.ToolOutputAvailable
				if isError {
					tools[i].State = domain.ToolOutputError
				}
			}
		}
		return Patch{ToolInvocations: tools}
	})
}

// FinalizeTurn marks the message complete and closes tool calls that never got a result.
func (l *Ledger) FinalizeTurn(activeID string) bool {
	return l.Update(activeID, func(cur domain.Message) Patch {
		tools := cur.ToolInvocations
		for i := range tools {
			if tools[i].State == domain.ToolInputAvailable {
				tools[i].State = domain.ToolOutputAvailable
			}
		}
		return Patch{Status: domain.StatusComplete, ToolInvocations: tools}
	})
}

// FailTurn marks the message as errored with reason as its content.
func (l *Ledger) FailTurn(activeID, reason string) bool {
	return l.Patch(activeID, Patch{Content: &reason, Status: domain.StatusError})
}

// ReplaceID swaps a local placeholder for the server's authoritative copy of the
// same message. The local id is no longer valid afterwards.
func (l *Ledger) ReplaceID(localID string, server domain.Message) bool {
	i, ok := l.index[localID]
	if !ok {
		return false
	}
	cur := l.messages[i]
	merged := cur
	if server.ID != "" {
		merged.ID = server.ID
	}
	if server.Content != "" {
		merged.Content = server.Content
	}
	if server.Status != "" {
		merged.Status = server.Status
	}
	if !server.CreatedAt.IsZero() {
		merged.CreatedAt = server.CreatedAt
	}
	if !server.UpdatedAt.IsZero() {
		merged.UpdatedAt = server.UpdatedAt
	} else {
		merged.UpdatedAt = l.stamp()
	}
	if server.ProjectID != "" {
		merged.ProjectID = server.ProjectID
	}

	l.observe(merged.CreatedAt)

	if existing, dup := l.index[merged.ID]; dup && existing != i {
		// The server copy already arrived through another channel; keep one entry.
		l.messages[existing] = merged
		l.removeAt(i)
		return true
	}
	delete(l.index, localID)
	l.messages[i] = merged
	l.index[merged.ID] = i
	return true
}

// KeepAfter restamps id so it sorts after anchorID. It is used to keep an
// assistant placeholder behind its user message once the server restamps it.
func (l *Ledger) KeepAfter(anchorID, id string) bool {
	a, ok := l.index[anchorID]
	if !ok {
		return false
	}
	i, ok := l.index[id]
	if !ok {
		return false
	}
	anchor := l.messages[a].CreatedAt
	if l.messages[i].CreatedAt.After(anchor) {
		return false
	}
	t := anchor.Add(time.Nanosecond)
	l.messages[i].CreatedAt = t
	if l.messages[i].UpdatedAt.Before(t) {
		l.messages[i].UpdatedAt = t
	}
	l.observe(t)
	return true
}

func (l *Ledger) removeAt(i int) {
	delete(l.index, l.messages[i].ID)
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	for j := i; j < len(l.messages); j++ {
		l.index[l.messages[j].ID] = j
	}
}

// LastPending returns the id of the most recent pending assistant message,
// searching from the end of the ordered transcript.
func (l *Ledger) LastPending() (string, bool) {
	msgs := l.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant && msgs[i].Status == domain.StatusPending {
			return msgs[i].ID, true
		}
	}
	return "", false
}

// Messages returns copies of all messages ordered by CreatedAt ascending.
func (l *Ledger) Messages() []domain.Message {
	out := make([]domain.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of messages.
func (l *Ledger) Len() int { return len(l.messages) }

// Reset drops every message.
func (l *Ledger) Reset() {
	l.messages = nil
	l.last = time.Time{}
	l.index = make(map[string]int)
}

// stamp returns a timestamp strictly after the previous one so ordering by
// CreatedAt stays stable for messages created in the same clock tick.
func (l *Ledger) stamp() time.Time {
	t := l.now()
	if !t.After(l.last) {
		t = l.last.Add(time.Nanosecond)
	}
	l.last = t
	return t
}
