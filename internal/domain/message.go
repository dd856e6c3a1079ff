package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks the lifecycle of a conversation message.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusError    MessageStatus = "error"
)

// ToolState is the progress of a single tool invocation inside an assistant turn.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
	ToolOutputDenied    ToolState = "output-denied"
)

// ToolInvocation is one tool call made by the model during an assistant turn.
type ToolInvocation struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	State  ToolState       `json:"state"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Usage is the token and cost summary reported when a generation finishes.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
}

// Message is a single entry in the conversation ledger.
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	Status          MessageStatus    `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ProjectID       string           `json:"project_id,omitempty"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	Usage           *Usage           `json:"usage,omitempty"`
}

// Clone returns a deep copy safe to hand to readers outside the owning goroutine.
func (m Message) Clone() Message {
	if m.ToolInvocations != nil {
		tools := make([]ToolInvocation, len(m.ToolInvocations))
		copy(tools, m.ToolInvocations)
		m.ToolInvocations = tools
	}
	if m.Usage != nil {
		u := *m.Usage
		m.Usage = &u
	}
	return m
}
