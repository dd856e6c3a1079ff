// Package transport delivers project events to a session over two redundant
// channels: a WebSocket push channel and an interval poller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/appbuilder/internal/domain"
)

// EventType discriminates project events.
type EventType string

// Event types sent by the backend, plus FileListing which only the poller produces.
const (
	TypeStatusSnapshot   EventType = "status_snapshot"
	TypeStatusUpdated    EventType = "status_updated"
	TypeLogAppended      EventType = "log_appended"
	TypePreviewReady     EventType = "preview_ready"
	TypeAssistantMessage EventType = "assistant_message"
	TypeToolUse          EventType = "tool_use"
	TypeToolResult       EventType = "tool_result"
	TypeResultMessage    EventType = "result_message"
	TypeError            EventType = "error"
	TypeProjectCreated   EventType = "project_created"
	TypeFileListing      EventType = "file_listing"
)

var (
	// ErrUnknownType is returned by Decode for well-formed frames of a type this
	// client does not handle. Callers ignore these.
	ErrUnknownType = errors.New("unknown event type")
	// ErrMalformed is returned by Decode for frames that fail validation.
	ErrMalformed = errors.New("malformed event")
)

// Header is the envelope shared by every event.
type Header struct {
	Type         EventType
	ProjectID    string
	GenerationID string
	Message      string
	Timestamp    string
}

func (h Header) header() Header { return h }

// Event is one of the concrete event types below.
type Event interface {
	header() Header
}

// HeaderOf returns the envelope of e.
func HeaderOf(e Event) Header { return e.header() }

// StatusEvent is a status_snapshot or status_updated.
type StatusEvent struct {
	Header
	Status string
	// PreviewURL is only meaningful when HasPreview is set.
	PreviewURL string
	HasPreview bool
}

// LogEvent is a log_appended line.
type LogEvent struct {
	Header
	Line string
}

// PreviewReadyEvent announces the live preview location.
type PreviewReadyEvent struct {
	Header
	PreviewURL string
}

// AssistantTextEvent carries a block of assistant text.
type AssistantTextEvent struct {
	Header
	Text string
}

// ToolUseEvent announces a tool call by the model.
type ToolUseEvent struct {
	Header
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultEvent delivers the output of an earlier tool call.
type ToolResultEvent struct {
	Header
	ToolUseID string
	Output    string
	IsError   bool
}

// ResultEvent is the terminal summary of an assistant turn.
type ResultEvent struct {
	Header
	Usage domain.Usage
}

// ErrorEvent reports a backend failure.
type ErrorEvent struct {
	Header
	Detail string
}

// ProjectCreatedEvent is emitted once when the project record exists.
type ProjectCreatedEvent struct {
	Header
	Status string
}

// FileListingEvent carries a polled file listing.
type FileListingEvent struct {
	Header
	Files []domain.FileEntry
}

// Source identifies which channel produced a delivery.
type Source int

// Delivery sources.
const (
	SourcePush Source = iota + 1
	SourcePoll
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Delivery is an event tagged with the channel and connection that produced it.
// Conn is the token the owner passed when opening the channel, so the owner can
// drop deliveries from channels it has since replaced.
type Delivery struct {
	Source Source
	Conn   uint64
	Event  Event
}

// Sink receives deliveries. Deliver must return promptly once ctx is done.
type Sink interface {
	Deliver(ctx context.Context, d Delivery)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery)

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, d Delivery) { f(ctx, d) }

type envelope struct {
	ProjectID    string          `json:"project_id"`
	Type         string          `json:"type"`
	Message      *string         `json:"message"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    string          `json:"timestamp"`
	GenerationID string          `json:"generation_id"`
}

// Decode parses and validates one push-channel frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	payload := map[string]json.RawMessage{}
	if p := bytes.TrimSpace(env.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if err := json.Unmarshal(p, &payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformed, env.Type)
		}
	}

	h := Header{
		Type:         EventType(env.Type),
		ProjectID:    env.ProjectID,
		GenerationID: env.GenerationID,
		Timestamp:    env.Timestamp,
	}
	if env.Message != nil {
		h.Message = *env.Message
	}
	if h.GenerationID == "" {
		h.GenerationID, _ = optString(payload, "generation_id")
	}

	switch h.Type {
	case TypeStatusSnapshot, TypeStatusUpdated:
		status, err := requireString(h.Type, payload, "status")
		if err != nil {
			return nil, err
		}
		ev := StatusEvent{Header: h, Status: status}
		if raw, ok := payload["preview_url"]; ok {
			url, err := nullableString(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s preview_url: %v", ErrMalformed, h.Type, err)
			}
			ev.PreviewURL, ev.HasPreview = url, true
		}
		return ev, nil

	case TypeLogAppended:
		return LogEvent{Header: h, Line: h.Message}, nil

	case TypePreviewReady:
		url, err := requireString(h.Type, payload, "preview_url")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("%w: %s without preview_url", ErrMalformed, h.Type)
		}
		return PreviewReadyEvent{Header: h, PreviewURL: url}, nil

	case TypeAssistantMessage:
		text, err := requireString(h.Type, payload, "text")
		if err != nil {
			return nil, err
		}
		return AssistantTextEvent{Header: h, Text: text}, nil

	case TypeToolUse:
		id, err := requireString(h.Type, payload, "id")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, h.Type)
		}
		name, _ := optString(payload, "name")
		ev := ToolUseEvent{Header: h, ID: id, Name: name}
		if raw, ok := payload["input"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			ev.Input = append(json.RawMessage(nil), raw...)
		}
		return ev, nil

	case TypeToolResult:
		id, err := requireString(h.Type, payload, "tool_use_id")
		if err != nil {
			return nil, err
		}
		ev := ToolResultEvent{Header: h, ToolUseID: id, Output: flattenContent(payload["content"])}
		if raw, ok := payload["is_error"]; ok {
			_ = json.Unmarshal(raw, &ev.IsError)
		}
		return ev, nil

	case TypeResultMessage:
		return ResultEvent{Header: h, Usage: decodeUsage(payload)}, nil

	case TypeError:
		detail := flattenContent(payload["detail"])
		if detail == "" {
			detail = h.Message
		}
		if detail == "" {
			detail = "Generation failed"
		}
		return ErrorEvent{Header: h, Detail: detail}, nil

	case TypeProjectCreated:
		status, _ := optString(payload, "status")
		return ProjectCreatedEvent{Header: h, Status: status}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func requireString(t EventType, payload map[string]json.RawMessage, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("%w: %s without %s", ErrMalformed, t, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s %s is not a string", ErrMalformed, t, key)
	}
	return s, nil
}

func optString(payload map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func nullableString(raw json.RawMessage) (string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// flattenContent renders a string value as-is and any other JSON value compactly.
func flattenContent(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) != nil {
		return string(raw)
	}
	return buf.String()
}

func decodeUsage(payload map[string]json.RawMessage) domain.Usage {
	var u domain.Usage
	if raw, ok := payload["total_cost_usd"]; ok {
		var cost *float64
		if json.Unmarshal(raw, &cost) == nil && cost != nil {
			u.TotalCostUSD = *cost
		}
	}
	u.StopReason, _ = optString(payload, "stop_reason")
	if raw, ok := payload["usage"]; ok {
		var tokens struct {
			InputTokens  *int `json:"input_tokens"`
			OutputTokens *int `json:"output_tokens"`
		}
		if json.Unmarshal(raw, &tokens) == nil {
			if tokens.InputTokens != nil {
				u.InputTokens = *tokens.InputTokens
			}
			if tokens.OutputTokens != nil {
				u.OutputTokens = *tokens.OutputTokens
			}
		}
	}
	return u
}
