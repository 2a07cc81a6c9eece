package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of output event a session emits.
type EventType string

const (
	// EventSystem is a system-level event (init is a subtype).
	EventSystem EventType = "system"
	// EventAssistant is an assistant message event.
	EventAssistant EventType = "assistant"
	// EventUser carries tool results echoed back into the transcript.
	EventUser EventType = "user"
	// EventResult is the completion event with cost and final text.
	EventResult EventType = "result"
	// EventError is an error event.
	EventError EventType = "error"
)

// OutputEvent is a parsed event from a session's stream-json output.
// Providers map their native format onto this shape.
type OutputEvent struct {
	Type      EventType `json:"type"`
	SubType   string    `json:"subtype,omitempty"`
	Timestamp time.Time `json:"-"`

	// SessionID is populated on init events.
	SessionID string `json:"session_id,omitempty"`

	// Message holds assistant content blocks.
	Message *MessageContent `json:"message,omitempty"`

	// Result-event fields.
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	IsErrorResult bool    `json:"is_error,omitempty"`
	Result        string  `json:"result,omitempty"`

	// Error information.
	Error *ErrorInfo `json:"error,omitempty"`

	// Raw payload for run records and debugging.
	Raw json.RawMessage `json:"-"`
}

// IsInit returns true for the system init event that carries the session id.
func (e *OutputEvent) IsInit() bool {
	return e.Type == EventSystem && e.SubType == "init"
}

// IsResult returns true for the completion event.
func (e *OutputEvent) IsResult() bool {
	return e.Type == EventResult
}

// IsError returns true for explicit error events and error results.
func (e *OutputEvent) IsError() bool {
	return e.Type == EventError || e.Error != nil || e.IsErrorResult
}

// ErrorMessage returns the best available error text from this event.
func (e *OutputEvent) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if e.IsErrorResult && e.Result != "" {
		return e.Result
	}
	return "unknown error"
}

// MessageContent holds assistant message content blocks.
type MessageContent struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// GetText concatenates all text blocks.
func (m *MessageContent) GetText() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolUses returns all tool_use content blocks.
func (m *MessageContent) ToolUses() []ContentBlock {
	if m == nil {
		return nil
	}
	var tools []ContentBlock
	for _, block := range m.Content {
		if block.Type == "tool_use" {
			tools = append(tools, block)
		}
	}
	return tools
}

// ContentBlock is a single block in a message: text, tool_use, or
// tool_result.
type ContentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
	// Tool use fields (when Type == "tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ErrorInfo holds structured error details from a provider.
type ErrorInfo struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
