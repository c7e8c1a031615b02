package protocol

import (
	"encoding/json"
)

// Version is the protocol version reported by ping.
const Version = 2

// Client->agent requests.
const (
	MethodPing               = "ping"
	MethodSessionCreate      = "session.create"
	MethodSessionSend        = "session.send"
	MethodSessionGetMessages = "session.getMessages"
	MethodSessionDestroy     = "session.destroy"
)

// Agent->client messages.
const (
	// MethodSessionEvent is a notification carrying one Event for one session.
	MethodSessionEvent = "session.event"
	// MethodToolCall is a request which must be answered with a ToolCallResponse.
	MethodToolCall = "tool.call"
)

type PingRequest struct {
	Message string `json:"message,omitempty"`
}

type PingResponse struct {
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"`
	ProtocolVersion *int   `json:"protocolVersion,omitempty"`
}

// SystemMessage augments or replaces the agent's system prompt.
type SystemMessage struct {
	// Mode is "append" (the default when empty) or "replace".
	Mode    string `json:"mode,omitempty"`
	Content string `json:"content"`
}

type CreateSessionRequest struct {
	Model         string           `json:"model,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	SystemMessage *SystemMessage   `json:"systemMessage,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// Attachment references a file the agent can read, e.g. a path returned by the upload endpoint.
type Attachment struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	DisplayName string `json:"displayName,omitempty"`
}

// FileAttachment builds a file attachment for the given server-local path.
func FileAttachment(path, displayName string) Attachment {
	return Attachment{Type: "file", Path: path, DisplayName: displayName}
}

// Delivery modes for MessageOptions.Mode.
const (
	ModeEnqueue   = "enqueue"
	ModeImmediate = "immediate"
)

// MessageOptions is one prompt submission.
type MessageOptions struct {
	Prompt      string       `json:"prompt"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Mode        string       `json:"mode,omitempty"`
}

type SendRequest struct {
	SessionID string `json:"sessionId"`
	MessageOptions
}

type SendResponse struct {
	MessageID string `json:"messageId"`
}

type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

type GetMessagesResponse struct {
	Events []Event `json:"events"`
}

type SessionEventNotification struct {
	SessionID string `json:"sessionId"`
	Event     Event  `json:"event"`
}

type ToolCallRequest struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

type ToolCallResponse struct {
	Result ToolResult `json:"result"`
}
