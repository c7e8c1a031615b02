package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventUserMessage           EventType = "user.message"
	EventAssistantTurnStart    EventType = "assistant.turn_start"
	EventAssistantMessageDelta EventType = "assistant.message_delta"
	EventAssistantMessage      EventType = "assistant.message"
	EventAssistantTurnEnd      EventType = "assistant.turn_end"
	EventToolExecutionStart    EventType = "tool.execution_start"
	EventToolExecutionComplete EventType = "tool.execution_complete"
	EventSessionError          EventType = "session.error"
	// EventSessionIdle ends a turn. A query is over once it has been delivered.
	EventSessionIdle EventType = "session.idle"
)

// Event is one increment of conversational progress. Events are delivered in the order the agent emitted them.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ParentID  string          `json:"parentId,omitempty"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
}

// IsIdle reports whether the event terminates a turn.
func (e Event) IsIdle() bool { return e.Type == EventSessionIdle }

// EventData is the decoded payload of an Event. The set of implementations is closed.
type EventData interface {
	eventType() EventType
}

type UserMessageData struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type TurnData struct {
	TurnID string `json:"turnId"`
}

type AssistantMessageDeltaData struct {
	MessageID    string `json:"messageId"`
	DeltaContent string `json:"deltaContent"`
}

type ToolRequest struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

type AssistantMessageData struct {
	MessageID    string        `json:"messageId"`
	Content      string        `json:"content"`
	ToolRequests []ToolRequest `json:"toolRequests,omitempty"`
}

type ToolExecutionStartData struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

type ToolExecutionCompleteData struct {
	ToolCallID string               `json:"toolCallId"`
	Success    bool                 `json:"success"`
	Result     *ToolExecutionResult `json:"result,omitempty"`
	Error      *ToolExecutionError  `json:"error,omitempty"`
}

type ToolExecutionResult struct {
	Content string `json:"content"`
}

type ToolExecutionError struct {
	Message string `json:"message"`
}

type SessionErrorData struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

type SessionIdleData struct{}

// UnknownData holds the raw payload of an event type this package does not model.
type UnknownData struct {
	Type EventType
	Raw  json.RawMessage
}

func (UserMessageData) eventType() EventType           { return EventUserMessage }
func (AssistantMessageDeltaData) eventType() EventType { return EventAssistantMessageDelta }
func (AssistantMessageData) eventType() EventType      { return EventAssistantMessage }
func (ToolExecutionStartData) eventType() EventType    { return EventToolExecutionStart }
func (ToolExecutionCompleteData) eventType() EventType { return EventToolExecutionComplete }
func (SessionErrorData) eventType() EventType          { return EventSessionError }
func (SessionIdleData) eventType() EventType           { return EventSessionIdle }
func (d UnknownData) eventType() EventType             { return d.Type }

// turnData carries the event type alongside TurnData, which turn_start and turn_end share.
type turnData struct {
	TurnData
	typ EventType
}

func (d turnData) eventType() EventType { return d.typ }

// Decode returns the typed payload of the event. Unrecognized types decode to UnknownData.
func (e Event) Decode() (EventData, error) {
	var (
		data EventData
		err  error
	)
	switch e.Type {
	case EventUserMessage:
		data, err = decodeData[UserMessageData](e.Data)
	case EventAssistantTurnStart, EventAssistantTurnEnd:
		var d TurnData
		d, err = decodeData[TurnData](e.Data)
		data = turnData{TurnData: d, typ: e.Type}
	case EventAssistantMessageDelta:
		data, err = decodeData[AssistantMessageDeltaData](e.Data)
	case EventAssistantMessage:
		data, err = decodeData[AssistantMessageData](e.Data)
	case EventToolExecutionStart:
		data, err = decodeData[ToolExecutionStartData](e.Data)
	case EventToolExecutionComplete:
		data, err = decodeData[ToolExecutionCompleteData](e.Data)
	case EventSessionError:
		data, err = decodeData[SessionErrorData](e.Data)
	case EventSessionIdle:
		data = SessionIdleData{}
	default:
		data = UnknownData{Type: e.Type, Raw: e.Data}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event %s: %w", e.Type, e.ID, err)
	}
	return data, nil
}

// Turn returns the turn payload of a turn_start or turn_end event.
func Turn(d EventData) (TurnData, bool) {
	t, ok := d.(turnData)
	return t.TurnData, ok
}

func decodeData[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// NewEvent builds an event with the given payload, for agents and tests.
func NewEvent(id string, typ EventType, data any) (Event, error) {
	ev := Event{ID: id, Type: typ, Timestamp: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshaling %s data: %w", typ, err)
		}
		ev.Data = b
	}
	return ev, nil
}
