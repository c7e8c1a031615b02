package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

type ResultType string

const (
	ResultSuccess  ResultType = "success"
	ResultFailure  ResultType = "failure"
	ResultRejected ResultType = "rejected"
	ResultDenied   ResultType = "denied"
)

// BinaryResult is an attachment returned to the agent alongside the text result, e.g. a rendered image.
type BinaryResult struct {
	// Data is base64-encoded.
	Data        string `json:"data"`
	MimeType    string `json:"mimeType"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	TextResultForLLM    string         `json:"textResultForLlm"`
	BinaryResultsForLLM []BinaryResult `json:"binaryResultsForLlm,omitempty"`
	ResultType          ResultType     `json:"resultType"`
	Error               string         `json:"error,omitempty"`
	ToolTelemetry       map[string]any `json:"toolTelemetry"`
}

func (r ToolResult) Failed() bool { return r.ResultType != ResultSuccess }

// Normalize fills in the defaults the agent expects: an empty result type means success and telemetry is never null.
func (r ToolResult) Normalize() ToolResult {
	if r.ResultType == "" {
		r.ResultType = ResultSuccess
	}
	if r.ToolTelemetry == nil {
		r.ToolTelemetry = map[string]any{}
	}
	return r
}

// TextResult is a successful result carrying only text.
func TextResult(text string) ToolResult {
	return ToolResult{TextResultForLLM: text, ResultType: ResultSuccess, ToolTelemetry: map[string]any{}}
}

// FailureResult reports msg to the agent both as the text result and as the error detail.
func FailureResult(msg string) ToolResult {
	return ToolResult{
		TextResultForLLM: msg,
		ResultType:       ResultFailure,
		Error:            msg,
		ToolTelemetry:    map[string]any{},
	}
}

// UnsupportedToolResult is returned when no handler is registered for name.
func UnsupportedToolResult(name string) ToolResult {
	return ToolResult{
		TextResultForLLM: fmt.Sprintf("Tool '%s' not supported", name),
		ResultType:       ResultFailure,
		Error:            fmt.Sprintf("tool '%s' not supported", name),
		ToolTelemetry:    map[string]any{},
	}
}

// ToolInvocation is what a handler receives for one tool.call.
type ToolInvocation struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  json.RawMessage
}

// BindArguments decodes the invocation arguments into v.
func (inv ToolInvocation) BindArguments(v any) error {
	if len(inv.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.Arguments, v); err != nil {
		return fmt.Errorf("decoding %s arguments: %w", inv.ToolName, err)
	}
	return nil
}

type ToolHandler func(ctx context.Context, inv ToolInvocation) (ToolResult, error)

// Tool is a capability the agent may invoke by name. Only the definition is sent to the agent; the handler stays local.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters map[string]any
	Handler    ToolHandler
}

// ToolDefinition is the serialized part of a Tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}
