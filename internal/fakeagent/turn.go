package fakeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/guseggert/agentbridge/protocol"
)

// emit records ev in the session history, unless it is ephemeral, and notifies the client.
func (a *Agent) emit(s *session, typ protocol.EventType, data any, ephemeral bool) error {
	ev, err := protocol.NewEvent(uuid.NewString(), typ, data)
	if err != nil {
		return err
	}
	ev.Ephemeral = ephemeral

	s.mut.Lock()
	ev.ParentID = s.lastID
	if !ephemeral {
		s.history = append(s.history, ev)
		s.lastID = ev.ID
	}
	s.mut.Unlock()

	err = a.conn.Notify(a.ctx, protocol.MethodSessionEvent, protocol.SessionEventNotification{SessionID: s.id, Event: ev})
	if err != nil {
		return fmt.Errorf("notifying %s: %w", typ, err)
	}
	return nil
}

func (a *Agent) runTurn(s *session, msg protocol.MessageOptions) error {
	prompt := strings.TrimSpace(msg.Prompt)
	if prompt == "/crash" {
		a.exit(CrashExitCode)
		return nil
	}

	err := a.emit(s, protocol.EventUserMessage, protocol.UserMessageData{Content: msg.Prompt, Attachments: msg.Attachments}, false)
	if err != nil {
		return err
	}
	turnID := uuid.NewString()
	if err := a.emit(s, protocol.EventAssistantTurnStart, protocol.TurnData{TurnID: turnID}, false); err != nil {
		return err
	}

	var reply string
	switch {
	case strings.HasPrefix(prompt, "/tool "):
		reply, err = a.toolRoundTrip(s, strings.TrimPrefix(prompt, "/tool "))
		if err != nil {
			return err
		}
	case strings.HasPrefix(prompt, "/error"):
		errData := protocol.SessionErrorData{ErrorType: "query", Message: strings.TrimSpace(strings.TrimPrefix(prompt, "/error"))}
		if err := a.emit(s, protocol.EventSessionError, errData, false); err != nil {
			return err
		}
		return a.emit(s, protocol.EventSessionIdle, protocol.SessionIdleData{}, true)
	default:
		reply = "echo: " + msg.Prompt
		if n := len(msg.Attachments); n > 0 {
			reply += fmt.Sprintf(" (%d attachments)", n)
		}
	}

	messageID := uuid.NewString()
	for _, chunk := range strings.SplitAfter(reply, " ") {
		delta := protocol.AssistantMessageDeltaData{MessageID: messageID, DeltaContent: chunk}
		if err := a.emit(s, protocol.EventAssistantMessageDelta, delta, true); err != nil {
			return err
		}
	}
	err = a.emit(s, protocol.EventAssistantMessage, protocol.AssistantMessageData{MessageID: messageID, Content: reply}, false)
	if err != nil {
		return err
	}
	if err := a.emit(s, protocol.EventAssistantTurnEnd, protocol.TurnData{TurnID: turnID}, false); err != nil {
		return err
	}
	return a.emit(s, protocol.EventSessionIdle, protocol.SessionIdleData{}, true)
}

// toolRoundTrip asks the client to run a tool and returns the answer text describing the outcome.
// command is "NAME" or "NAME JSON".
func (a *Agent) toolRoundTrip(s *session, command string) (string, error) {
	name, rawArgs, _ := strings.Cut(strings.TrimSpace(command), " ")
	args := json.RawMessage(strings.TrimSpace(rawArgs))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return fmt.Sprintf("invalid arguments for tool %s", name), nil
	}

	callID := uuid.NewString()
	start := protocol.ToolExecutionStartData{ToolCallID: callID, ToolName: name, Arguments: args}
	if err := a.emit(s, protocol.EventToolExecutionStart, start, false); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.toolTimeout)
	defer cancel()
	var resp protocol.ToolCallResponse
	err := a.conn.Call(ctx, protocol.MethodToolCall, protocol.ToolCallRequest{
		SessionID:  s.id,
		ToolCallID: callID,
		ToolName:   name,
		Arguments:  args,
	}, &resp)

	result := resp.Result.Normalize()
	complete := protocol.ToolExecutionCompleteData{ToolCallID: callID}
	var reply string
	switch {
	case err != nil:
		complete.Error = &protocol.ToolExecutionError{Message: err.Error()}
		reply = fmt.Sprintf("tool %s failed: %s", name, err)
	case result.Failed():
		msg := result.Error
		if msg == "" {
			msg = result.TextResultForLLM
		}
		complete.Error = &protocol.ToolExecutionError{Message: msg}
		reply = fmt.Sprintf("tool %s failed: %s", name, msg)
	default:
		complete.Success = true
		complete.Result = &protocol.ToolExecutionResult{Content: result.TextResultForLLM}
		reply = fmt.Sprintf("tool %s returned: %s", name, result.TextResultForLLM)
	}
	if err := a.emit(s, protocol.EventToolExecutionComplete, complete, false); err != nil {
		return "", err
	}
	return reply, nil
}
