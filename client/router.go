package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/sourcegraph/jsonrpc2"
)

// TextHandler adapts a function returning plain text into a ToolHandler. The text becomes a successful result.
func TextHandler(f func(ctx context.Context, inv protocol.ToolInvocation) (string, error)) protocol.ToolHandler {
	return func(ctx context.Context, inv protocol.ToolInvocation) (protocol.ToolResult, error) {
		text, err := f(ctx, inv)
		if err != nil {
			return protocol.ToolResult{}, err
		}
		return protocol.TextResult(text), nil
	}
}

// handleToolCall answers one tool.call. Every call that decodes gets a ToolResult, including ones naming
// no session or tool; only params that are missing or not JSON get a JSON-RPC error.
func (c *Client) handleToolCall(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var call protocol.ToolCallRequest
	if req.Params == nil {
		c.replyWithError(ctx, conn, req, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"})
		return
	}
	if err := json.Unmarshal(*req.Params, &call); err != nil {
		c.replyWithError(ctx, conn, req, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("invalid tool call: %s", err)})
		return
	}

	result := c.invokeTool(ctx, call)
	c.reply(ctx, conn, req, protocol.ToolCallResponse{Result: result})
}

func (c *Client) invokeTool(ctx context.Context, call protocol.ToolCallRequest) protocol.ToolResult {
	log := c.log.With("SessionID", call.SessionID, "Tool", call.ToolName, "ToolCallID", call.ToolCallID)

	s := c.Session(call.SessionID)
	if s == nil {
		log.Debug("tool call for unknown session")
		return protocol.UnsupportedToolResult(call.ToolName)
	}
	h, ok := s.toolHandler(call.ToolName)
	if !ok {
		log.Debug("tool call for unregistered tool")
		return protocol.UnsupportedToolResult(call.ToolName)
	}

	result, err := runTool(ctx, h, protocol.ToolInvocation{
		SessionID:  call.SessionID,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Arguments:  call.Arguments,
	})
	if err != nil {
		log.Debugw("tool failed", "Error", err)
		return protocol.FailureResult(err.Error())
	}
	return result.Normalize()
}

func runTool(ctx context.Context, h protocol.ToolHandler, inv protocol.ToolInvocation) (result protocol.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", inv.ToolName, r)
		}
	}()
	return h(ctx, inv)
}
