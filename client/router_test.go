package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City string `json:"city"`
}

func TestToolRoundTrip(t *testing.T) {
	weather := TextHandler(func(ctx context.Context, inv protocol.ToolInvocation) (string, error) {
		var args weatherArgs
		if err := inv.BindArguments(&args); err != nil {
			return "", err
		}
		return "sunny in " + args.City, nil
	})
	tools := []protocol.Tool{
		{Name: "weather", Description: "current weather", Handler: weather},
		{Name: "broken", Handler: func(context.Context, protocol.ToolInvocation) (protocol.ToolResult, error) {
			return protocol.ToolResult{}, errors.New("kaboom")
		}},
		{Name: "panicky", Handler: func(context.Context, protocol.ToolInvocation) (protocol.ToolResult, error) {
			panic("oh no")
		}},
		{Name: "declined", Handler: func(context.Context, protocol.ToolInvocation) (protocol.ToolResult, error) {
			return protocol.ToolResult{ResultType: protocol.ResultDenied, TextResultForLLM: "user said no"}, nil
		}},
	}

	cases := []struct {
		name      string
		prompt    string
		expAnswer string
	}{
		{
			name:      "success",
			prompt:    `/tool weather {"city":"Paris"}`,
			expAnswer: "tool weather returned: sunny in Paris",
		},
		{
			name:      "unregistered tool",
			prompt:    "/tool nope",
			expAnswer: "tool nope failed: tool 'nope' not supported",
		},
		{
			name:      "handler error",
			prompt:    "/tool broken",
			expAnswer: "tool broken failed: kaboom",
		},
		{
			name:      "handler panic",
			prompt:    "/tool panicky",
			expAnswer: "tool panicky failed: tool panicky panicked: oh no",
		},
		{
			name:      "bad arguments",
			prompt:    `/tool weather {"city":7}`,
			expAnswer: "tool weather failed: decoding weather arguments: json: cannot unmarshal number",
		},
		{
			name:      "denied",
			prompt:    "/tool declined",
			expAnswer: "tool declined failed: user said no",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cl := startClient(t)
			ctx := testCtx(t)
			s, err := cl.CreateSession(ctx, SessionConfig{Tools: tools})
			require.NoError(t, err)

			events, err := collect(ctx, s, c.prompt)
			require.NoError(t, err)
			got := answer(t, events)
			assert.True(t, strings.HasPrefix(got, c.expAnswer), "answer %q", got)
		})
	}
}

func TestInvokeToolResults(t *testing.T) {
	c := New("ws://unused")
	s := newSession(c, "s1")
	c.sessions["s1"] = s
	s.setTools([]protocol.Tool{
		{Name: "bare", Handler: func(context.Context, protocol.ToolInvocation) (protocol.ToolResult, error) {
			return protocol.ToolResult{TextResultForLLM: "ok"}, nil
		}},
		{Name: "dup", Handler: TextHandler(func(context.Context, protocol.ToolInvocation) (string, error) { return "first", nil })},
		{Name: "dup", Handler: TextHandler(func(context.Context, protocol.ToolInvocation) (string, error) { return "second", nil })},
	})

	cases := []struct {
		name    string
		call    protocol.ToolCallRequest
		expJSON string
	}{
		{
			name: "unknown session",
			call: protocol.ToolCallRequest{SessionID: "other", ToolName: "bare"},
			expJSON: `{"textResultForLlm":"Tool 'bare' not supported","resultType":"failure",
				"error":"tool 'bare' not supported","toolTelemetry":{}}`,
		},
		{
			name: "empty session",
			call: protocol.ToolCallRequest{SessionID: "", ToolName: "bare"},
			expJSON: `{"textResultForLlm":"Tool 'bare' not supported","resultType":"failure",
				"error":"tool 'bare' not supported","toolTelemetry":{}}`,
		},
		{
			name:    "normalized",
			call:    protocol.ToolCallRequest{SessionID: "s1", ToolName: "bare"},
			expJSON: `{"textResultForLlm":"ok","resultType":"success","toolTelemetry":{}}`,
		},
		{
			name:    "last duplicate wins",
			call:    protocol.ToolCallRequest{SessionID: "s1", ToolName: "dup"},
			expJSON: `{"textResultForLlm":"second","resultType":"success","toolTelemetry":{}}`,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			result := c.invokeTool(context.Background(), tc.call)
			b, err := json.Marshal(result)
			require.NoError(t, err)
			assert.JSONEq(t, tc.expJSON, string(b))
		})
	}
}

func TestToolCallOverRPC(t *testing.T) {
	c := New("ws://unused")
	ctx := testCtx(t)

	clientSide, agentSide := net.Pipe()
	clientConn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), handlerFunc(c.handle))
	t.Cleanup(func() { clientConn.Close() })
	agent := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(agentSide, jsonrpc2.VSCodeObjectCodec{}),
		handlerFunc(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}))
	t.Cleanup(func() { agent.Close() })

	var resp protocol.ToolCallResponse
	err := agent.Call(ctx, protocol.MethodToolCall, map[string]string{"sessionId": "", "toolName": "nonexistent"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, protocol.UnsupportedToolResult("nonexistent"), resp.Result)

	err = agent.Call(ctx, protocol.MethodToolCall, "not a tool call", &resp)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.EqualValues(t, jsonrpc2.CodeInvalidParams, rpcErr.Code)
}
