package fakeagent

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// peer is the client side of a connection to an in-process agent.
type peer struct {
	conn   *jsonrpc2.Conn
	events chan protocol.SessionEventNotification
	exits  chan int

	mut       sync.Mutex
	toolCalls []protocol.ToolCallRequest
}

func (p *peer) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case protocol.MethodSessionEvent:
		var n protocol.SessionEventNotification
		if err := json.Unmarshal(*req.Params, &n); err == nil {
			p.events <- n
		}
	case protocol.MethodToolCall:
		var call protocol.ToolCallRequest
		_ = json.Unmarshal(*req.Params, &call)
		p.mut.Lock()
		p.toolCalls = append(p.toolCalls, call)
		p.mut.Unlock()
		result := protocol.TextResult("sunny")
		if call.ToolName != "weather" {
			result = protocol.UnsupportedToolResult(call.ToolName)
		}
		_ = conn.Reply(ctx, req.ID, protocol.ToolCallResponse{Result: result})
	}
}

func startAgent(t *testing.T) *peer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	agentSide, clientSide := net.Pipe()

	p := &peer{
		events: make(chan protocol.SessionEventNotification, 100),
		exits:  make(chan int, 1),
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		stream := jsonrpc2.NewBufferedStream(agentSide, jsonrpc2.VSCodeObjectCodec{})
		_ = Serve(ctx, stream, WithLogger(zaptest.NewLogger(t).Sugar()), WithExitFunc(func(code int) { p.exits <- code }))
	}()
	p.conn = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), p)
	t.Cleanup(func() {
		cancel()
		p.conn.Close()
		<-served
	})
	return p
}

func (p *peer) call(t *testing.T, method string, params, result interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.conn.Call(ctx, method, params, result))
}

func (p *peer) createSession(t *testing.T, tools ...string) string {
	t.Helper()
	req := protocol.CreateSessionRequest{Model: "fake"}
	for _, name := range tools {
		req.Tools = append(req.Tools, protocol.ToolDefinition{Name: name})
	}
	var resp protocol.CreateSessionResponse
	p.call(t, protocol.MethodSessionCreate, req, &resp)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

// turn sends prompt and collects events up to and including session.idle.
func (p *peer) turn(t *testing.T, sessionID, prompt string) []protocol.Event {
	t.Helper()
	var sendResp protocol.SendResponse
	p.call(t, protocol.MethodSessionSend, protocol.SendRequest{
		SessionID:      sessionID,
		MessageOptions: protocol.MessageOptions{Prompt: prompt},
	}, &sendResp)
	require.NotEmpty(t, sendResp.MessageID)

	var events []protocol.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case n := <-p.events:
			assert.Equal(t, sessionID, n.SessionID)
			events = append(events, n.Event)
			if n.Event.IsIdle() {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for idle, got %d events", len(events))
		}
	}
}

// streamTypes lists event types with each run of deltas collapsed into one entry.
func streamTypes(events []protocol.Event) []protocol.EventType {
	var types []protocol.EventType
	for _, typ := range eventTypes(events) {
		if typ == protocol.EventAssistantMessageDelta && len(types) > 0 && types[len(types)-1] == typ {
			continue
		}
		types = append(types, typ)
	}
	return types
}

func eventTypes(events []protocol.Event) []protocol.EventType {
	var types []protocol.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestPing(t *testing.T) {
	p := startAgent(t)
	var resp protocol.PingResponse
	p.call(t, protocol.MethodPing, protocol.PingRequest{Message: "hi"}, &resp)
	assert.Equal(t, "pong: hi", resp.Message)
	require.NotNil(t, resp.ProtocolVersion)
	assert.Equal(t, protocol.Version, *resp.ProtocolVersion)
	assert.NotZero(t, resp.Timestamp)
}

func TestTurns(t *testing.T) {
	cases := []struct {
		name      string
		prompt    string
		expTypes  []protocol.EventType
		expAnswer string
	}{
		{
			name:   "echo",
			prompt: "hello there",
			expTypes: []protocol.EventType{
				protocol.EventUserMessage,
				protocol.EventAssistantTurnStart,
				protocol.EventAssistantMessageDelta,
				protocol.EventAssistantMessage,
				protocol.EventAssistantTurnEnd,
				protocol.EventSessionIdle,
			},
			expAnswer: "echo: hello there",
		},
		{
			name:   "tool",
			prompt: `/tool weather {"city":"Paris"}`,
			expTypes: []protocol.EventType{
				protocol.EventUserMessage,
				protocol.EventAssistantTurnStart,
				protocol.EventToolExecutionStart,
				protocol.EventToolExecutionComplete,
				protocol.EventAssistantMessageDelta,
				protocol.EventAssistantMessage,
				protocol.EventAssistantTurnEnd,
				protocol.EventSessionIdle,
			},
			expAnswer: "tool weather returned: sunny",
		},
		{
			name:   "unsupported tool",
			prompt: "/tool nope",
			expTypes: []protocol.EventType{
				protocol.EventUserMessage,
				protocol.EventAssistantTurnStart,
				protocol.EventToolExecutionStart,
				protocol.EventToolExecutionComplete,
				protocol.EventAssistantMessageDelta,
				protocol.EventAssistantMessage,
				protocol.EventAssistantTurnEnd,
				protocol.EventSessionIdle,
			},
			expAnswer: "tool nope failed: tool 'nope' not supported",
		},
		{
			name:   "error",
			prompt: "/error boom",
			expTypes: []protocol.EventType{
				protocol.EventUserMessage,
				protocol.EventAssistantTurnStart,
				protocol.EventSessionError,
				protocol.EventSessionIdle,
			},
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p := startAgent(t)
			id := p.createSession(t, "weather")

			events := p.turn(t, id, c.prompt)
			assert.Equal(t, c.expTypes, streamTypes(events))

			if c.expAnswer != "" {
				var answer, streamed string
				for _, ev := range events {
					data, err := ev.Decode()
					require.NoError(t, err)
					switch d := data.(type) {
					case protocol.AssistantMessageDeltaData:
						streamed += d.DeltaContent
					case protocol.AssistantMessageData:
						answer = d.Content
					}
				}
				assert.Equal(t, c.expAnswer, answer)
				assert.Equal(t, c.expAnswer, streamed)
			}
		})
	}
}

func TestToolCallCarriesInvocation(t *testing.T) {
	p := startAgent(t)
	id := p.createSession(t, "weather")
	p.turn(t, id, `/tool weather {"city":"Paris"}`)

	p.mut.Lock()
	defer p.mut.Unlock()
	require.Len(t, p.toolCalls, 1)
	call := p.toolCalls[0]
	assert.Equal(t, id, call.SessionID)
	assert.Equal(t, "weather", call.ToolName)
	assert.NotEmpty(t, call.ToolCallID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(call.Arguments))
}

func TestHistoryExcludesEphemeralEvents(t *testing.T) {
	p := startAgent(t)
	id := p.createSession(t)
	p.turn(t, id, "one")
	p.turn(t, id, "two")

	var resp protocol.GetMessagesResponse
	p.call(t, protocol.MethodSessionGetMessages, protocol.SessionRequest{SessionID: id}, &resp)

	exp := []protocol.EventType{
		protocol.EventUserMessage,
		protocol.EventAssistantTurnStart,
		protocol.EventAssistantMessage,
		protocol.EventAssistantTurnEnd,
	}
	assert.Equal(t, append(exp, exp...), eventTypes(resp.Events))
	for i := 1; i < len(resp.Events); i++ {
		assert.Equal(t, resp.Events[i-1].ID, resp.Events[i].ParentID)
	}
}

func TestCreateSessionWithExistingID(t *testing.T) {
	p := startAgent(t)
	var first, second protocol.CreateSessionResponse
	p.call(t, protocol.MethodSessionCreate, protocol.CreateSessionRequest{SessionID: "fixed"}, &first)
	p.turn(t, "fixed", "hi")
	p.call(t, protocol.MethodSessionCreate, protocol.CreateSessionRequest{SessionID: "fixed"}, &second)
	assert.Equal(t, "fixed", first.SessionID)
	assert.Equal(t, "fixed", second.SessionID)

	var resp protocol.GetMessagesResponse
	p.call(t, protocol.MethodSessionGetMessages, protocol.SessionRequest{SessionID: "fixed"}, &resp)
	assert.Len(t, resp.Events, 4)
}

func TestDestroySession(t *testing.T) {
	p := startAgent(t)
	id := p.createSession(t)
	p.call(t, protocol.MethodSessionDestroy, protocol.SessionRequest{SessionID: id}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.conn.Call(ctx, protocol.MethodSessionDestroy, protocol.SessionRequest{SessionID: id}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestUnknownMethod(t *testing.T) {
	p := startAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.conn.Call(ctx, "session.frobnicate", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestCrash(t *testing.T) {
	p := startAgent(t)
	id := p.createSession(t)
	var resp protocol.SendResponse
	p.call(t, protocol.MethodSessionSend, protocol.SendRequest{
		SessionID:      id,
		MessageOptions: protocol.MessageOptions{Prompt: "/crash"},
	}, &resp)

	select {
	case code := <-p.exits:
		assert.Equal(t, CrashExitCode, code)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}
}
