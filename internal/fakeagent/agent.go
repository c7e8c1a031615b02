// Package fakeagent is a stand-in for a real conversational agent. It speaks the session protocol over any
// jsonrpc2.ObjectStream, echoes prompts back as streamed assistant messages, and can be steered by prompt commands:
//
//	/tool NAME JSON   call the client's tool NAME with JSON arguments before answering
//	/error MESSAGE    emit a session.error event instead of an answer
//	/crash            exit the process with status 3
package fakeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/transport"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// CrashExitCode is the status the agent exits with on a /crash prompt.
const CrashExitCode = 3

type Option func(a *Agent)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithExitFunc sets what a /crash prompt does. By default it closes the connection.
func WithExitFunc(f func(code int)) Option {
	return func(a *Agent) {
		a.exit = f
	}
}

// WithToolTimeout bounds how long a turn waits for the client to answer a tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.toolTimeout = d
	}
}

// Agent serves one connection.
type Agent struct {
	log         *zap.SugaredLogger
	exit        func(code int)
	toolTimeout time.Duration

	ctx  context.Context
	conn *jsonrpc2.Conn

	mut      sync.Mutex
	sessions map[string]*session
}

type session struct {
	id    string
	model string
	tools []string

	mut     sync.Mutex
	history []protocol.Event
	lastID  string
	queue   []protocol.MessageOptions
	running bool
}

// Serve answers requests arriving on stream until the peer disconnects or ctx is done.
func Serve(ctx context.Context, stream jsonrpc2.ObjectStream, opts ...Option) error {
	a := &Agent{
		log:         zap.NewNop().Sugar(),
		toolTimeout: time.Minute,
		ctx:         ctx,
		sessions:    map[string]*session{},
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.Named("fakeagent")

	a.conn = jsonrpc2.NewConn(ctx, stream, a, jsonrpc2.SetLogger(transport.PrintfLogger(a.log)))
	if a.exit == nil {
		a.exit = func(code int) {
			a.log.Infow("crashing", "Code", code)
			a.conn.Close()
		}
	}

	select {
	case <-a.conn.DisconnectNotify():
		return nil
	case <-ctx.Done():
		err := a.conn.Close()
		if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			return fmt.Errorf("closing conn: %w", err)
		}
		return ctx.Err()
	}
}

func (a *Agent) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		a.log.Debugw("ignoring notification", "Method", req.Method)
		return
	}
	a.log.Debugw("handling request", "Method", req.Method, "ID", req.ID)

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case protocol.MethodPing:
		result, err = a.ping(req)
	case protocol.MethodSessionCreate:
		result, err = a.createSession(req)
	case protocol.MethodSessionSend:
		result, err = a.send(req)
	case protocol.MethodSessionGetMessages:
		result, err = a.getMessages(req)
	case protocol.MethodSessionDestroy:
		result, err = a.destroySession(req)
	default:
		err = &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if err != nil {
		var rpcErr *jsonrpc2.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		}
		err = conn.ReplyWithError(ctx, req.ID, rpcErr)
	} else {
		err = conn.Reply(ctx, req.ID, result)
	}
	if err != nil {
		a.log.Debugf("error replying to %s: %s", req.Method, err)
		return
	}

	// turns start only once the message id is on the wire
	if sent, ok := result.(sendResult); ok {
		a.enqueue(sent.session, sent.msg)
	}
}

func invalidParams(format string, args ...interface{}) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams("invalid params: %s", err)
	}
	return nil
}

func (a *Agent) ping(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.PingRequest
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
	}
	version := protocol.Version
	return protocol.PingResponse{
		Message:         "pong: " + params.Message,
		Timestamp:       time.Now().UnixMilli(),
		ProtocolVersion: &version,
	}, nil
}

func (a *Agent) createSession(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.CreateSessionRequest
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	var tools []string
	for _, t := range params.Tools {
		tools = append(tools, t.Name)
	}

	a.mut.Lock()
	defer a.mut.Unlock()
	id := params.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := a.sessions[id]; ok {
		s.mut.Lock()
		s.model = params.Model
		s.tools = tools
		s.mut.Unlock()
	} else {
		a.sessions[id] = &session{id: id, model: params.Model, tools: tools}
	}
	a.log.Debugw("session created", "SessionID", id, "Model", params.Model, "Tools", tools)
	return protocol.CreateSessionResponse{SessionID: id}, nil
}

func (a *Agent) lookup(id string) (*session, error) {
	a.mut.Lock()
	defer a.mut.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, invalidParams("session not found: %s", id)
	}
	return s, nil
}

type sendResult struct {
	protocol.SendResponse
	session *session
	msg     protocol.MessageOptions
}

func (a *Agent) send(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.SendRequest
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	s, err := a.lookup(params.SessionID)
	if err != nil {
		return nil, err
	}
	return sendResult{
		SendResponse: protocol.SendResponse{MessageID: uuid.NewString()},
		session:      s,
		msg:          params.MessageOptions,
	}, nil
}

func (a *Agent) getMessages(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.SessionRequest
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	s, err := a.lookup(params.SessionID)
	if err != nil {
		return nil, err
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	events := make([]protocol.Event, len(s.history))
	copy(events, s.history)
	return protocol.GetMessagesResponse{Events: events}, nil
}

func (a *Agent) destroySession(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.SessionRequest
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	a.mut.Lock()
	defer a.mut.Unlock()
	if _, ok := a.sessions[params.SessionID]; !ok {
		return nil, invalidParams("session not found: %s", params.SessionID)
	}
	delete(a.sessions, params.SessionID)
	a.log.Debugw("session destroyed", "SessionID", params.SessionID)
	return struct{}{}, nil
}

// enqueue runs prompts one after another, so a session's turns never interleave.
func (a *Agent) enqueue(s *session, msg protocol.MessageOptions) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.queue = append(s.queue, msg)
	if s.running {
		return
	}
	s.running = true
	go func() {
		for {
			s.mut.Lock()
			if len(s.queue) == 0 {
				s.running = false
				s.mut.Unlock()
				return
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mut.Unlock()

			if err := a.runTurn(s, msg); err != nil {
				a.log.Debugw("turn failed", "SessionID", s.id, "Error", err)
			}
		}
	}()
}
