package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/transport"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var (
	ErrNotStarted       = errors.New("client not started")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionDestroyed = errors.New("session destroyed")
)

// DefaultRequestTimeout bounds each request/response exchange with the agent.
const DefaultRequestTimeout = 2 * time.Minute

// Client speaks the session protocol to an agent behind a gateway, over one WebSocket connection.
type Client struct {
	url            string
	log            *zap.SugaredLogger
	httpClient     *http.Client
	dialOpts       *websocket.DialOptions
	requestTimeout time.Duration

	mut      sync.Mutex
	rpc      *jsonrpc2.Conn
	stream   *transport.Stream
	cancel   func()
	stopped  bool
	sessions map[string]*Session
	err      error
	done     chan struct{}
}

type Option func(c *Client)

// WithLogger sets the logger. The client logs under the "client" name.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRequestTimeout bounds each request/response exchange. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithDialOptions sets the options for the WebSocket handshake. Their HTTPClient, if set, takes precedence over WithHTTPClient.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.dialOpts = opts
	}
}

// New creates a client for the gateway WebSocket endpoint at url, e.g. "ws://localhost:3000/api/copilot".
// No connection is made until Start.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		log:            zap.NewNop().Sugar(),
		requestTimeout: DefaultRequestTimeout,
		sessions:       map[string]*Session{},
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start connects to the gateway. It is a no-op if the client is already started, and a stopped client cannot be restarted.
func (c *Client) Start(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.stopped {
		return ErrConnectionClosed
	}
	if c.rpc != nil {
		return nil
	}

	dialOpts := &websocket.DialOptions{}
	if c.dialOpts != nil {
		*dialOpts = *c.dialOpts
	}
	if dialOpts.HTTPClient == nil {
		dialOpts.HTTPClient = c.httpClient
	}
	conn, err := transport.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return err
	}

	// the connection outlives the ctx passed to Start
	connCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stream = transport.NewStream(connCtx, conn, c.log.Named("transport"))
	c.rpc = jsonrpc2.NewConn(connCtx, c.stream, handlerFunc(c.handle), jsonrpc2.SetLogger(transport.PrintfLogger(c.log.Named("jsonrpc2"))))
	c.log.Debugw("connected", "URL", c.url)

	go c.watch(c.rpc, c.stream)
	return nil
}

// watch fails every session once the connection is gone.
func (c *Client) watch(rpc *jsonrpc2.Conn, stream *transport.Stream) {
	<-rpc.DisconnectNotify()

	c.mut.Lock()
	err := ErrConnectionClosed
	if code, reason := stream.CloseStatus(); code != -1 {
		err = fmt.Errorf("%w: status %d: %s", ErrConnectionClosed, code, reason)
	} else if streamErr := stream.Err(); streamErr != nil && !c.stopped {
		err = fmt.Errorf("%w: %s", ErrConnectionClosed, streamErr)
	}
	c.err = err
	sessions := c.sessions
	c.sessions = map[string]*Session{}
	c.mut.Unlock()

	c.log.Debugw("connection lost", "Error", err, "Sessions", len(sessions))
	for _, s := range sessions {
		s.fail(err)
	}
	close(c.done)
	c.cancel()
}

// Done is closed once the connection to the gateway is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, including the close status sent by the gateway, or nil while it is up.
func (c *Client) Err() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.err
}

func (c *Client) conn() (*jsonrpc2.Conn, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.rpc == nil {
		return nil, ErrNotStarted
	}
	return c.rpc, nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	rpc, err := c.conn()
	if err != nil {
		return err
	}
	if c.requestTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	err = rpc.Call(ctx, method, params, result)
	if errors.Is(err, jsonrpc2.ErrClosed) {
		// the watcher may not have recorded the cause yet
		<-c.done
		return c.Err()
	}
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	return nil
}

// Ping checks that the agent is responsive.
func (c *Client) Ping(ctx context.Context, message string) (protocol.PingResponse, error) {
	var resp protocol.PingResponse
	err := c.call(ctx, protocol.MethodPing, protocol.PingRequest{Message: message}, &resp)
	return resp, err
}

type SessionConfig struct {
	Model     string
	SessionID string
	// SystemMessage, if set, augments or replaces the agent's system prompt.
	SystemMessage *protocol.SystemMessage
	// Tools are advertised to the agent and answer its tool calls for this session.
	Tools []protocol.Tool
}

// CreateSession asks the agent for a new session.
// If the agent returns the id of a session this client already tracks, that Session is returned with its tools replaced.
func (c *Client) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	req := protocol.CreateSessionRequest{
		Model:         cfg.Model,
		SessionID:     cfg.SessionID,
		SystemMessage: cfg.SystemMessage,
	}
	for _, t := range cfg.Tools {
		req.Tools = append(req.Tools, t.Definition())
	}
	var resp protocol.CreateSessionResponse
	if err := c.call(ctx, protocol.MethodSessionCreate, req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, errors.New("agent returned an empty session id")
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.sessions[resp.SessionID]
	if !ok {
		s = newSession(c, resp.SessionID)
		c.sessions[resp.SessionID] = s
	}
	s.setTools(cfg.Tools)
	c.log.Debugw("session created", "SessionID", s.ID, "Reused", ok, "Tools", len(cfg.Tools))
	return s, nil
}

// Session returns the tracked session with the given id, or nil.
func (c *Client) Session(id string) *Session {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.sessions[id]
}

func (c *Client) forget(s *Session) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.sessions[s.ID] == s {
		delete(c.sessions, s.ID)
	}
}

// Stop destroys every session, ignoring errors, and closes the connection.
// It is safe to call more than once and on a client which was never started.
func (c *Client) Stop(ctx context.Context) error {
	c.mut.Lock()
	if c.rpc == nil || c.stopped {
		c.mut.Unlock()
		return nil
	}
	c.stopped = true
	rpc := c.rpc
	var sessions []*Session
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mut.Unlock()

	var group errgroup.Group
	for _, s := range sessions {
		s := s
		group.Go(func() error {
			if err := s.Destroy(ctx); err != nil {
				c.log.Debugw("error destroying session", "SessionID", s.ID, "Error", err)
			}
			return nil
		})
	}
	_ = group.Wait()

	err := rpc.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		err = nil
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}

type handlerFunc func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request)

func (f handlerFunc) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) { f(ctx, conn, req) }

// handle serves requests and notifications from the agent.
// It runs on the connection's read loop, so event dispatch is ordered and tool calls must not block it.
func (c *Client) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case protocol.MethodSessionEvent:
		c.dispatchEvent(req)
		if !req.Notif {
			c.reply(ctx, conn, req, struct{}{})
		}
	case protocol.MethodToolCall:
		if req.Notif {
			c.log.Debug("ignoring tool.call sent as a notification")
			return
		}
		go c.handleToolCall(ctx, conn, req)
	default:
		if req.Notif {
			c.log.Debugw("ignoring unknown notification", "Method", req.Method)
			return
		}
		c.replyWithError(ctx, conn, req, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		})
	}
}

func (c *Client) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result interface{}) {
	err := conn.Reply(ctx, req.ID, result)
	if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		c.log.Debugw("error replying", "Method", req.Method, "ID", req.ID, "Error", err)
	}
}

func (c *Client) replyWithError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, respErr *jsonrpc2.Error) {
	err := conn.ReplyWithError(ctx, req.ID, respErr)
	if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		c.log.Debugw("error replying", "Method", req.Method, "ID", req.ID, "Error", err)
	}
}

func (c *Client) dispatchEvent(req *jsonrpc2.Request) {
	if req.Params == nil {
		c.log.Debug("dropping session.event without params")
		return
	}
	var n protocol.SessionEventNotification
	if err := json.Unmarshal(*req.Params, &n); err != nil {
		c.log.Debugw("dropping malformed session.event", "Error", err)
		return
	}
	s := c.Session(n.SessionID)
	if s == nil {
		c.log.Debugw("dropping event for unknown session", "SessionID", n.SessionID, "Type", n.Event.Type)
		return
	}
	s.dispatch(n.Event)
}
