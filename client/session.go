package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/agentbridge/protocol"
	"go.uber.org/zap"
)

// EventHandler observes the events of one session. Handlers run on the connection's read loop in arrival order,
// so they must not block.
type EventHandler func(ev protocol.Event)

type subscriber struct {
	id uint64
	fn EventHandler
}

// Session is one conversation with the agent, bound to the client that created it.
type Session struct {
	ID string

	client *Client
	log    *zap.SugaredLogger

	mut         sync.Mutex
	subscribers []subscriber
	nextSubID   uint64
	tools       map[string]protocol.ToolHandler
	err         error
	done        chan struct{}
}

func newSession(c *Client, id string) *Session {
	return &Session{
		ID:     id,
		client: c,
		log:    c.log.With("SessionID", id),
		tools:  map[string]protocol.ToolHandler{},
		done:   make(chan struct{}),
	}
}

// On registers h for every event of the session. The returned func unregisters it and is safe to call more than once.
func (s *Session) On(h EventHandler) (dispose func()) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.err != nil {
		return func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mut.Lock()
			defer s.mut.Unlock()
			for i, sub := range s.subscribers {
				if sub.id == id {
					s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Session) dispatch(ev protocol.Event) {
	s.mut.Lock()
	subs := make([]subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mut.Unlock()

	for _, sub := range subs {
		s.notify(sub, ev)
	}
}

func (s *Session) notify(sub subscriber, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warnw("event handler panicked", "Type", ev.Type, "Panic", r)
		}
	}()
	sub.fn(ev)
}

// setTools replaces the whole tool table. With duplicate names the last tool wins.
func (s *Session) setTools(tools []protocol.Tool) {
	table := make(map[string]protocol.ToolHandler, len(tools))
	for _, t := range tools {
		if t.Handler == nil {
			delete(table, t.Name)
			continue
		}
		table[t.Name] = t.Handler
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.err == nil {
		s.tools = table
	}
}

func (s *Session) toolHandler(name string) (protocol.ToolHandler, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	h, ok := s.tools[name]
	return h, ok
}

// fail ends the session: handlers and tools are dropped and pending queries end with err.
func (s *Session) fail(err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.subscribers = nil
	s.tools = map[string]protocol.ToolHandler{}
	close(s.done)
}

// Done is closed once the session is destroyed or its connection is lost.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is live.
func (s *Session) Err() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

// Send submits a message and returns its id. Responses arrive as events.
func (s *Session) Send(ctx context.Context, opts protocol.MessageOptions) (string, error) {
	if err := s.Err(); err != nil {
		return "", err
	}
	var resp protocol.SendResponse
	err := s.client.call(ctx, protocol.MethodSessionSend, protocol.SendRequest{SessionID: s.ID, MessageOptions: opts}, &resp)
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Messages returns the session's event log as kept by the agent.
func (s *Session) Messages(ctx context.Context) ([]protocol.Event, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	var resp protocol.GetMessagesResponse
	err := s.client.call(ctx, protocol.MethodSessionGetMessages, protocol.SessionRequest{SessionID: s.ID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Destroy ends the session on the agent. Local handlers and tools are dropped even if the agent cannot be reached.
func (s *Session) Destroy(ctx context.Context) error {
	if s.Err() != nil {
		return nil
	}
	err := s.client.call(ctx, protocol.MethodSessionDestroy, protocol.SessionRequest{SessionID: s.ID}, nil)
	s.client.forget(s)
	s.fail(ErrSessionDestroyed)
	if err != nil {
		return fmt.Errorf("destroying session %s: %w", s.ID, err)
	}
	return nil
}
