package client

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/guseggert/agentbridge/protocol"
)

// eventQueue buffers events between the read loop and a query consumer.
// It never blocks the producer. wake holds at most one pending signal, and the consumer drains everything queued
// on each wakeup, so no event is missed.
type eventQueue struct {
	mut    sync.Mutex
	events []protocol.Event
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev protocol.Event) {
	q.mut.Lock()
	q.events = append(q.events, ev)
	q.mut.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []protocol.Event {
	q.mut.Lock()
	defer q.mut.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Query sends a message and returns the session's events as they arrive, ending after the session.idle event.
//
// The sequence can be ranged over once. It ends early with an error if the send fails, the session is destroyed,
// the connection is lost, or ctx is done. Breaking out of the loop is fine; the subscription is released on every path.
//
//	for ev, err := range sess.Query(ctx, protocol.MessageOptions{Prompt: "hi"}) {
//		if err != nil {
//			return err
//		}
//		...
//	}
func (s *Session) Query(ctx context.Context, opts protocol.MessageOptions) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		q := newEventQueue()
		dispose := s.On(q.push)
		defer dispose()

		sendErr := make(chan error, 1)
		go func() {
			_, err := s.Send(ctx, opts)
			sendErr <- err
		}()

		// flush yields everything queued and reports whether the query is over
		flush := func() bool {
			for _, ev := range q.drain() {
				if !yield(ev, nil) || ev.IsIdle() {
					return true
				}
			}
			return false
		}

		for {
			if flush() {
				return
			}
			select {
			case <-q.wake:
			case err := <-sendErr:
				if err != nil {
					yield(protocol.Event{}, fmt.Errorf("sending message: %w", err))
					return
				}
				sendErr = nil
			case <-s.done:
				if flush() {
					return
				}
				yield(protocol.Event{}, s.Err())
				return
			case <-ctx.Done():
				yield(protocol.Event{}, ctx.Err())
				return
			}
		}
	}
}
