package bridge

import (
	"sync"

	"github.com/guseggert/agentbridge/transport"
)

// maxPendingStdin bounds how much client input is held while the agent isn't reading its stdin.
const maxPendingStdin = 4 * transport.ReadLimit

// stdinQueue buffers client messages for the stdin writer so the connection reader never waits on the agent.
type stdinQueue struct {
	mut    sync.Mutex
	cond   *sync.Cond
	msgs   [][]byte
	size   int
	limit  int
	closed bool
}

func newStdinQueue(limit int) *stdinQueue {
	q := &stdinQueue{limit: limit}
	q.cond = sync.NewCond(&q.mut)
	return q
}

// push queues b, returning false if that would exceed the limit or the queue is closed.
func (q *stdinQueue) push(b []byte) bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed || q.size+len(b) > q.limit {
		return false
	}
	q.msgs = append(q.msgs, b)
	q.size += len(b)
	q.cond.Signal()
	return true
}

// pop blocks until a message is available. ok is false once the queue is closed and drained.
func (q *stdinQueue) pop() (b []byte, ok bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.msgs) == 0 {
		return nil, false
	}
	b = q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	q.size -= len(b)
	return b, true
}

func (q *stdinQueue) close() {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
