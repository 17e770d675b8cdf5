package wsproto

import (
	"sync"

	"github.com/eapache/queue"
)

// outQueue is the outgoing frame queue of a Conn. PING and PONG frames go to
// the heartbeat tier, which is always drained first; every other frame goes
// to the data tier. Each tier is FIFO by sequence number.
type outQueue struct {
	mu        sync.Mutex
	heartbeat *queue.Queue
	data      *queue.Queue
	seq       uint64
	closed    bool
	ready     chan struct{}
}

func newOutQueue() *outQueue {
	return &outQueue{
		heartbeat: queue.New(),
		data:      queue.New(),
		ready:     make(chan struct{}, 1),
	}
}

// push stamps f with the next sequence number and enqueues it. It returns
// false once the queue has been closed.
func (q *outQueue) push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.seq++
	f.seq = q.seq
	if f.Opcode.IsHeartbeat() {
		q.heartbeat.Add(f)
	} else {
		q.data.Add(f)
	}
	q.signal()
	return true
}

// pop removes the highest-priority frame.
func (q *outQueue) pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var f Frame
	switch {
	case q.heartbeat.Length() > 0:
		f = q.heartbeat.Remove().(Frame)
	case q.data.Length() > 0:
		f = q.data.Remove().(Frame)
	default:
		return Frame{}, false
	}
	if q.heartbeat.Length()+q.data.Length() > 0 {
		q.signal()
	}
	return f, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heartbeat.Length() + q.data.Length()
}

// close drops pending frames and rejects further pushes.
func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.heartbeat = queue.New()
	q.data = queue.New()
}

// readyC receives a value whenever the queue may be non-empty.
func (q *outQueue) readyC() <-chan struct{} { return q.ready }

func (q *outQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
