package channel

import (
	"errors"
	"sync"

	"github.com/danmuck/workerbus/internal/protocol/frame"
)

var (
	ErrClosed               = errors.New("channel: closed")
	ErrIsolationUnsupported = errors.New("channel: isolated worker execution unavailable")
)

// Channel is an ordered, asynchronous, bidirectional frame transport.
//
// Frames are handed to the receiver one at a time, in send order, on a
// goroutine owned by the channel. Frames that arrive before OnReceive is
// called are held until a receiver exists.
type Channel interface {
	Send(f frame.Frame) error
	OnReceive(fn func(frame.Frame))
	Close() error
	Done() <-chan struct{}
}

const (
	inboxOpen = iota
	inboxDraining
	inboxClosed
)

// inbox is an unbounded FIFO with a single delivery goroutine. Pushing never
// blocks, so a receiver that sends from inside its callback cannot stall the
// reader on the other side.
type inbox struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []frame.Frame
	recv      func(frame.Frame)
	state     int
	onDrained func()
}

func newInbox() *inbox {
	q := &inbox{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inbox) push(f frame.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != inboxOpen {
		return false
	}
	q.queue = append(q.queue, f)
	q.cond.Signal()
	return true
}

func (q *inbox) setReceiver(fn func(frame.Frame)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn == nil || q.state == inboxClosed {
		return
	}
	started := q.recv != nil
	q.recv = fn
	if !started {
		go q.run()
	}
}

// drain stops accepting frames, delivers what is queued, then calls done.
func (q *inbox) drain(done func()) {
	q.mu.Lock()
	if q.state != inboxOpen {
		q.mu.Unlock()
		return
	}
	q.state = inboxDraining
	q.onDrained = done
	idle := q.recv == nil
	q.cond.Broadcast()
	q.mu.Unlock()
	if idle && done != nil {
		done()
	}
}

// close drops anything still queued.
func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = inboxClosed
	q.queue = nil
	q.cond.Broadcast()
}

func (q *inbox) run() {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && q.state == inboxOpen {
			q.cond.Wait()
		}
		if q.state == inboxClosed {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			done := q.onDrained
			q.mu.Unlock()
			if done != nil {
				done()
			}
			return
		}
		f := q.queue[0]
		q.queue[0] = frame.Frame{}
		q.queue = q.queue[1:]
		recv := q.recv
		q.mu.Unlock()

		recv(f)
	}
}
