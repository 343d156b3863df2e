package channel

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/workerbus/internal/protocol/frame"
)

type pipeState struct {
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	ends      [2]*PipeEnd
}

// PipeEnd is one side of an in-process loopback channel.
type PipeEnd struct {
	state  *pipeState
	in     *inbox
	peer   *PipeEnd
	limits frame.Limits
}

var _ Channel = (*PipeEnd)(nil)

// Pipe returns two connected endpoints. Each frame is marshalled and
// unmarshalled through the wire codec on its way across. Closing either end
// closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	state := &pipeState{done: make(chan struct{})}
	a := &PipeEnd{state: state, in: newInbox(), limits: frame.DefaultLimits()}
	b := &PipeEnd{state: state, in: newInbox(), limits: frame.DefaultLimits()}
	a.peer, b.peer = b, a
	state.ends = [2]*PipeEnd{a, b}
	return a, b
}

func (p *PipeEnd) Send(f frame.Frame) error {
	if p.state.closed.Load() {
		return ErrClosed
	}
	b, err := frame.Marshal(f)
	if err != nil {
		return err
	}
	out, err := frame.Unmarshal(b, p.limits)
	if err != nil {
		return err
	}
	if !p.peer.in.push(out) {
		return ErrClosed
	}
	return nil
}

func (p *PipeEnd) OnReceive(fn func(frame.Frame)) {
	p.in.setReceiver(fn)
}

func (p *PipeEnd) Close() error {
	p.state.closeOnce.Do(func() {
		p.state.closed.Store(true)
		for _, end := range p.state.ends {
			end.in.close()
		}
		close(p.state.done)
	})
	return nil
}

func (p *PipeEnd) Done() <-chan struct{} {
	return p.state.done
}
