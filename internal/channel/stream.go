package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/protocol/schema"
	"github.com/danmuck/workerbus/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// StreamOptions tunes a byte-stream channel.
type StreamOptions struct {
	Name   string
	Limits frame.Limits
	// OnError observes read failures. Malformed frames are skipped; transport
	// failures end the stream.
	OnError func(error)
}

func DefaultStreamOptions(name string) StreamOptions {
	return StreamOptions{
		Name:   name,
		Limits: frame.DefaultLimits(),
	}
}

// Stream carries frames over any io.ReadWriteCloser.
type Stream struct {
	rwc  io.ReadWriteCloser
	opts StreamOptions
	in   *inbox

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	readDone  chan struct{}

	errMu sync.Mutex
	err   error
}

var _ Channel = (*Stream)(nil)

// NewStream starts reading immediately; decoded frames queue until a receiver
// is registered.
func NewStream(rwc io.ReadWriteCloser, opts StreamOptions) *Stream {
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	s := &Stream{
		rwc:      rwc,
		opts:     opts,
		in:       newInbox(),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) Send(f frame.Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := frame.WriteFrame(s.rwc, f, s.opts.Limits); err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("channel: %s send %s: %w", s.opts.Name, frame.Canonical(f.Action), err)
	}
	return nil
}

func (s *Stream) OnReceive(fn func(frame.Frame)) {
	s.in.setReceiver(fn)
}

// Close drops undelivered frames and closes the underlying transport.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.in.close()
		err = s.rwc.Close()
		close(s.done)
	})
	return err
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the read side stopped, nil on a clean end of stream.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	r := bufio.NewReader(s.rwc)
	for {
		f, err := frame.ReadFrame(r, s.opts.Limits)
		if err == nil {
			s.in.push(f)
			continue
		}
		if s.closed.Load() {
			return
		}
		if recoverable(err) {
			s.report(err)
			continue
		}
		if !errors.Is(err, io.EOF) {
			s.setErr(err)
			s.report(err)
		}
		log.Debug().Str("channel", s.opts.Name).Err(err).Msg("stream read side finished")
		s.in.drain(func() { _ = s.Close() })
		return
	}
}

func (s *Stream) report(err error) {
	log.Warn().Str("channel", s.opts.Name).Err(err).Msg("stream read failed")
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// recoverable reports whether the stream is still aligned on a frame boundary
// after err, i.e. the whole body was consumed and only its content was bad.
func recoverable(err error) bool {
	var verr schema.ValidationError
	switch {
	case errors.As(err, &verr):
		return true
	case errors.Is(err, frame.ErrKindMismatch),
		errors.Is(err, frame.ErrEmptyAction),
		errors.Is(err, frame.ErrReservedCorrelated),
		errors.Is(err, frame.ErrInvalidPayload),
		errors.Is(err, tlv.ErrShortFieldHeader),
		errors.Is(err, tlv.ErrShortFieldValue),
		errors.Is(err, tlv.ErrTypeMismatch):
		return true
	default:
		return false
	}
}
