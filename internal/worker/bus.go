package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/danmuck/workerbus/internal/channel"
	"github.com/danmuck/workerbus/internal/observability"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/protocol/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const side = "worker"

var ErrReservedAction = errors.New("worker: reserved action")

// Result is what a handler hands to Ready or Broadcast.
type Result struct {
	Payload any
	Error   *frame.Fault
}

// UnknownAction is the conventional answer for actions a handler does not know.
var UnknownAction = Result{Error: &frame.Fault{Code: frame.CodeUnknown, Message: "Unknown action"}}

// Ready posts the response for one request. Only the first call has effect.
type Ready func(Result)

// Handler serves one request frame.
type Handler func(b *Bus, f frame.Frame, ready Ready)

// Bus is the worker end of the worker bus.
type Bus struct {
	ch      channel.Channel
	handler Handler
	cfg     Config
	logger  zerolog.Logger
	local   zerolog.Logger
}

// New attaches handler to ch and starts serving inbound requests.
func New(ch channel.Channel, handler Handler, cfg Config) *Bus {
	if cfg.Name == "" {
		cfg.Name = side
	}
	b := &Bus{
		ch:      ch,
		handler: handler,
		cfg:     cfg,
		local:   log.Logger.With().Str("bus", cfg.Name).Logger(),
	}
	sink := cfg.Sink
	if sink == nil {
		sink = sideChannel{bus: b}
	}
	b.logger = zerolog.New(sink).Level(cfg.LogLevel).With().Timestamp().Logger()
	observability.RegisterMetrics()
	ch.OnReceive(b.receive)
	return b
}

// Log returns the side-channel logger.
func (b *Bus) Log() *zerolog.Logger {
	return &b.logger
}

// Go runs fn on a new goroutine under the fault interceptor.
func (b *Bus) Go(fn func()) {
	go b.intercept(fn)
}

// ReportFault posts err as a fault frame located at the caller.
func (b *Bus) ReportFault(err error) {
	if err == nil {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	b.postFault(err.Error(), file, line)
}

// Broadcast posts an uncorrelated frame. It is safe to call from any goroutine.
func (b *Bus) Broadcast(action string, r Result) error {
	name := frame.Canonical(action)
	if name == "" {
		return frame.ErrEmptyAction
	}
	if frame.IsReserved(name) {
		return fmt.Errorf("%w: %s", ErrReservedAction, name)
	}
	payload, err := frame.NewPayload(r.Payload)
	if err != nil {
		return err
	}
	b.logger.Info().Str("action", name).Bool("error", r.Error != nil).Msg("broadcast")
	return b.post(frame.Frame{Action: name, Payload: payload, Error: r.Error})
}

// Serve blocks until ctx is done or the channel closes, then closes the channel.
func (b *Bus) Serve(ctx context.Context) error {
	b.local.Info().Msg("worker bus serving")
	defer b.ch.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ch.Done():
		return nil
	}
}

func (b *Bus) Close() error {
	return b.ch.Close()
}

func (b *Bus) receive(f frame.Frame) {
	observability.RecordFrameReceived(side, schema.KindName(f.Kind()))
	if !f.Correlated() || frame.IsReserved(f.Action) {
		b.local.Warn().Str("action", f.Action).Uint64("id", f.ID).Msg("dropping frame without request id")
		return
	}
	b.logger.Info().Str("action", f.Action).Uint64("id", f.ID).Msg("received")
	ready := b.readyFor(f)
	b.intercept(func() { b.handler(b, f, ready) })
}

func (b *Bus) readyFor(req frame.Frame) Ready {
	var once sync.Once
	return func(r Result) {
		fired := false
		once.Do(func() {
			fired = true
			b.respond(req, r)
		})
		if !fired {
			b.local.Warn().Str("action", req.Action).Uint64("id", req.ID).Msg("ready called more than once")
		}
	}
}

func (b *Bus) respond(req frame.Frame, r Result) {
	payload, err := frame.NewPayload(r.Payload)
	if err != nil {
		payload = nil
		r.Error = &frame.Fault{Code: frame.CodeUnknown, Message: err.Error()}
	}
	resp := frame.Frame{Action: req.Action, ID: req.ID, Payload: payload, Error: r.Error}
	b.logger.Info().Str("action", req.Action).Uint64("id", req.ID).Bool("error", r.Error != nil).Msg("responded")
	if err := b.post(resp); err != nil {
		b.local.Error().Err(err).Str("action", req.Action).Uint64("id", req.ID).Msg("post response")
	}
}

func (b *Bus) post(f frame.Frame) error {
	if err := b.ch.Send(f); err != nil {
		return err
	}
	observability.RecordFrameSent(side, schema.KindName(f.Kind()))
	return nil
}
