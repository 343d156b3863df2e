package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/workerbus/internal/channel"
	"github.com/danmuck/workerbus/internal/observability"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	side = "controller"

	// maxExpired bounds how many timed-out or cancelled ids are remembered
	// so their late responses can be dropped quietly.
	maxExpired = 4096
)

// Callback receives a response or broadcast frame.
type Callback func(frame.Frame)

// PendingRequest is a snapshot of one request awaiting its response.
type PendingRequest struct {
	ID              uint64          `json:"id"`
	Action          string          `json:"action"`
	OriginalPayload json.RawMessage `json:"payload"`
	SentAt          time.Time       `json:"sent_at"`
	Deadline        time.Time       `json:"deadline,omitzero"`
}

type pendingEntry struct {
	PendingRequest
	callback Callback
	timer    *time.Timer
}

// Subscription is the handle returned by Subscribe. Its identity is what
// Unsubscribe removes.
type Subscription struct {
	action string
	fn     Callback
	bus    *Bus
}

func (s *Subscription) Action() string {
	return s.action
}

func (s *Subscription) Unsubscribe() bool {
	if s == nil {
		return false
	}
	return s.bus.Unsubscribe(s.action, s)
}

// Bus is the controller end of the worker bus.
type Bus struct {
	id  string
	ch  channel.Channel
	cfg Config
	log zerolog.Logger

	// sendMu keeps wire order equal to id order.
	sendMu sync.Mutex
	// dispatchMu serializes callback and subscriber invocations.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	counter      uint64
	pending      map[uint64]*pendingEntry
	expired      map[uint64]struct{}
	expiredOrder []uint64
	listeners    map[string][]*Subscription
	terminated   bool
}

// New attaches a controller bus to ch and starts routing inbound frames.
func New(ch channel.Channel, cfg Config) *Bus {
	if cfg.Name == "" {
		cfg.Name = side
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	id := uuid.NewString()
	b := &Bus{
		id:        id,
		ch:        ch,
		cfg:       cfg,
		log:       logger.With().Str("bus", cfg.Name).Str("bus_id", id).Logger(),
		pending:   make(map[uint64]*pendingEntry),
		expired:   make(map[uint64]struct{}),
		listeners: make(map[string][]*Subscription),
	}
	observability.RegisterMetrics()
	ch.OnReceive(b.receive)
	b.log.Debug().Msg("controller bus attached")
	return b
}

// Open spawns the worker executable at path and attaches a bus to it. It
// fails with channel.ErrIsolationUnsupported when no child process can run.
func Open(ctx context.Context, path string, cfg Config, args ...string) (*Bus, error) {
	p, err := channel.Spawn(ctx, path, args...)
	if err != nil {
		return nil, err
	}
	return New(p, cfg), nil
}

// Dial connects to a worker served over a websocket.
func Dial(ctx context.Context, url string, dial channel.DialConfig, cfg Config) (*Bus, error) {
	ws, err := channel.DialWebSocket(ctx, url, dial)
	if err != nil {
		return nil, err
	}
	return New(ws, cfg), nil
}

func (b *Bus) ID() string {
	return b.id
}

// Done is closed once the underlying channel is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.ch.Done()
}

// SendMessage posts a request and returns its correlation id without waiting.
// cb, when non-nil, is called at most once with the response.
func (b *Bus) SendMessage(action string, payload any, cb Callback, opts ...RequestOption) (uint64, error) {
	name := frame.Canonical(action)
	if name == "" {
		return 0, frame.ErrEmptyAction
	}
	if frame.IsReserved(name) {
		return 0, fmt.Errorf("%w: %s", ErrReservedAction, name)
	}
	raw, err := frame.NewPayload(payload)
	if err != nil {
		return 0, err
	}
	ro := requestOptions{timeout: b.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&ro)
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if b.terminated {
		b.mu.Unlock()
		return 0, ErrTerminated
	}
	b.counter++
	id := b.counter
	entry := &pendingEntry{
		PendingRequest: PendingRequest{
			ID:              id,
			Action:          name,
			OriginalPayload: raw,
			SentAt:          time.Now(),
		},
		callback: cb,
	}
	// The entry exists before the frame leaves, so a fast response always
	// finds it.
	b.pending[id] = entry
	if ro.timeout > 0 {
		entry.Deadline = entry.SentAt.Add(ro.timeout)
		entry.timer = time.AfterFunc(ro.timeout, func() { b.expire(id) })
	}
	b.mu.Unlock()
	observability.AddPending(1)

	if err := b.ch.Send(frame.Frame{Action: name, ID: id, Payload: raw}); err != nil {
		// A short timeout may already have expired the entry and released it.
		if _, ok := b.take(id); ok {
			observability.AddPending(-1)
		}
		return 0, err
	}
	observability.RecordFrameSent(side, schema.KindName(schema.KindCall))
	b.log.Debug().Str("action", name).Uint64("id", id).Msg("request sent")
	return id, nil
}

// Request sends action and waits for its response. The returned frame may
// still carry an application error in its Error field.
func (b *Bus) Request(ctx context.Context, action string, payload any, opts ...RequestOption) (frame.Frame, error) {
	resp := make(chan frame.Frame, 1)
	id, err := b.SendMessage(action, payload, func(f frame.Frame) { resp <- f }, opts...)
	if err != nil {
		return frame.Frame{}, err
	}
	select {
	case f := <-resp:
		return settle(f)
	case <-ctx.Done():
		b.Cancel(id)
		return frame.Frame{}, ctx.Err()
	case <-b.ch.Done():
		select {
		case f := <-resp:
			return settle(f)
		default:
			return frame.Frame{}, ErrTerminated
		}
	}
}

func settle(f frame.Frame) (frame.Frame, error) {
	if f.Error != nil && f.Error.Code == frame.CodeTimeout {
		return f, fmt.Errorf("%w: %s", ErrRequestTimeout, f.Error.Message)
	}
	return f, nil
}

// Cancel drops a pending request without calling its callback.
func (b *Bus) Cancel(id uint64) bool {
	b.mu.Lock()
	entry, ok := b.takeLocked(id)
	if ok {
		b.rememberExpiredLocked(id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	observability.AddPending(-1)
	observability.RecordRequest(entry.Action, observability.OutcomeCancelled, time.Since(entry.SentAt))
	b.log.Debug().Str("action", entry.Action).Uint64("id", id).Msg("request cancelled")
	return true
}

// Subscribe registers cb for broadcasts of action. The same callback may be
// registered more than once; each registration gets its own handle.
func (b *Bus) Subscribe(action string, cb Callback) *Subscription {
	if cb == nil {
		return nil
	}
	name := frame.Canonical(action)
	sub := &Subscription{action: name, fn: cb, bus: b}
	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], sub)
	b.mu.Unlock()
	b.log.Debug().Str("action", name).Msg("subscribed")
	return sub
}

// Unsubscribe removes the first registration of sub under action. The action
// is normalized the same way Subscribe normalizes it.
func (b *Bus) Unsubscribe(action string, sub *Subscription) bool {
	if sub == nil {
		return false
	}
	name := frame.Canonical(action)
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[name]
	i := slices.Index(list, sub)
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(b.listeners, name)
	} else {
		b.listeners[name] = list
	}
	return true
}

func (b *Bus) Subscribers(action string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[frame.Canonical(action)])
}

// Pending returns the live pending requests ordered by id.
func (b *Bus) Pending() []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingRequest, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, entry.PendingRequest)
	}
	slices.SortFunc(out, func(x, y PendingRequest) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Terminate closes the channel. Pending requests are not resolved.
func (b *Bus) Terminate() error {
	b.mu.Lock()
	if !b.terminated {
		b.terminated = true
		for _, entry := range b.pending {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
	}
	left := len(b.pending)
	b.mu.Unlock()
	b.log.Info().Int("pending", left).Msg("controller bus terminated")
	return b.ch.Close()
}

// Route handles one inbound frame. It returns *ProtocolError for a response
// nobody is waiting for and *WorkerRuntimeError for a worker fault report.
func (b *Bus) Route(f frame.Frame) error {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	observability.RecordFrameReceived(side, schema.KindName(f.Kind()))
	if f.Correlated() {
		return b.resolve(f)
	}
	switch frame.Canonical(f.Action) {
	case frame.ActionFault:
		return b.fault(f)
	case frame.ActionLog:
		b.diagnostic(f)
		return nil
	default:
		return b.broadcast(f)
	}
}

func (b *Bus) receive(f frame.Frame) {
	if err := b.Route(f); err != nil {
		b.handleError(err)
	}
}

func (b *Bus) resolve(f frame.Frame) error {
	b.mu.Lock()
	entry, ok := b.takeLocked(f.ID)
	late := false
	if !ok {
		if _, late = b.expired[f.ID]; late {
			delete(b.expired, f.ID)
		}
	}
	b.mu.Unlock()

	if late {
		b.log.Warn().Str("action", f.Action).Uint64("id", f.ID).Msg("dropping late response")
		return nil
	}
	if !ok {
		observability.RecordBusError("protocol")
		return &ProtocolError{ID: f.ID, Action: f.Action}
	}

	observability.AddPending(-1)
	outcome := observability.OutcomeOK
	if f.Error != nil {
		outcome = observability.OutcomeAppError
	}
	observability.RecordRequest(entry.Action, outcome, time.Since(entry.SentAt))
	b.log.Debug().Str("action", f.Action).Uint64("id", f.ID).Str("outcome", outcome).Msg("response received")
	if entry.callback == nil {
		return nil
	}
	return b.invoke(entry.callback, f)
}

func (b *Bus) fault(f frame.Frame) error {
	var report frame.Fault
	if err := f.Decode(&report); err != nil || report.Message == "" {
		if f.Error != nil {
			report = *f.Error
		} else if err != nil {
			report = frame.Fault{Code: frame.CodeUnknown, Message: string(f.Payload)}
		}
	}
	observability.RecordBusError("worker_runtime")
	return &WorkerRuntimeError{Code: report.Code, Message: report.Message}
}

func (b *Bus) diagnostic(f frame.Frame) {
	if !b.cfg.Diagnostics {
		return
	}
	var line string
	if err := f.Decode(&line); err != nil {
		line = string(f.Payload)
	}
	event := b.log.Info().Str("source", "worker")
	if json.Valid([]byte(line)) && len(line) > 0 && line[0] == '{' {
		event.RawJSON("entry", []byte(line)).Msg("worker log")
		return
	}
	event.Msg(line)
}

func (b *Bus) broadcast(f frame.Frame) error {
	name := frame.Canonical(f.Action)
	b.mu.Lock()
	subs := slices.Clone(b.listeners[name])
	b.mu.Unlock()
	if len(subs) == 0 {
		b.log.Trace().Str("action", name).Msg("broadcast without subscribers")
		return nil
	}
	// One failing subscriber does not stop the rest.
	for _, sub := range subs {
		if err := b.invoke(sub.fn, f); err != nil {
			b.handleError(err)
		}
	}
	return nil
}

// invoke runs a callback, converting a panic into a CallbackPanicError.
func (b *Bus) invoke(cb Callback, f frame.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackPanicError{Action: frame.Canonical(f.Action), ID: f.ID, Value: r}
		}
	}()
	cb(f)
	return nil
}

func (b *Bus) expire(id uint64) {
	b.mu.Lock()
	entry, ok := b.takeLocked(id)
	if ok {
		b.rememberExpiredLocked(id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	elapsed := time.Since(entry.SentAt)
	observability.AddPending(-1)
	observability.RecordRequest(entry.Action, observability.OutcomeTimeout, elapsed)
	b.log.Warn().Str("action", entry.Action).Uint64("id", id).Dur("elapsed", elapsed).Msg("request timed out")
	if entry.callback == nil {
		return
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	err := b.invoke(entry.callback, frame.Frame{
		Action:  entry.Action,
		ID:      id,
		Payload: json.RawMessage("null"),
		Error: &frame.Fault{
			Code:    frame.CodeTimeout,
			Message: fmt.Sprintf("request %d %s timed out after %s", id, entry.Action, elapsed.Round(time.Millisecond)),
		},
	})
	if err != nil {
		b.handleError(err)
	}
}

func (b *Bus) take(id uint64) (*pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(id)
}

func (b *Bus) takeLocked(id uint64) (*pendingEntry, bool) {
	entry, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	delete(b.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, true
}

func (b *Bus) rememberExpiredLocked(id uint64) {
	b.expired[id] = struct{}{}
	b.expiredOrder = append(b.expiredOrder, id)
	for len(b.expiredOrder) > maxExpired {
		delete(b.expired, b.expiredOrder[0])
		b.expiredOrder = b.expiredOrder[1:]
	}
}

func (b *Bus) handleError(err error) {
	if b.cfg.OnError != nil {
		b.cfg.OnError(err)
		return
	}
	b.log.Error().Err(err).Msg("inbound frame failed")
}
