package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/worker"
)

const (
	ActionPing     = "PING"
	ActionSetPin   = "SET_PIN"
	ActionGetPin   = "GET_PIN"
	ActionGetState = "GET_STATE"
	ActionFault    = "FAULT"
	ActionSlow     = "SLOW"
	ActionActions  = "ACTIONS"

	// EventIOChanged is broadcast whenever a pin changes state.
	EventIOChanged = "IO_CHANGED"

	CodeInvalidPayload int32 = 1

	DefaultPins = 16
	maxSlow     = time.Minute
)

var (
	ErrPinRange   = errors.New("device: pin out of range")
	ErrPinState   = errors.New("device: state must be 0 or 1")
	ErrSlowTooBig = errors.New("device: delay too long")
)

// PinState is the payload of SET_PIN, GET_PIN and IO_CHANGED.
type PinState struct {
	Pin   int `json:"pin"`
	State int `json:"state"`
}

// Operation describes one action the board answers.
type Operation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Idempotent  bool   `json:"idempotent"`
}

// Board emulates a bank of digital IO pins behind the worker bus. One board
// may serve several buses; see Attach.
type Board struct {
	mu   sync.RWMutex
	pins []int

	// fanMu orders a pin change with its IO_CHANGED broadcasts.
	fanMu sync.Mutex
	buses map[*worker.Bus]struct{}
}

func NewBoard(pins int) *Board {
	if pins <= 0 {
		pins = DefaultPins
	}
	return &Board{pins: make([]int, pins), buses: make(map[*worker.Bus]struct{})}
}

// Attach adds b to the buses that hear IO_CHANGED. The returned func detaches
// it. A board with no attached bus broadcasts on the bus that made the change.
func (d *Board) Attach(b *worker.Bus) (detach func()) {
	d.fanMu.Lock()
	d.buses[b] = struct{}{}
	d.fanMu.Unlock()
	return func() {
		d.fanMu.Lock()
		delete(d.buses, b)
		d.fanMu.Unlock()
	}
}

// apply stores in and, when the pin changed, broadcasts it to every listener.
func (d *Board) apply(origin *worker.Bus, in PinState) (bool, error) {
	d.fanMu.Lock()
	defer d.fanMu.Unlock()
	changed, err := d.set(in)
	if err != nil || !changed {
		return changed, err
	}
	if len(d.buses) == 0 {
		if err := origin.Broadcast(EventIOChanged, worker.Result{Payload: in}); err != nil {
			origin.ReportFault(err)
		}
		return true, nil
	}
	for bus := range d.buses {
		if err := bus.Broadcast(EventIOChanged, worker.Result{Payload: in}); err != nil {
			origin.Log().Warn().Err(err).Int("pin", in.Pin).Msg("IO_CHANGED not delivered to a listener")
		}
	}
	return true, nil
}

func (d *Board) Operations() []Operation {
	ops := []Operation{
		{Name: ActionPing, Description: "liveness check", Idempotent: true},
		{Name: ActionSetPin, Description: "set pin state, broadcasts IO_CHANGED on change", Idempotent: true},
		{Name: ActionGetPin, Description: "read one pin", Idempotent: true},
		{Name: ActionGetState, Description: "read every pin", Idempotent: true},
		{Name: ActionFault, Description: "raise an uncaught fault"},
		{Name: ActionSlow, Description: "answer after {ms} milliseconds", Idempotent: true},
		{Name: ActionActions, Description: "list supported actions", Idempotent: true},
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops
}

// Handle is the worker.Handler for the board.
func (d *Board) Handle(b *worker.Bus, f frame.Frame, ready worker.Ready) {
	switch frame.Canonical(f.Action) {
	case ActionPing:
		ready(worker.Result{Payload: map[string]bool{"pong": true}})
	case ActionSetPin:
		var in PinState
		if err := f.Decode(&in); err != nil {
			ready(invalid(err))
			return
		}
		changed, err := d.apply(b, in)
		if err != nil {
			ready(invalid(err))
			return
		}
		b.Log().Info().Int("pin", in.Pin).Int("state", in.State).Bool("changed", changed).Msg("pin set")
		ready(worker.Result{Payload: in})
	case ActionGetPin:
		var in PinState
		if err := f.Decode(&in); err != nil {
			ready(invalid(err))
			return
		}
		state, err := d.get(in.Pin)
		if err != nil {
			ready(invalid(err))
			return
		}
		ready(worker.Result{Payload: PinState{Pin: in.Pin, State: state}})
	case ActionGetState:
		ready(worker.Result{Payload: d.State()})
	case ActionFault:
		panic(fmt.Sprintf("fault requested by %s id=%d", f.Action, f.ID))
	case ActionSlow:
		var in struct {
			MS int `json:"ms"`
		}
		if err := f.Decode(&in); err != nil {
			ready(invalid(err))
			return
		}
		delay := time.Duration(in.MS) * time.Millisecond
		if delay < 0 || delay > maxSlow {
			ready(invalid(fmt.Errorf("%w: %s", ErrSlowTooBig, delay)))
			return
		}
		b.Go(func() {
			time.Sleep(delay)
			ready(worker.Result{Payload: map[string]int{"ms": in.MS}})
		})
	case ActionActions:
		ready(worker.Result{Payload: d.Operations()})
	default:
		b.Log().Warn().Str("action", strings.TrimSpace(f.Action)).Msg("unknown action")
		ready(worker.UnknownAction)
	}
}

// State returns every pin in order.
func (d *Board) State() []PinState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PinState, len(d.pins))
	for i, v := range d.pins {
		out[i] = PinState{Pin: i, State: v}
	}
	return out
}

func (d *Board) set(in PinState) (bool, error) {
	if in.State != 0 && in.State != 1 {
		return false, fmt.Errorf("%w: %d", ErrPinState, in.State)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if in.Pin < 0 || in.Pin >= len(d.pins) {
		return false, fmt.Errorf("%w: %d", ErrPinRange, in.Pin)
	}
	if d.pins[in.Pin] == in.State {
		return false, nil
	}
	d.pins[in.Pin] = in.State
	return true, nil
}

func (d *Board) get(pin int) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pin < 0 || pin >= len(d.pins) {
		return 0, fmt.Errorf("%w: %d", ErrPinRange, pin)
	}
	return d.pins[pin], nil
}

func invalid(err error) worker.Result {
	return worker.Result{Error: &frame.Fault{Code: CodeInvalidPayload, Message: err.Error()}}
}
