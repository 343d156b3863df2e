package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/workerbus/internal/protocol/schema"
)

// Reserved side-channel actions. Only the worker emits them and they never
// carry a correlation id.
const (
	ActionFault = "INTERNAL_ERROR"
	ActionLog   = "INTERNAL_LOG"
)

// Fault codes. Application codes are handler-defined; these two are owned by the bus.
const (
	CodeUnknown int32 = 0
	CodeTimeout int32 = -1
)

var (
	ErrEmptyAction        = errors.New("frame: empty action")
	ErrReservedCorrelated = errors.New("frame: reserved action carries an id")
	ErrInvalidPayload     = errors.New("frame: payload is not valid json")
)

var nullPayload = json.RawMessage("null")

// Fault is the structured error carried on responses and broadcasts.
type Fault struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// Frame is one message exchanged over a channel. ID 0 means uncorrelated.
type Frame struct {
	Action  string          `json:"action"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Error   *Fault          `json:"error,omitempty"`
}

// Canonical returns the comparison form of an action name.
func Canonical(action string) string {
	return strings.ToUpper(strings.TrimSpace(action))
}

func IsReserved(action string) bool {
	switch Canonical(action) {
	case ActionFault, ActionLog:
		return true
	default:
		return false
	}
}

// NewPayload encodes v as a frame payload. Raw JSON passes through untouched.
func NewPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nullPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nullPayload, nil
		}
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame: encode payload: %w", err)
	}
	return b, nil
}

func (f Frame) Correlated() bool {
	return f.ID != 0
}

// Kind classifies the frame for the wire header.
func (f Frame) Kind() uint32 {
	switch Canonical(f.Action) {
	case ActionFault:
		return schema.KindFault
	case ActionLog:
		return schema.KindLog
	}
	if f.Correlated() {
		return schema.KindCall
	}
	return schema.KindBroadcast
}

// Decode unmarshals the payload into v. A null payload leaves v untouched.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("frame: decode %s payload: %w", f.Action, err)
	}
	return nil
}

func (f Frame) Validate() error {
	if Canonical(f.Action) == "" {
		return ErrEmptyAction
	}
	if IsReserved(f.Action) && f.Correlated() {
		return fmt.Errorf("%w: %s id=%d", ErrReservedCorrelated, Canonical(f.Action), f.ID)
	}
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return ErrInvalidPayload
	}
	return nil
}
