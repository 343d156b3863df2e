package schema

import (
	"fmt"

	"github.com/danmuck/workerbus/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Frame kinds carried in the wire header.
const (
	KindCall      uint32 = 1
	KindBroadcast uint32 = 2
	KindLog       uint32 = 3
	KindFault     uint32 = 4
)

// Field IDs of the frame body.
const (
	FieldAction       uint16 = 1
	FieldPayload      uint16 = 2
	FieldErrorCode    uint16 = 3
	FieldErrorMessage uint16 = 4
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    uint32
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%d field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var body = []Requirement{
	{FieldAction, tlv.TypeString},
	{FieldPayload, tlv.TypeBytes},
}

var requirements = map[uint32][]Requirement{
	KindCall:      body,
	KindBroadcast: body,
	KindLog:       body,
	KindFault:     body,
}

// faultFields are required together whenever a frame carries an error.
var faultFields = []Requirement{
	{FieldErrorCode, tlv.TypeI32},
	{FieldErrorMessage, tlv.TypeString},
}

// KindName returns a label for logs and metrics.
func KindName(kind uint32) string {
	switch kind {
	case KindCall:
		return "call"
	case KindBroadcast:
		return "broadcast"
	case KindLog:
		return "log"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Validate enforces required fields and their types for a frame kind.
// Unknown fields are ignored.
func Validate(kind uint32, fields tlv.Fields) error {
	reqs, ok := requirements[kind]
	if !ok {
		log.Debug().Uint32("kind", kind).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	return check(kind, reqs, fields)
}

// ValidateFault checks the error code/message pair.
func ValidateFault(kind uint32, fields tlv.Fields) error {
	return check(kind, faultFields, fields)
}

func check(kind uint32, reqs []Requirement, fields tlv.Fields) error {
	for _, req := range reqs {
		f, found := fields.Get(req.ID)
		if !found {
			log.Debug().Uint32("kind", kind).Uint16("field", req.ID).Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("kind", kind).
				Uint16("field", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
