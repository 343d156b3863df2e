package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/workerbus/internal/protocol/schema"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	in := Frame{
		Action:  "run",
		ID:      42,
		Payload: json.RawMessage(`{"y":2}`),
		Error:   &Fault{Code: 7, Message: "pin busy"},
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Action != "RUN" || out.ID != 42 {
		t.Fatalf("header mismatch: %+v", out)
	}
	if string(out.Payload) != `{"y":2}` {
		t.Fatalf("payload mismatch: %s", out.Payload)
	}
	if out.Error == nil || out.Error.Code != 7 || out.Error.Message != "pin busy" {
		t.Fatalf("error mismatch: %+v", out.Error)
	}
}

func TestNegativeFaultCodeSurvivesWire(t *testing.T) {
	b, err := Marshal(Frame{Action: "RUN", ID: 1, Error: &Fault{Code: CodeTimeout, Message: "timeout"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b, DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error.Code != CodeTimeout {
		t.Fatalf("unexpected code: %d", out.Error.Code)
	}
}

func TestEmptyPayloadEncodesAsNull(t *testing.T) {
	b, err := Marshal(Frame{Action: "IO_CHANGED"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b, DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Payload) != "null" || out.ID != 0 || out.Error != nil {
		t.Fatalf("unexpected broadcast: %+v", out)
	}
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		f    Frame
		want uint32
	}{
		{Frame{Action: "run", ID: 1}, schema.KindCall},
		{Frame{Action: "state_changed"}, schema.KindBroadcast},
		{Frame{Action: "internal_log"}, schema.KindLog},
		{Frame{Action: " Internal_Error "}, schema.KindFault},
	}
	for _, tc := range cases {
		if got := tc.f.Kind(); got != tc.want {
			t.Fatalf("kind(%+v)=%d want %d", tc.f, got, tc.want)
		}
	}
}

func TestValidateRejectsReservedWithID(t *testing.T) {
	err := Frame{Action: ActionLog, ID: 3}.Validate()
	if !errors.Is(err, ErrReservedCorrelated) {
		t.Fatalf("expected ErrReservedCorrelated, got %v", err)
	}
	if err := (Frame{Action: "  "}).Validate(); !errors.Is(err, ErrEmptyAction) {
		t.Fatalf("expected ErrEmptyAction, got %v", err)
	}
	if err := (Frame{Action: "RUN", Payload: json.RawMessage("{")}).Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestNewPayload(t *testing.T) {
	p, err := NewPayload(map[string]int{"pin": 3})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(p) != `{"pin":3}` {
		t.Fatalf("unexpected payload: %s", p)
	}
	p, err = NewPayload(nil)
	if err != nil || string(p) != "null" {
		t.Fatalf("nil payload: %s %v", p, err)
	}
	if _, err := NewPayload(json.RawMessage("{bad")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodePayload(t *testing.T) {
	var out struct {
		Pin   int `json:"pin"`
		State int `json:"state"`
	}
	f := Frame{Action: "STATE_CHANGED", Payload: json.RawMessage(`{"pin":3,"state":1}`)}
	if err := f.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Pin != 3 || out.State != 1 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameInvalidMagic(t *testing.T) {
	h := Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen, Kind: schema.KindBroadcast}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameUnsupportedVersion(t *testing.T) {
	h := Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen, Kind: schema.KindBroadcast}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, Kind: schema.KindBroadcast, PayloadLen: 1024}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFramePayloadTooLarge(t *testing.T) {
	f := Frame{Action: "RUN", ID: 1, Payload: json.RawMessage(`"` + string(bytes.Repeat([]byte("a"), 64)) + `"`)}
	err := WriteFrame(io.Discard, f, Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameKindMismatch(t *testing.T) {
	b, err := Marshal(Frame{Action: "RUN", ID: 5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Rewrite the kind to broadcast while the id stays set.
	b[19] = byte(schema.KindBroadcast)
	_, err = Unmarshal(b, DefaultLimits())
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestUnmarshalTrailingBytes(t *testing.T) {
	b, err := Marshal(Frame{Action: "RUN", ID: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Unmarshal(append(b, 0x00), DefaultLimits())
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}
