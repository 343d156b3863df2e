package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/workerbus/internal/protocol/schema"
	"github.com/danmuck/workerbus/internal/protocol/tlv"
)

const (
	Magic          uint32 = 0x57425553 // "WBUS"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32
	FlagHasError   uint32 = 0x01
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrInvalidHeaderLen   = errors.New("frame: invalid header_len")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrKindMismatch       = errors.New("frame: kind does not match id")
	ErrTrailingBytes      = errors.New("frame: trailing bytes after frame")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	MessageID  uint64
	Kind       uint32
	Flags      uint32
	PayloadLen uint64
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Marshal encodes one frame with default limits.
func Marshal(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f, DefaultLimits()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	r := bytes.NewReader(b)
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, ErrTrailingBytes
	}
	return f, nil
}

// WriteFrame validates f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if err := f.Validate(); err != nil {
		return err
	}
	payload := f.Payload
	if len(payload) == 0 {
		payload = nullPayload
	}
	kind := f.Kind()
	fields := tlv.Fields{
		tlv.String(schema.FieldAction, Canonical(f.Action)),
		tlv.Bytes(schema.FieldPayload, payload),
	}
	var flags uint32
	if f.Error != nil {
		flags |= FlagHasError
		fields = append(fields,
			tlv.I32(schema.FieldErrorCode, f.Error.Code),
			tlv.String(schema.FieldErrorMessage, f.Error.Message),
		)
	}
	if err := schema.Validate(kind, fields); err != nil {
		return err
	}
	size := fields.Size()
	if uint64(size) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	out := make([]byte, 0, int(FixedHeaderLen)+size)
	out = append(out, EncodeHeader(Header{
		Magic:      Magic,
		Version:    Version,
		HeaderLen:  FixedHeaderLen,
		MessageID:  f.ID,
		Kind:       kind,
		Flags:      flags,
		PayloadLen: uint64(size),
	})...)
	_, err := w.Write(fields.Append(out))
	return err
}

// ReadFrame reads one frame. A clean end of stream before any header byte
// returns io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	body := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, fmt.Errorf("frame: read body: %w", err)
		}
	}
	fields, err := tlv.Decode(body)
	if err != nil {
		return Frame{}, err
	}
	if err := schema.Validate(h.Kind, fields); err != nil {
		return Frame{}, err
	}

	f := Frame{ID: h.MessageID}
	if f.Action, err = fields.Text(schema.FieldAction); err != nil {
		return Frame{}, err
	}
	if f.Payload, err = fields.Raw(schema.FieldPayload); err != nil {
		return Frame{}, err
	}
	if h.Flags&FlagHasError != 0 {
		if err := schema.ValidateFault(h.Kind, fields); err != nil {
			return Frame{}, err
		}
		fault := &Fault{}
		if fault.Code, err = fields.Int32(schema.FieldErrorCode); err != nil {
			return Frame{}, err
		}
		if fault.Message, err = fields.Text(schema.FieldErrorMessage); err != nil {
			return Frame{}, err
		}
		f.Error = fault
	}
	if f.Kind() != h.Kind {
		return Frame{}, fmt.Errorf("%w: kind=%s id=%d", ErrKindMismatch, schema.KindName(h.Kind), h.MessageID)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.Kind)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		MessageID:  binary.BigEndian.Uint64(b[8:16]),
		Kind:       binary.BigEndian.Uint32(b[16:20]),
		Flags:      binary.BigEndian.Uint32(b[20:24]),
		PayloadLen: binary.BigEndian.Uint64(b[24:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.HeaderLen != FixedHeaderLen {
		return Header{}, ErrInvalidHeaderLen
	}
	return h, nil
}
