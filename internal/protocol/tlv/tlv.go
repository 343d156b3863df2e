// Package tlv encodes the type-length-value fields that make up a frame body.
// Each field is id(u16) type(u8) len(u32) followed by len value bytes, all
// big endian.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

const (
	TypeI32    uint8 = 2
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// Fields is a decoded body in wire order. Duplicate ids resolve to the first.
type Fields []Field

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes copies v so the field never aliases the caller's buffer.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func I32(id uint16, v int32) Field {
	return Field{ID: id, Type: TypeI32, Value: binary.BigEndian.AppendUint32(nil, uint32(v))}
}

// Size is the encoded length of fs.
func (fs Fields) Size() int {
	n := 0
	for _, f := range fs {
		n += HeaderLen + len(f.Value)
	}
	return n
}

// Append encodes fs onto dst.
func (fs Fields) Append(dst []byte) []byte {
	for _, f := range fs {
		dst = binary.BigEndian.AppendUint16(dst, f.ID)
		dst = append(dst, f.Type)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
		dst = append(dst, f.Value...)
	}
	return dst
}

func (fs Fields) Encode() []byte {
	return fs.Append(make([]byte, 0, fs.Size()))
}

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Text returns a string field, or "" when it is absent.
func (fs Fields) Text(id uint16) (string, error) {
	f, ok := fs.Get(id)
	if !ok {
		return "", nil
	}
	if err := f.expect(TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// Raw returns a bytes field, or nil when it is absent.
func (fs Fields) Raw(id uint16) ([]byte, error) {
	f, ok := fs.Get(id)
	if !ok {
		return nil, nil
	}
	if err := f.expect(TypeBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}

func (fs Fields) Int32(id uint16) (int32, error) {
	f, ok := fs.Get(id)
	if !ok {
		return 0, nil
	}
	if err := f.expect(TypeI32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("tlv: field %d: i32 length %d", f.ID, len(f.Value))
	}
	return int32(binary.BigEndian.Uint32(f.Value)), nil
}

func (f Field) expect(t uint8) error {
	if f.Type != t {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, t)
	}
	return nil
}

// Decode splits body into fields. Unknown ids are kept so newer peers can add
// fields without breaking older ones.
func Decode(body []byte) (Fields, error) {
	var out Fields
	for rest := body; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(rest[0:2]),
			Type: rest[2],
		}
		n := binary.BigEndian.Uint32(rest[3:7])
		rest = rest[HeaderLen:]
		if uint64(len(rest)) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		f.Value = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
		out = append(out, f)
	}
	return out, nil
}
