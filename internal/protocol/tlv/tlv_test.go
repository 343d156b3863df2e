package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTripPreservesUnknown(t *testing.T) {
	in := Fields{
		String(1, "SET_PIN"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b := in.Encode()
	if len(b) != in.Size() {
		t.Fatalf("size %d, encoded %d", in.Size(), len(b))
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if action, _ := out.Text(1); action != "SET_PIN" {
		t.Fatalf("string field mismatch: %q", action)
	}
	if raw, _ := out.Raw(9999); !bytes.Equal(raw, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestI32KeepsSign(t *testing.T) {
	out, err := Decode(Fields{I32(3, -1)}.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	v, err := out.Int32(3)
	if err != nil || v != -1 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

func TestAccessorsCheckType(t *testing.T) {
	fs := Fields{String(1, "PING"), Bytes(2, []byte("null"))}
	if _, err := fs.Int32(1); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := fs.Text(2); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if v, err := fs.Text(42); err != nil || v != "" {
		t.Fatalf("absent field: %q %v", v, err)
	}
}

func TestFirstDuplicateWins(t *testing.T) {
	fs := Fields{String(1, "A"), String(1, "B")}
	if v, _ := fs.Text(1); v != "A" {
		t.Fatalf("got %q", v)
	}
}

func TestBytesFieldCopiesInput(t *testing.T) {
	src := []byte("null")
	f := Bytes(2, src)
	src[0] = 'x'
	if string(f.Value) != "null" {
		t.Fatalf("field aliases caller buffer: %q", f.Value)
	}
}

func TestDecodeMalformedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeMalformedLength(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	body := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	if _, err := Decode(body); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
