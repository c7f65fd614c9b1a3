package slip

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
)

func TestEncode_NoSpecialBytes(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04}
	result := Encode(input)
	expected := []byte{End, 0x01, 0x02, 0x03, 0x04, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEndByte(t *testing.T) {
	input := []byte{0x01, End, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEscByte(t *testing.T) {
	input := []byte{0x01, Esc, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEsc, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapesEachSpecialByteOnce(t *testing.T) {
	input := []byte{End, Esc, End, Esc}
	result := Encode(input)
	expected := []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestDecode_ValidFrame(t *testing.T) {
	frame := []byte{End, 0x01, 0x02, 0x03, End}
	result, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode(%v) error = %v", frame, err)
	}
	expected := []byte{0x01, 0x02, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_UnescapeEndByte(t *testing.T) {
	frame := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	result, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode(%v) error = %v", frame, err)
	}
	expected := []byte{0x01, End, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_UnescapeEscByte(t *testing.T) {
	frame := []byte{End, 0x01, Esc, EscEsc, 0x03, End}
	result, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode(%v) error = %v", frame, err)
	}
	expected := []byte{0x01, Esc, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_InvalidEscape(t *testing.T) {
	frame := []byte{End, 0x01, Esc, 0xFF, 0x03, End}
	_, err := Decode(frame)
	if !errors.Is(err, ErrInvalidEscape) {
		t.Errorf("Decode(%v) error = %v, want ErrInvalidEscape", frame, err)
	}
}

func TestDecode_DanglingEscape(t *testing.T) {
	frame := []byte{End, 0x01, Esc, End}
	_, err := Decode(frame)
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Errorf("Decode(%v) error = %v, want ErrTruncatedFrame", frame, err)
	}
}

func TestDecode_EmptyFrame(t *testing.T) {
	if _, err := Decode([]byte{End, End}); err == nil {
		t.Error("Decode(empty frame) expected error, got nil")
	}
	if _, err := Decode([]byte{End}); err == nil {
		t.Error("Decode([0xC0]) expected error, got nil")
	}
	if _, err := Decode(nil); err == nil {
		t.Error("Decode(nil) expected error, got nil")
	}
}

func TestDecode_MultipleDelimiterBytes(t *testing.T) {
	frame := []byte{End, End, End, 0x01, 0x02, End, End}
	result, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode(%v) error = %v", frame, err)
	}
	expected := []byte{0x01, 0x02}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	testCases := [][]byte{
		{0x00},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc},
		{0x00, End, 0x00, Esc, 0x00},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 256),
	}

	for i, tc := range testCases {
		encoded := Encode(tc)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Errorf("Case %d: Decode error = %v", i, err)
			continue
		}
		if !bytes.Equal(decoded, tc) {
			t.Errorf("Case %d: RoundTrip(%v) = %v, want %v", i, tc, decoded, tc)
		}
	}
}

func TestReadFrame_SingleFrame(t *testing.T) {
	data := []byte{End, 0x01, 0x02, 0x03, End}
	frame, remaining := ReadFrame(data)
	if !bytes.Equal(frame, data) {
		t.Errorf("ReadFrame(%v) frame = %v, want %v", data, frame, data)
	}
	if len(remaining) != 0 {
		t.Errorf("ReadFrame(%v) remaining = %v, want []", data, remaining)
	}
}

func TestReadFrame_MultipleFrames(t *testing.T) {
	frame1 := []byte{End, 0x01, 0x02, End}
	frame2 := []byte{End, 0x03, 0x04, End}
	data := append(append([]byte{}, frame1...), frame2...)

	frame, remaining := ReadFrame(data)
	if !bytes.Equal(frame, frame1) {
		t.Errorf("ReadFrame first frame = %v, want %v", frame, frame1)
	}
	if !bytes.Equal(remaining, frame2) {
		t.Errorf("ReadFrame remaining = %v, want %v", remaining, frame2)
	}
}

func TestReadFrame_IncompleteFrame(t *testing.T) {
	data := []byte{End, 0x01, 0x02}
	frame, remaining := ReadFrame(data)
	if frame != nil {
		t.Errorf("ReadFrame incomplete = %v, want nil", frame)
	}
	if !bytes.Equal(remaining, data) {
		t.Errorf("ReadFrame remaining = %v, want %v", remaining, data)
	}
}

func TestReadFrame_LeadingGarbage(t *testing.T) {
	// Boot log noise before the first END must be skipped
	data := []byte{0x01, 0x02, End, 0x03, 0x04, End}
	frame, remaining := ReadFrame(data)
	expected := []byte{End, 0x03, 0x04, End}
	if !bytes.Equal(frame, expected) {
		t.Errorf("ReadFrame with garbage = %v, want %v", frame, expected)
	}
	if len(remaining) != 0 {
		t.Errorf("ReadFrame remaining = %v, want []", remaining)
	}
}

func TestReadFrame_NoFrame(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	frame, remaining := ReadFrame(data)
	if frame != nil {
		t.Errorf("ReadFrame no frame = %v, want nil", frame)
	}
	if !bytes.Equal(remaining, data) {
		t.Errorf("ReadFrame remaining = %v, want %v", remaining, data)
	}
}
