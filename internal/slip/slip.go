package slip

import (
	"github.com/juju/errors"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrInvalidEscape is returned when an ESC byte is followed by anything
// other than ESC_END or ESC_ESC.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")

// ErrTruncatedFrame is returned when a frame ends mid-escape or carries no
// payload between delimiters.
var ErrTruncatedFrame = errors.New("slip: truncated frame")

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode extracts data from a SLIP frame.
// Removes END bytes and unescapes special bytes.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, errors.Trace(ErrTruncatedFrame)
	}

	// Strip leading/trailing END bytes
	start := 0
	end := len(frame)

	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	if start >= end {
		return nil, errors.Trace(ErrTruncatedFrame)
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		if data[i] == Esc {
			if i+1 >= len(data) {
				return nil, errors.Trace(ErrTruncatedFrame)
			}
			switch data[i+1] {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				return nil, errors.Annotatef(ErrInvalidEscape, "0xDB 0x%02X", data[i+1])
			}
			i += 2
		} else {
			result = append(result, data[i])
			i++
		}
	}

	return result, nil
}

// ReadFrame reads a complete SLIP frame from a byte stream.
// Returns the frame (including END delimiters) and remaining bytes.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	// Find start of frame (skip leading garbage before the first END)
	start := -1
	for i, b := range data {
		if b == End {
			start = i
			break
		}
	}

	if start == -1 {
		return nil, data
	}

	// Find end of frame (next END after some data)
	inFrame := false
	for i := start; i < len(data); i++ {
		if data[i] == End {
			if inFrame {
				return data[start : i+1], data[i+1:]
			}
		} else {
			inFrame = true
		}
	}

	// Frame not complete yet
	return nil, data
}
