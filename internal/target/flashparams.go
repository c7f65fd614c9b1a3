package target

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// IROMAlign is the fixed flash MMU page size of chips without a
// configurable one.
const IROMAlign = 0x10000

// FlashMode is the SPI flash read mode stored in the image header.
type FlashMode byte

const (
	ModeQIO FlashMode = iota
	ModeQOUT
	ModeDIO
	ModeDOUT
)

func (m FlashMode) String() string {
	switch m {
	case ModeQIO:
		return "qio"
	case ModeQOUT:
		return "qout"
	case ModeDIO:
		return "dio"
	case ModeDOUT:
		return "dout"
	default:
		return "unknown"
	}
}

// ParseFlashMode parses a flash mode name.
func ParseFlashMode(s string) (FlashMode, error) {
	switch strings.ToLower(s) {
	case "qio":
		return ModeQIO, nil
	case "qout":
		return ModeQOUT, nil
	case "dio":
		return ModeDIO, nil
	case "dout":
		return ModeDOUT, nil
	default:
		return 0, errors.Errorf("invalid flash mode %q", s)
	}
}

// FlashFrequency is the SPI flash clock frequency in MHz.
type FlashFrequency uint32

const (
	Freq12MHz FlashFrequency = 12
	Freq15MHz FlashFrequency = 15
	Freq16MHz FlashFrequency = 16
	Freq20MHz FlashFrequency = 20
	Freq24MHz FlashFrequency = 24
	Freq26MHz FlashFrequency = 26
	Freq30MHz FlashFrequency = 30
	Freq40MHz FlashFrequency = 40
	Freq48MHz FlashFrequency = 48
	Freq60MHz FlashFrequency = 60
	Freq80MHz FlashFrequency = 80
)

func (f FlashFrequency) String() string {
	switch f {
	case Freq12MHz:
		return "12MHz"
	case Freq15MHz:
		return "15MHz"
	case Freq16MHz:
		return "16MHz"
	case Freq20MHz:
		return "20MHz"
	case Freq24MHz:
		return "24MHz"
	case Freq26MHz:
		return "26MHz"
	case Freq30MHz:
		return "30MHz"
	case Freq40MHz:
		return "40MHz"
	case Freq48MHz:
		return "48MHz"
	case Freq60MHz:
		return "60MHz"
	case Freq80MHz:
		return "80MHz"
	default:
		return "unknown"
	}
}

// ParseFlashFrequency parses a frequency like "40m" or "80MHz".
func ParseFlashFrequency(s string) (FlashFrequency, error) {
	norm := strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(s), "hz"), "m"))
	switch norm {
	case "12":
		return Freq12MHz, nil
	case "15":
		return Freq15MHz, nil
	case "16":
		return Freq16MHz, nil
	case "20":
		return Freq20MHz, nil
	case "24":
		return Freq24MHz, nil
	case "26":
		return Freq26MHz, nil
	case "30":
		return Freq30MHz, nil
	case "40":
		return Freq40MHz, nil
	case "48":
		return Freq48MHz, nil
	case "60":
		return Freq60MHz, nil
	case "80":
		return Freq80MHz, nil
	default:
		return 0, errors.Errorf("invalid flash frequency %q", s)
	}
}

// FlashSize is the total SPI flash capacity.
type FlashSize uint32

const (
	Size256KB FlashSize = 0x40000
	Size512KB FlashSize = 0x80000
	Size1MB   FlashSize = 0x100000
	Size2MB   FlashSize = 0x200000
	Size4MB   FlashSize = 0x400000
	Size8MB   FlashSize = 0x800000
	Size16MB  FlashSize = 0x1000000
	Size32MB  FlashSize = 0x2000000
	Size64MB  FlashSize = 0x4000000
	Size128MB FlashSize = 0x8000000
)

func (s FlashSize) String() string {
	if s >= Size1MB {
		return strconv.Itoa(int(s/Size1MB)) + "MB"
	}
	return strconv.Itoa(int(s/1024)) + "KB"
}

// ParseFlashSize parses a size like "4MB" or "512KB".
func ParseFlashSize(s string) (FlashSize, error) {
	switch strings.ToUpper(s) {
	case "256KB":
		return Size256KB, nil
	case "512KB":
		return Size512KB, nil
	case "1MB":
		return Size1MB, nil
	case "2MB":
		return Size2MB, nil
	case "4MB":
		return Size4MB, nil
	case "8MB":
		return Size8MB, nil
	case "16MB":
		return Size16MB, nil
	case "32MB":
		return Size32MB, nil
	case "64MB":
		return Size64MB, nil
	case "128MB":
		return Size128MB, nil
	default:
		return 0, errors.Errorf("invalid flash size %q", s)
	}
}

// Encode returns the image-header nibble for the flash size.
func (s FlashSize) Encode() (byte, error) {
	switch s {
	case Size1MB:
		return 0, nil
	case Size2MB:
		return 1, nil
	case Size4MB:
		return 2, nil
	case Size8MB:
		return 3, nil
	case Size16MB:
		return 4, nil
	case Size32MB:
		return 5, nil
	case Size64MB:
		return 6, nil
	case Size128MB:
		return 7, nil
	default:
		return 0, errors.Errorf("flash size %s cannot be encoded in an image header", s)
	}
}

// FlashSizeFromDetected maps the JEDEC size ID byte read from the flash
// chip to a FlashSize.
// https://github.com/espressif/esptool/blob/f4d2510/esptool/cmds.py#L42
func FlashSizeFromDetected(id byte) (FlashSize, error) {
	switch id {
	case 0x12, 0x32:
		return Size256KB, nil
	case 0x13, 0x33:
		return Size512KB, nil
	case 0x14, 0x34:
		return Size1MB, nil
	case 0x15, 0x35:
		return Size2MB, nil
	case 0x16, 0x36:
		return Size4MB, nil
	case 0x17, 0x37:
		return Size8MB, nil
	case 0x18, 0x38:
		return Size16MB, nil
	case 0x19, 0x39:
		return Size32MB, nil
	case 0x20, 0x1A, 0x3A:
		return Size64MB, nil
	case 0x21, 0x1B:
		return Size128MB, nil
	default:
		return 0, errors.Errorf("unknown flash size id 0x%02X", id)
	}
}

// FlashParams bundles the flash geometry written into image headers.
type FlashParams struct {
	Size FlashSize
	Mode FlashMode
	Freq FlashFrequency
}

// ConfigByte encodes size and frequency into the header's combined
// size/frequency byte for the given chip.
func (p FlashParams) ConfigByte(d *Definition) (byte, error) {
	sizeEnc, err := p.Size.Encode()
	if err != nil {
		return 0, errors.Trace(err)
	}
	freqEnc, err := d.EncodeFlashFrequency(p.Freq)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return sizeEnc<<4 | freqEnc, nil
}
