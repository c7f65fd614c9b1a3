// Package target holds the per-chip registry: identification magic,
// register maps, memory layout, flash parameter encodings and eFuse field
// positions for every supported Espressif device.
package target

import (
	"strings"

	"github.com/juju/errors"
)

// ChipMagicRegister is readable on every chip while in download mode and
// identifies the ROM revision.
const ChipMagicRegister = 0x40001000

// Chip identifies a supported Espressif chip family.
type Chip int

const (
	ESP32 Chip = iota
	ESP32S2
	ESP32S3
	ESP32C2
	ESP32C3
	ESP32C5
	ESP32C6
	ESP32H2
	ESP32P4
)

func (c Chip) String() string {
	switch c {
	case ESP32:
		return "esp32"
	case ESP32S2:
		return "esp32s2"
	case ESP32S3:
		return "esp32s3"
	case ESP32C2:
		return "esp32c2"
	case ESP32C3:
		return "esp32c3"
	case ESP32C5:
		return "esp32c5"
	case ESP32C6:
		return "esp32c6"
	case ESP32H2:
		return "esp32h2"
	case ESP32P4:
		return "esp32p4"
	default:
		return "unknown"
	}
}

// XtalFrequency is a crystal oscillator frequency in MHz.
type XtalFrequency uint32

const (
	Xtal26MHz XtalFrequency = 26
	Xtal32MHz XtalFrequency = 32
	Xtal40MHz XtalFrequency = 40
	Xtal48MHz XtalFrequency = 48
)

// MemRegion is a half-open address range [Start, End).
type MemRegion struct {
	Start uint32
	End   uint32
}

// Contains reports whether addr falls inside the region.
func (r MemRegion) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// SpiRegisters describes the SPI peripheral register file used for direct
// flash commands (JEDEC ID reads). Offsets are relative to Base; a zero
// MosiDlen/MisoDlen means the chip packs both lengths into USR1.
type SpiRegisters struct {
	Base     uint32
	Usr      uint32
	Usr1     uint32
	Usr2     uint32
	W0       uint32
	MosiDlen uint32
	MisoDlen uint32
}

// EfuseField locates a bit-field inside the eFuse region.
type EfuseField struct {
	Block    uint32
	Word     uint32
	BitStart uint32
	BitCount uint32
}

// EfuseLayout is the subset of eFuse fields the flasher decodes.
type EfuseLayout struct {
	// Words per block, in block order. Block 0 starts at Block0Offset.
	BlockWords []uint32

	WaferVersionMajor EfuseField
	WaferVersionMinor EfuseField
	// Some chips split the minor version; BitCount of zero means unused.
	WaferVersionMinorHi EfuseField
	SecureBootEnabled   EfuseField
	USBDisabled         EfuseField
	// Crystal selection fuse; only meaningful where XtalOptions has more
	// than one entry.
	XtalFreqSel EfuseField

	// Factory MAC address words.
	MacLow  EfuseField
	MacHigh EfuseField
}

// Definition is the immutable descriptor for one chip family.
type Definition struct {
	Chip   Chip
	ChipID uint16

	// Values the chip-magic register may hold, one per silicon revision.
	MagicValues []uint32

	// Flash layout
	BootAddress      uint32
	DefaultAppOffset uint32
	DefaultAppSize   uint32

	// Address ranges mapped from SPI flash (IROM/DROM). Segments outside
	// these ranges load to RAM.
	FlashRanges []MemRegion

	XtalOptions []XtalFrequency
	DefaultXtal XtalFrequency

	// Flash frequency encodings for the image header config byte.
	FlashFreqEncodings map[FlashFrequency]byte
	DefaultFlashFreq   FlashFrequency

	SpiRegs SpiRegisters

	EfuseBase         uint32
	EfuseBlock0Offset uint32
	Efuse             EfuseLayout

	// RTC watchdog registers, zero when the chip cannot WDT-reset.
	WdtWprotect uint32
	WdtConfig0  uint32
	WdtConfig1  uint32

	// USB-OTG detection register and its OTG marker value.
	UartDevBufNo       uint32
	UartDevBufNoUsbOtg uint32

	// UART clock divider register used to estimate the crystal frequency;
	// set for the ESP32 and ESP32-C2, zero elsewhere (including the
	// two-option ESP32-C5, which reports DefaultXtal).
	UartClkdivReg  uint32
	XtalClkDivider uint32

	// Valid MMU page sizes; nil means the fixed 64K IROM alignment.
	MMUPageSizes []uint32

	// The original ESP32 ROM takes a shorter BEGIN parameter list.
	SupportsEncryption bool
}

// Name returns the canonical chip name.
func (d *Definition) Name() string {
	return d.Chip.String()
}

// HasMagic reports whether value is one of the chip's magic values.
func (d *Definition) HasMagic(value uint32) bool {
	for _, m := range d.MagicValues {
		if m == value {
			return true
		}
	}
	return false
}

// IsFlashAddress reports whether addr maps to SPI flash on this chip.
func (d *Definition) IsFlashAddress(addr uint32) bool {
	for _, r := range d.FlashRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidMMUPageSizes returns the MMU page sizes the chip supports.
func (d *Definition) ValidMMUPageSizes() []uint32 {
	if d.MMUPageSizes == nil {
		return []uint32{IROMAlign}
	}
	return d.MMUPageSizes
}

// EncodeFlashFrequency encodes a flash frequency for the image header.
func (d *Definition) EncodeFlashFrequency(freq FlashFrequency) (byte, error) {
	if enc, ok := d.FlashFreqEncodings[freq]; ok {
		return enc, nil
	}
	return 0, errors.Errorf("%s does not support %s flash frequency", d.Name(), freq)
}

// SupportsWatchdogReset reports whether the chip can reset via RTC WDT.
func (d *Definition) SupportsWatchdogReset() bool {
	return d.WdtWprotect != 0
}

// ByName looks a chip up by its canonical name. Dashes and case are
// ignored so "ESP32-C6" and "esp32c6" both resolve.
func ByName(name string) (*Definition, error) {
	normalized := strings.ToLower(strings.ReplaceAll(name, "-", ""))
	for _, d := range registry {
		if d.Chip.String() == normalized {
			return d, nil
		}
	}
	return nil, errors.Errorf("unknown target %q", name)
}

// ByMagic resolves a chip-magic register value to a definition. Magic
// values are unique across the registry except the zero value some chips
// report; those callers must disambiguate via the security info chip ID.
func ByMagic(magic uint32) (*Definition, error) {
	for _, d := range registry {
		if d.HasMagic(magic) {
			return d, nil
		}
	}
	return nil, errors.Errorf("unknown chip magic 0x%08X", magic)
}

// ByChipID resolves a GET_SECURITY_INFO chip ID to a definition.
func ByChipID(id uint32) (*Definition, error) {
	for _, d := range registry {
		if uint32(d.ChipID) == id {
			return d, nil
		}
	}
	return nil, errors.Errorf("unknown chip id %d", id)
}

// All returns every registered chip definition.
func All() []*Definition {
	out := make([]*Definition, len(registry))
	copy(out, registry)
	return out
}
