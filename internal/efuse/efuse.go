// Package efuse reads and decodes the factory-programmed eFuse region:
// chip revision, security flags and the MAC address. The crystal-selection
// fuse is not decoded.
package efuse

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/target"
)

// RegReader is the register access the reader needs; implemented by
// *connection.Connection.
type RegReader interface {
	ReadRegister(addr uint32) (uint32, error)
}

// Reader reads eFuse words through the download protocol and caches them
// for repeated field decodes.
type Reader struct {
	conn  RegReader
	def   *target.Definition
	words map[uint32]uint32 // absolute register address -> value
}

// NewReader creates a reader for the given chip.
func NewReader(conn RegReader, def *target.Definition) *Reader {
	return &Reader{
		conn:  conn,
		def:   def,
		words: map[uint32]uint32{},
	}
}

// blockBase returns the register address of word 0 of a block.
func (r *Reader) blockBase(block uint32) (uint32, error) {
	layout := r.def.Efuse
	if int(block) >= len(layout.BlockWords) {
		return 0, errors.Errorf("eFuse block %d out of range for %s", block, r.def.Name())
	}

	base := r.def.EfuseBase + r.def.EfuseBlock0Offset
	for b := uint32(0); b < block; b++ {
		base += layout.BlockWords[b] * 4
	}
	return base, nil
}

// word reads one eFuse word, filling the cache with the whole block on
// first touch so repeated decodes cost a single burst.
func (r *Reader) word(block, index uint32) (uint32, error) {
	base, err := r.blockBase(block)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if index >= r.def.Efuse.BlockWords[block] {
		return 0, errors.Errorf("eFuse word %d out of range for block %d", index, block)
	}

	addr := base + index*4
	if value, ok := r.words[addr]; ok {
		return value, nil
	}

	glog.V(2).Infof("reading eFuse block %d (%d words)", block, r.def.Efuse.BlockWords[block])
	for i := uint32(0); i < r.def.Efuse.BlockWords[block]; i++ {
		value, err := r.conn.ReadRegister(base + i*4)
		if err != nil {
			return 0, errors.Annotatef(err, "eFuse word %d of block %d", i, block)
		}
		r.words[base+i*4] = value
	}

	return r.words[addr], nil
}

// ReadField extracts a bit-field of up to 32 bits.
func (r *Reader) ReadField(field target.EfuseField) (uint32, error) {
	if field.BitCount == 0 {
		return 0, errors.New("empty eFuse field")
	}
	if field.BitCount > 32 {
		return 0, errors.Errorf("eFuse field spans %d bits, max 32", field.BitCount)
	}

	wordIndex := field.BitStart / 32
	bit := field.BitStart % 32

	low, err := r.word(field.Block, wordIndex)
	if err != nil {
		return 0, errors.Trace(err)
	}

	value := low >> bit
	if bit+field.BitCount > 32 {
		high, err := r.word(field.Block, wordIndex+1)
		if err != nil {
			return 0, errors.Trace(err)
		}
		value |= high << (32 - bit)
	}

	if field.BitCount < 32 {
		value &= (1 << field.BitCount) - 1
	}
	return value, nil
}

// ChipRevision returns the silicon revision as (major, minor).
func (r *Reader) ChipRevision() (uint32, uint32, error) {
	layout := r.def.Efuse

	major, err := r.ReadField(layout.WaferVersionMajor)
	if err != nil {
		return 0, 0, errors.Annotate(err, "wafer version major")
	}

	minor, err := r.ReadField(layout.WaferVersionMinor)
	if err != nil {
		return 0, 0, errors.Annotate(err, "wafer version minor")
	}
	if layout.WaferVersionMinorHi.BitCount > 0 {
		hi, err := r.ReadField(layout.WaferVersionMinorHi)
		if err != nil {
			return 0, 0, errors.Annotate(err, "wafer version minor high")
		}
		minor += hi << 3
	}

	return major, minor, nil
}

// VerifyMinimumRevision checks the chip revision against a required
// minimum in major*100+minor form.
func (r *Reader) VerifyMinimumRevision(minimum uint16) error {
	if minimum == 0 {
		return nil
	}
	major, minor, err := r.ChipRevision()
	if err != nil {
		return errors.Trace(err)
	}

	revision := uint16(major*100 + minor)
	if revision < minimum {
		return errors.Errorf("chip is revision v%d.%d, image requires at least v%d.%d",
			major, minor, minimum/100, minimum%100)
	}
	return nil
}

// SecureBootEnabled decodes the secure-boot fuse.
func (r *Reader) SecureBootEnabled() (bool, error) {
	field := r.def.Efuse.SecureBootEnabled
	if field.BitCount == 0 {
		return false, nil
	}
	value, err := r.ReadField(field)
	if err != nil {
		return false, errors.Trace(err)
	}
	return value != 0, nil
}

// USBDisabled decodes the USB-disable fuse where the chip has one.
func (r *Reader) USBDisabled() (bool, error) {
	field := r.def.Efuse.USBDisabled
	if field.BitCount == 0 {
		return false, nil
	}
	value, err := r.ReadField(field)
	if err != nil {
		return false, errors.Trace(err)
	}
	return value != 0, nil
}

// MACAddress returns the factory MAC, formatted as a colon-separated
// string, or "" for chips without MAC fuses in the registry.
func (r *Reader) MACAddress() (string, error) {
	layout := r.def.Efuse
	if layout.MacLow.BitCount == 0 {
		return "", nil
	}

	low, err := r.ReadField(layout.MacLow)
	if err != nil {
		return "", errors.Trace(err)
	}
	high, err := r.ReadField(layout.MacHigh)
	if err != nil {
		return "", errors.Trace(err)
	}

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		byte(high>>8), byte(high),
		byte(low>>24), byte(low>>16), byte(low>>8), byte(low)), nil
}

// Features lists the decoded feature flags for device info output.
func (r *Reader) Features() ([]string, error) {
	var features []string

	if secure, err := r.SecureBootEnabled(); err == nil && secure {
		features = append(features, "secure boot")
	}
	if disabled, err := r.USBDisabled(); err == nil && disabled {
		features = append(features, "USB disabled")
	}

	return features, nil
}
