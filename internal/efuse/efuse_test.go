package efuse

import (
	"testing"

	"github.com/espgo/espflash/internal/target"
)

// fakeRegs serves register reads from a map and counts the round trips.
type fakeRegs struct {
	regs  map[uint32]uint32
	reads int
}

func (f *fakeRegs) ReadRegister(addr uint32) (uint32, error) {
	f.reads++
	return f.regs[addr], nil
}

func c6(t *testing.T) *target.Definition {
	t.Helper()
	def, err := target.ByName("esp32c6")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	return def
}

// block1Word returns the absolute address of a word in eFuse block 1 on
// the ESP32-C6 (block 0 is 6 words long).
func block1Word(def *target.Definition, word uint32) uint32 {
	return def.EfuseBase + def.EfuseBlock0Offset + 6*4 + word*4
}

func TestReadField(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}

	// WaferVersionMinor on the C6 is block 1, bits 114..118
	regs.regs[block1Word(def, 3)] = 3 << (114 - 96)

	r := NewReader(regs, def)
	minor, err := r.ReadField(def.Efuse.WaferVersionMinor)
	if err != nil {
		t.Fatalf("ReadField() error = %v", err)
	}
	if minor != 3 {
		t.Errorf("minor = %d, want 3", minor)
	}
}

func TestReadField_CrossesWordBoundary(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}

	// A 16-bit field starting at bit 24 spans words 0 and 1
	field := target.EfuseField{Block: 1, Word: 0, BitStart: 24, BitCount: 16}
	regs.regs[block1Word(def, 0)] = 0xAB << 24
	regs.regs[block1Word(def, 1)] = 0xCD

	r := NewReader(regs, def)
	value, err := r.ReadField(field)
	if err != nil {
		t.Fatalf("ReadField() error = %v", err)
	}
	if value != 0xCDAB {
		t.Errorf("value = 0x%X, want 0xCDAB", value)
	}
}

func TestChipRevision(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}

	// major = 1 (bits 118..120), minor = 2 (bits 114..118)
	regs.regs[block1Word(def, 3)] = 1<<(118-96) | 2<<(114-96)

	r := NewReader(regs, def)
	major, minor, err := r.ChipRevision()
	if err != nil {
		t.Fatalf("ChipRevision() error = %v", err)
	}
	if major != 1 || minor != 2 {
		t.Errorf("revision = v%d.%d, want v1.2", major, minor)
	}
}

func TestVerifyMinimumRevision(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}
	regs.regs[block1Word(def, 3)] = 1 << (118 - 96) // v1.0

	r := NewReader(regs, def)
	if err := r.VerifyMinimumRevision(100); err != nil {
		t.Errorf("VerifyMinimumRevision(100) against v1.0 error = %v", err)
	}
	if err := r.VerifyMinimumRevision(101); err == nil {
		t.Error("VerifyMinimumRevision(101) against v1.0 expected error")
	}
	if err := r.VerifyMinimumRevision(0); err != nil {
		t.Errorf("VerifyMinimumRevision(0) error = %v", err)
	}
}

func TestBlockIsReadInOneBurst(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}

	r := NewReader(regs, def)
	if _, _, err := r.ChipRevision(); err != nil {
		t.Fatalf("ChipRevision() error = %v", err)
	}
	// Block 1 is 6 words; both revision fields live in it
	if regs.reads != 6 {
		t.Errorf("register reads = %d, want 6 (one burst, then cache)", regs.reads)
	}

	if _, _, err := r.ChipRevision(); err != nil {
		t.Fatalf("second ChipRevision() error = %v", err)
	}
	if regs.reads != 6 {
		t.Errorf("register reads after cached decode = %d, want 6", regs.reads)
	}
}

func TestMACAddress(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}
	regs.regs[block1Word(def, 0)] = 0x99887766
	regs.regs[block1Word(def, 1)] = 0x5544

	r := NewReader(regs, def)
	mac, err := r.MACAddress()
	if err != nil {
		t.Fatalf("MACAddress() error = %v", err)
	}
	if mac != "55:44:99:88:77:66" {
		t.Errorf("mac = %s, want 55:44:99:88:77:66", mac)
	}
}

func TestFeatures_SecureBoot(t *testing.T) {
	def := c6(t)
	regs := &fakeRegs{regs: map[uint32]uint32{}}

	// SecureBootEnabled on the C6 is block 0, bit 116 (word 3)
	base := def.EfuseBase + def.EfuseBlock0Offset
	regs.regs[base+3*4] = 1 << (116 - 96)

	r := NewReader(regs, def)
	features, err := r.Features()
	if err != nil {
		t.Fatalf("Features() error = %v", err)
	}
	if len(features) != 1 || features[0] != "secure boot" {
		t.Errorf("features = %v, want [secure boot]", features)
	}
}
