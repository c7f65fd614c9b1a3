package target

import "testing"

func TestByName(t *testing.T) {
	cases := []struct {
		name string
		want Chip
	}{
		{"esp32", ESP32},
		{"ESP32-C6", ESP32C6},
		{"esp32c3", ESP32C3},
		{"ESP32-S3", ESP32S3},
		{"esp32p4", ESP32P4},
	}

	for _, tc := range cases {
		d, err := ByName(tc.name)
		if err != nil {
			t.Errorf("ByName(%q) error = %v", tc.name, err)
			continue
		}
		if d.Chip != tc.want {
			t.Errorf("ByName(%q) = %v, want %v", tc.name, d.Chip, tc.want)
		}
	}
}

func TestByName_Unknown(t *testing.T) {
	if _, err := ByName("esp8266"); err == nil {
		t.Error("ByName(esp8266) expected error")
	}
}

func TestByMagic(t *testing.T) {
	cases := []struct {
		magic uint32
		want  Chip
	}{
		{0x00F01D83, ESP32},
		{0x000007C6, ESP32S2},
		{0x9, ESP32S3},
		{0x6921506F, ESP32C3},
		{0x1B31506F, ESP32C3},
		{0x4361606F, ESP32C3},
		{0x2CE0806F, ESP32C6},
		{0xD7B73E80, ESP32H2},
		{0x0ADDBAD0, ESP32P4},
	}

	for _, tc := range cases {
		d, err := ByMagic(tc.magic)
		if err != nil {
			t.Errorf("ByMagic(0x%08X) error = %v", tc.magic, err)
			continue
		}
		if d.Chip != tc.want {
			t.Errorf("ByMagic(0x%08X) = %v, want %v", tc.magic, d.Chip, tc.want)
		}
	}
}

func TestByMagic_Unknown(t *testing.T) {
	if _, err := ByMagic(0xDEADBEEF); err == nil {
		t.Error("ByMagic(0xDEADBEEF) expected error")
	}
}

func TestByChipID(t *testing.T) {
	d, err := ByChipID(13)
	if err != nil {
		t.Fatalf("ByChipID(13) error = %v", err)
	}
	if d.Chip != ESP32C6 {
		t.Errorf("ByChipID(13) = %v, want esp32c6", d.Chip)
	}

	d, err = ByChipID(23)
	if err != nil {
		t.Fatalf("ByChipID(23) error = %v", err)
	}
	if d.Chip != ESP32C5 {
		t.Errorf("ByChipID(23) = %v, want esp32c5", d.Chip)
	}
}

func TestBootAddresses(t *testing.T) {
	cases := []struct {
		chip Chip
		want uint32
	}{
		{ESP32, 0x1000},
		{ESP32S2, 0x1000},
		{ESP32C3, 0x0},
		{ESP32C6, 0x0},
		{ESP32C5, 0x2000},
		{ESP32P4, 0x2000},
	}
	for _, tc := range cases {
		d, err := ByName(tc.chip.String())
		if err != nil {
			t.Fatalf("ByName(%v) error = %v", tc.chip, err)
		}
		if d.BootAddress != tc.want {
			t.Errorf("%v boot address = 0x%X, want 0x%X", tc.chip, d.BootAddress, tc.want)
		}
	}
}

func TestIsFlashAddress(t *testing.T) {
	c3, _ := ByName("esp32c3")

	if !c3.IsFlashAddress(0x42000000) {
		t.Error("0x42000000 should be a flash address on esp32c3")
	}
	if !c3.IsFlashAddress(0x3C7FFFFF) {
		t.Error("0x3C7FFFFF should be a flash address on esp32c3")
	}
	if c3.IsFlashAddress(0x40380000) {
		t.Error("0x40380000 is IRAM, not flash, on esp32c3")
	}
}

func TestValidMMUPageSizes(t *testing.T) {
	c6, _ := ByName("esp32c6")
	sizes := c6.ValidMMUPageSizes()
	if len(sizes) != 4 || sizes[0] != 8*1024 || sizes[3] != 64*1024 {
		t.Errorf("esp32c6 MMU page sizes = %v", sizes)
	}

	c3, _ := ByName("esp32c3")
	sizes = c3.ValidMMUPageSizes()
	if len(sizes) != 1 || sizes[0] != IROMAlign {
		t.Errorf("esp32c3 MMU page sizes = %v, want [0x10000]", sizes)
	}
}

func TestEncodeFlashFrequency(t *testing.T) {
	c3, _ := ByName("esp32c3")
	enc, err := c3.EncodeFlashFrequency(Freq40MHz)
	if err != nil {
		t.Fatalf("EncodeFlashFrequency(40MHz) error = %v", err)
	}
	if enc != 0x0 {
		t.Errorf("40MHz encoding = 0x%X, want 0x0", enc)
	}

	if _, err := c3.EncodeFlashFrequency(Freq15MHz); err == nil {
		t.Error("esp32c3 should not accept 15MHz flash frequency")
	}

	c2, _ := ByName("esp32c2")
	enc, err = c2.EncodeFlashFrequency(Freq60MHz)
	if err != nil {
		t.Fatalf("esp32c2 EncodeFlashFrequency(60MHz) error = %v", err)
	}
	if enc != 0xF {
		t.Errorf("60MHz encoding = 0x%X, want 0xF", enc)
	}
}

func TestFlashParams_ConfigByte(t *testing.T) {
	c3, _ := ByName("esp32c3")
	params := FlashParams{Size: Size4MB, Mode: ModeDIO, Freq: Freq40MHz}
	cfg, err := params.ConfigByte(c3)
	if err != nil {
		t.Fatalf("ConfigByte() error = %v", err)
	}
	if cfg != 0x20 {
		t.Errorf("config byte = 0x%02X, want 0x20", cfg)
	}

	s3, _ := ByName("esp32s3")
	params = FlashParams{Size: Size32MB, Mode: ModeDIO, Freq: Freq80MHz}
	cfg, err = params.ConfigByte(s3)
	if err != nil {
		t.Fatalf("ConfigByte() error = %v", err)
	}
	if cfg != 0x5F {
		t.Errorf("config byte = 0x%02X, want 0x5F", cfg)
	}
}

func TestParseFlashSize(t *testing.T) {
	size, err := ParseFlashSize("4MB")
	if err != nil || size != Size4MB {
		t.Errorf("ParseFlashSize(4MB) = %v, %v", size, err)
	}
	if _, err := ParseFlashSize("3MB"); err == nil {
		t.Error("ParseFlashSize(3MB) expected error")
	}
}

func TestFlashSizeFromDetected(t *testing.T) {
	size, err := FlashSizeFromDetected(0x16)
	if err != nil || size != Size4MB {
		t.Errorf("FlashSizeFromDetected(0x16) = %v, %v, want 4MB", size, err)
	}
	if _, err := FlashSizeFromDetected(0x01); err == nil {
		t.Error("FlashSizeFromDetected(0x01) expected error")
	}
}

func TestParseFlashMode(t *testing.T) {
	mode, err := ParseFlashMode("dio")
	if err != nil || mode != ModeDIO {
		t.Errorf("ParseFlashMode(dio) = %v, %v", mode, err)
	}
	if _, err := ParseFlashMode("qspi"); err == nil {
		t.Error("ParseFlashMode(qspi) expected error")
	}
}

func TestSupportsWatchdogReset(t *testing.T) {
	c3, _ := ByName("esp32c3")
	if !c3.SupportsWatchdogReset() {
		t.Error("esp32c3 supports watchdog reset")
	}
	c6, _ := ByName("esp32c6")
	if c6.SupportsWatchdogReset() {
		t.Error("esp32c6 has no RTC WDT reset path")
	}
}

func TestRegistryIntegrity(t *testing.T) {
	seenID := map[uint16]Chip{}
	for _, d := range All() {
		if prev, dup := seenID[d.ChipID]; dup {
			t.Errorf("chip id %d claimed by both %v and %v", d.ChipID, prev, d.Chip)
		}
		seenID[d.ChipID] = d.Chip

		if len(d.FlashRanges) == 0 {
			t.Errorf("%v has no flash ranges", d.Chip)
		}
		if d.DefaultAppOffset == 0 {
			t.Errorf("%v has no default app offset", d.Chip)
		}
		if d.DefaultFlashFreq == 0 {
			t.Errorf("%v has no default flash frequency", d.Chip)
		}
	}
}
