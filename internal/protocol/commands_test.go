package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestBeginData_NoEncryption(t *testing.T) {
	data := BeginData(0x1000, 4, 0x400, 0x10000, false)
	if len(data) != 16 {
		t.Fatalf("len = %d, want 16", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 0x1000 {
		t.Errorf("size = 0x%X, want 0x1000", got)
	}
	if got := binary.LittleEndian.Uint32(data[12:16]); got != 0x10000 {
		t.Errorf("offset = 0x%X, want 0x10000", got)
	}
}

func TestBeginData_WithEncryption(t *testing.T) {
	data := BeginData(0x1000, 4, 0x400, 0, true)
	if len(data) != 20 {
		t.Fatalf("len = %d, want 20", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[16:20]); got != 0 {
		t.Errorf("encrypted word = %d, want 0", got)
	}
}

func TestBlockData_PadsWithByte(t *testing.T) {
	block := []byte{0x01, 0xA0}
	data := BlockData(block, 8, 0xFF, 3)

	if len(data) != 16+8 {
		t.Fatalf("len = %d, want 24", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 8 {
		t.Errorf("size field = %d, want 8", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 3 {
		t.Errorf("sequence = %d, want 3", got)
	}
	if !bytes.Equal(data[16:18], block) {
		t.Error("block bytes not copied")
	}
	for i := 18; i < 24; i++ {
		if data[i] != 0xFF {
			t.Fatalf("pad byte at %d = 0x%02X, want 0xFF", i, data[i])
		}
	}
}

func TestBlockData_NoPadWhenFull(t *testing.T) {
	block := bytes.Repeat([]byte{0xAB}, 8)
	data := BlockData(block, 8, 0xFF, 0)
	if len(data) != 24 {
		t.Fatalf("len = %d, want 24", len(data))
	}
}

func TestEndData_RebootEncoding(t *testing.T) {
	// 0 = reboot, 1 = stay in loader
	if got := binary.LittleEndian.Uint32(EndData(true)); got != 0 {
		t.Errorf("EndData(reboot) = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(EndData(false)); got != 1 {
		t.Errorf("EndData(stay) = %d, want 1", got)
	}
}

func TestMemEndData(t *testing.T) {
	data := MemEndData(false, 0x40380000)
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 0 {
		t.Errorf("no_entry = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 0x40380000 {
		t.Errorf("entry = 0x%X, want 0x40380000", got)
	}
}

func TestChangeBaudData(t *testing.T) {
	data := ChangeBaudData(921600, 115200)
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 921600 {
		t.Errorf("new baud = %d, want 921600", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 115200 {
		t.Errorf("prior baud = %d, want 115200", got)
	}
}

func TestSpiAttachData_RomVsStub(t *testing.T) {
	rom := SpiAttachData(0, 0, 0, 0, 0, false)
	if len(rom) != 8 {
		t.Errorf("ROM attach len = %d, want 8", len(rom))
	}
	stub := SpiAttachData(0, 0, 0, 0, 0, true)
	if len(stub) != 4 {
		t.Errorf("stub attach len = %d, want 4", len(stub))
	}
}

func TestSpiAttachData_PinPacking(t *testing.T) {
	// ESP32-PICO-D4 pin set
	data := SpiAttachData(6, 17, 8, 11, 16, true)
	packed := binary.LittleEndian.Uint32(data)
	want := uint32(11)<<24 | uint32(16)<<18 | uint32(8)<<12 | uint32(17)<<6 | 6
	if packed != want {
		t.Errorf("packed = 0x%08X, want 0x%08X", packed, want)
	}
}

func TestSpiSetParamsData(t *testing.T) {
	data := SpiSetParamsData(4 * 1024 * 1024)
	if len(data) != 24 {
		t.Fatalf("len = %d, want 24", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 4*1024*1024 {
		t.Errorf("total size = %d, want 4MB", got)
	}
	if got := binary.LittleEndian.Uint32(data[16:20]); got != 256 {
		t.Errorf("page size = %d, want 256", got)
	}
}

func TestReadFlashData(t *testing.T) {
	data := ReadFlashData(0x1000, 0x4000, 0x400, 64)
	if got := binary.LittleEndian.Uint32(data[8:12]); got != 0x400 {
		t.Errorf("block size = 0x%X, want 0x400", got)
	}
	if got := binary.LittleEndian.Uint32(data[12:16]); got != 64 {
		t.Errorf("max in flight = %d, want 64", got)
	}
}

func TestCommandTimeout(t *testing.T) {
	if got := CommandTimeout(CmdSync); got != SyncTimeout {
		t.Errorf("sync timeout = %v, want %v", got, SyncTimeout)
	}
	if got := CommandTimeout(CmdEraseFlash); got != EraseChipTimeout {
		t.Errorf("erase flash timeout = %v, want %v", got, EraseChipTimeout)
	}
	if got := CommandTimeout(CmdReadReg); got != DefaultTimeout {
		t.Errorf("read reg timeout = %v, want %v", got, DefaultTimeout)
	}
}

func TestTimeoutForSize_Scales(t *testing.T) {
	small := TimeoutForSize(CmdEraseRegion, 0x1000)
	if small != CommandTimeout(CmdEraseRegion) {
		t.Errorf("small erase timeout = %v, want floor %v", small, CommandTimeout(CmdEraseRegion))
	}

	big := TimeoutForSize(CmdEraseRegion, 16*1024*1024)
	if big < 8*time.Minute {
		t.Errorf("16MB erase timeout = %v, want >= 8m", big)
	}
}

func TestParseSecurityInfo_Short(t *testing.T) {
	// Pre-chip-id layout: flags + crypt count + key purposes only
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], SecFlagSecureBootEnabled)

	info, err := ParseSecurityInfo(data)
	if err != nil {
		t.Fatalf("ParseSecurityInfo() error = %v", err)
	}
	if info.Flags != SecFlagSecureBootEnabled {
		t.Errorf("flags = 0x%X, want 0x%X", info.Flags, SecFlagSecureBootEnabled)
	}
	if info.ChipID != 0 {
		t.Errorf("chip id = %d, want 0 for short payload", info.ChipID)
	}
}

func TestParseSecurityInfo_WithChipID(t *testing.T) {
	data := make([]byte, 20)
	binary.LittleEndian.PutUint32(data[12:16], 13) // ESP32-C6

	info, err := ParseSecurityInfo(data)
	if err != nil {
		t.Fatalf("ParseSecurityInfo() error = %v", err)
	}
	if info.ChipID != 13 {
		t.Errorf("chip id = %d, want 13", info.ChipID)
	}
}

func TestParseSecurityInfo_TooShort(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0x01}, make([]byte, 11)} {
		if _, err := ParseSecurityInfo(data); err == nil {
			t.Errorf("ParseSecurityInfo(%d bytes) expected error", len(data))
		}
	}
}

func TestSecureDownloadEnabled(t *testing.T) {
	info := &SecurityInfo{Flags: SecFlagSecureDownloadEnabled}
	if !info.SecureDownloadEnabled() {
		t.Error("SecureDownloadEnabled() = false, want true")
	}
}

func TestErrorMessage_Known(t *testing.T) {
	if msg := ErrorMessage(ErrDeflateError); msg != "deflate error" {
		t.Errorf("ErrorMessage(deflate) = %q", msg)
	}
	if msg := ErrorMessage(0x42); msg != "unknown error" {
		t.Errorf("ErrorMessage(0x42) = %q, want unknown", msg)
	}
}
