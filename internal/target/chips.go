package target

// Register and layout constants in this file mirror the ROM and eFuse
// documentation for each chip revision. Magic values cover every known
// silicon revision of a family.

var standardFreqEncodings = map[FlashFrequency]byte{
	Freq20MHz: 0x2,
	Freq26MHz: 0x1,
	Freq40MHz: 0x0,
	Freq80MHz: 0xF,
}

var esp32 = &Definition{
	Chip:        ESP32,
	ChipID:      0,
	MagicValues: []uint32{0x00F01D83},

	BootAddress:      0x1000,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x400D0000, 0x40400000}, // IROM
		{0x3F400000, 0x3F800000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal26MHz, Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x3FF42000,
		Usr:      0x1C,
		Usr1:     0x20,
		Usr2:     0x24,
		W0:       0x80,
		MosiDlen: 0x28,
		MisoDlen: 0x2C,
	},

	EfuseBase:         0x3FF5A000,
	EfuseBlock0Offset: 0x0,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 0, Word: 2, BitStart: 64, BitCount: 32},
		MacHigh:           EfuseField{Block: 0, Word: 1, BitStart: 47, BitCount: 16},
		BlockWords:        []uint32{7, 8, 8, 8},
		WaferVersionMajor: EfuseField{Block: 0, Word: 3, BitStart: 111, BitCount: 1},
		WaferVersionMinor: EfuseField{Block: 0, Word: 5, BitStart: 184, BitCount: 2},
		SecureBootEnabled: EfuseField{Block: 0, Word: 6, BitStart: 201, BitCount: 1},
	},

	UartClkdivReg:  0x3FF40014,
	XtalClkDivider: 1,

	SupportsEncryption: false,
}

var esp32s2 = &Definition{
	Chip:        ESP32S2,
	ChipID:      2,
	MagicValues: []uint32{0x000007C6},

	BootAddress:      0x1000,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x100000,

	FlashRanges: []MemRegion{
		{0x40080000, 0x40800000}, // IROM
		{0x3F000000, 0x3F3F0000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x3F402000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x3F41A000,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{6, 6, 8, 8},
		WaferVersionMajor: EfuseField{Block: 1, Word: 3, BitStart: 118, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:       EfuseField{Block: 0, Word: 1, BitStart: 45, BitCount: 1},
	},

	WdtWprotect: 0x3F4080AC,
	WdtConfig0:  0x3F408094,
	WdtConfig1:  0x3F408098,

	UartDevBufNo:       0x3FFFFD14,
	UartDevBufNoUsbOtg: 2,

	SupportsEncryption: true,
}

var esp32s3 = &Definition{
	Chip:        ESP32S3,
	ChipID:      9,
	MagicValues: []uint32{0x9},

	BootAddress:      0x0,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x100000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x44000000}, // IROM
		{0x3C000000, 0x3E000000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x60007000,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:              EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:             EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:          []uint32{6, 6, 8, 8},
		WaferVersionMajor:   EfuseField{Block: 1, Word: 5, BitStart: 184, BitCount: 2},
		WaferVersionMinor:   EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 3},
		WaferVersionMinorHi: EfuseField{Block: 1, Word: 5, BitStart: 183, BitCount: 1},
		SecureBootEnabled:   EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:         EfuseField{Block: 0, Word: 1, BitStart: 45, BitCount: 1},
	},

	WdtWprotect: 0x600080B0,
	WdtConfig0:  0x60008098,
	WdtConfig1:  0x6000809C,

	UartDevBufNo:       0x3FCEF14C,
	UartDevBufNoUsbOtg: 3,

	SupportsEncryption: true,
}

var esp32c2 = &Definition{
	Chip:        ESP32C2,
	ChipID:      12,
	MagicValues: []uint32{0x6F51306F, 0x7C41A06F},

	BootAddress:      0x0,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x1F0000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x42400000}, // IROM
		{0x3C000000, 0x3C400000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal26MHz, Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: map[FlashFrequency]byte{
		Freq15MHz: 0x2,
		Freq20MHz: 0x1,
		Freq30MHz: 0x0,
		Freq60MHz: 0xF,
	},
	DefaultFlashFreq: Freq30MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x60008800,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{2, 3, 8, 8},
		WaferVersionMajor: EfuseField{Block: 2, Word: 1, BitStart: 52, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 2, Word: 1, BitStart: 48, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 1, BitStart: 53, BitCount: 1},
	},

	UartClkdivReg:  0x60000014,
	XtalClkDivider: 1,

	MMUPageSizes: []uint32{16 * 1024, 32 * 1024, 64 * 1024},

	SupportsEncryption: true,
}

var esp32c3 = &Definition{
	Chip:   ESP32C3,
	ChipID: 5,
	MagicValues: []uint32{
		0x6921506F, // ECO1 + ECO2
		0x1B31506F, // ECO3
		0x4881606F, // ECO6
		0x4361606F, // ECO7
	},

	BootAddress:      0x0,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x42800000}, // IROM
		{0x3C000000, 0x3C800000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x60008800,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:              EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:             EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:          []uint32{6, 6, 8, 8},
		WaferVersionMajor:   EfuseField{Block: 0, Word: 5, BitStart: 184, BitCount: 2},
		WaferVersionMinor:   EfuseField{Block: 0, Word: 3, BitStart: 114, BitCount: 3},
		WaferVersionMinorHi: EfuseField{Block: 0, Word: 5, BitStart: 183, BitCount: 1},
		SecureBootEnabled:   EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:         EfuseField{Block: 0, Word: 1, BitStart: 47, BitCount: 1},
	},

	WdtWprotect: 0x600080A8,
	WdtConfig0:  0x60008090,
	WdtConfig1:  0x60008094,

	SupportsEncryption: true,
}

var esp32c5 = &Definition{
	Chip:   ESP32C5,
	ChipID: 23,
	// The C5 ROM reports no usable magic value; detection goes through
	// GET_SECURITY_INFO.
	MagicValues: nil,

	BootAddress:      0x2000,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x44000000}, // IROM
		{0x3C000000, 0x3E000000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz, Xtal48MHz},
	DefaultXtal: Xtal48MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x600B4800,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{6, 6, 8, 8},
		WaferVersionMajor: EfuseField{Block: 1, Word: 3, BitStart: 118, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:       EfuseField{Block: 0, Word: 1, BitStart: 43, BitCount: 1},
	},

	MMUPageSizes: []uint32{8 * 1024, 16 * 1024, 32 * 1024, 64 * 1024},

	SupportsEncryption: true,
}

var esp32c6 = &Definition{
	Chip:        ESP32C6,
	ChipID:      13,
	MagicValues: []uint32{0x2CE0806F},

	BootAddress:      0x0,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x43000000}, // IROM
		{0x3C000000, 0x3D000000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x600B0800,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{6, 6, 8, 8},
		WaferVersionMajor: EfuseField{Block: 1, Word: 3, BitStart: 118, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:       EfuseField{Block: 0, Word: 1, BitStart: 47, BitCount: 1},
	},

	MMUPageSizes: []uint32{8 * 1024, 16 * 1024, 32 * 1024, 64 * 1024},

	SupportsEncryption: true,
}

var esp32h2 = &Definition{
	Chip:        ESP32H2,
	ChipID:      16,
	MagicValues: []uint32{0xD7B73E80},

	BootAddress:      0x0,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x42000000, 0x43000000}, // IROM
		{0x3C000000, 0x3D000000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal32MHz},
	DefaultXtal: Xtal32MHz,

	FlashFreqEncodings: map[FlashFrequency]byte{
		Freq12MHz: 0x2,
		Freq16MHz: 0x1,
		Freq24MHz: 0x0,
		Freq48MHz: 0xF,
	},
	DefaultFlashFreq: Freq24MHz,

	SpiRegs: SpiRegisters{
		Base:     0x60002000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x600B0800,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{6, 6, 8, 8},
		WaferVersionMajor: EfuseField{Block: 1, Word: 3, BitStart: 118, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:       EfuseField{Block: 0, Word: 1, BitStart: 47, BitCount: 1},
	},

	MMUPageSizes: []uint32{8 * 1024, 16 * 1024, 32 * 1024, 64 * 1024},

	SupportsEncryption: true,
}

var esp32p4 = &Definition{
	Chip:        ESP32P4,
	ChipID:      18,
	MagicValues: []uint32{0x0, 0x0ADDBAD0},

	BootAddress:      0x2000,
	DefaultAppOffset: 0x10000,
	DefaultAppSize:   0x3F0000,

	FlashRanges: []MemRegion{
		{0x40000000, 0x44000000}, // IROM
		{0x48000000, 0x4C000000}, // DROM
	},

	XtalOptions: []XtalFrequency{Xtal40MHz},
	DefaultXtal: Xtal40MHz,

	FlashFreqEncodings: standardFreqEncodings,
	DefaultFlashFreq:   Freq40MHz,

	SpiRegs: SpiRegisters{
		Base:     0x5008D000,
		Usr:      0x18,
		Usr1:     0x1C,
		Usr2:     0x20,
		W0:       0x58,
		MosiDlen: 0x24,
		MisoDlen: 0x28,
	},

	EfuseBase:         0x5012D000,
	EfuseBlock0Offset: 0x2C,
	Efuse: EfuseLayout{
		MacLow:            EfuseField{Block: 1, Word: 0, BitStart: 0, BitCount: 32},
		MacHigh:           EfuseField{Block: 1, Word: 1, BitStart: 32, BitCount: 16},
		BlockWords:        []uint32{6, 6, 8, 8},
		WaferVersionMajor: EfuseField{Block: 1, Word: 3, BitStart: 118, BitCount: 2},
		WaferVersionMinor: EfuseField{Block: 1, Word: 3, BitStart: 114, BitCount: 4},
		SecureBootEnabled: EfuseField{Block: 0, Word: 3, BitStart: 116, BitCount: 1},
		USBDisabled:       EfuseField{Block: 0, Word: 1, BitStart: 43, BitCount: 1},
	},

	WdtWprotect: 0x50116018,
	WdtConfig0:  0x50116000,
	WdtConfig1:  0x50116004,

	UartDevBufNo:       0x4FF3FEC8,
	UartDevBufNoUsbOtg: 5,

	SupportsEncryption: true,
}

var registry = []*Definition{
	esp32,
	esp32s2,
	esp32s3,
	esp32c2,
	esp32c3,
	esp32c5,
	esp32c6,
	esp32h2,
	esp32p4,
}
