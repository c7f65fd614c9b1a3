package image

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/partition"
	"github.com/espgo/espflash/internal/target"
)

const (
	// Magic is the first byte of every ESP-IDF image.
	Magic = 0xE9

	checksumSeed  = 0xEF
	headerLen     = 24
	segHeaderLen  = 8
	wpPinDisabled = 0xEE

	appDescMagic = 0xABCD5432
	appDescSize  = 256
	// Offsets into the app descriptor record.
	appDescMMUPageSizeOffset = 180
)

// Image-level errors.
var (
	ErrTooBigForPartition = errors.New("application does not fit its partition")
	ErrBadAppDescriptor   = errors.New("invalid app descriptor")
	ErrMMUPageSize        = errors.New("MMU page size mismatch")
	ErrBadBootloader      = errors.New("bootloader image is invalid")
)

// Config parameterizes an image build. Zero values select the documented
// defaults.
type Config struct {
	Target *target.Definition
	Params target.FlashParams

	// MinChipRev is the minimum supported chip revision, major*100+minor.
	MinChipRev uint16

	// MMUPageSize overrides the page size; zero derives it from the app
	// descriptor or the chip default.
	MMUPageSize uint32

	// Bootloader is the second-stage loader blob. Nil omits the
	// bootloader segment.
	Bootloader []byte

	// Table is the partition table; nil synthesizes the default layout.
	Table *partition.Table

	// TableOffset places the partition table; zero means 0x8000.
	TableOffset uint32

	// AppPartition names the target partition; empty prefers "factory".
	AppPartition string
}

// Layout is the ordered flash plan produced by a build.
type Layout struct {
	// Segments in ascending flash order: bootloader (optional),
	// partition table, application.
	Segments []flasher.Segment

	AppSize       uint32
	PartitionSize uint32
}

// BuildIDF assembles the ESP-IDF bootloader format: bootloader blob,
// binary partition table and application image, each at its flash offset.
func BuildIDF(elfData []byte, cfg Config) (*Layout, error) {
	if cfg.Target == nil {
		return nil, errors.New("image build requires a target")
	}

	table := cfg.Table
	if table == nil {
		table = partition.Default(cfg.Target, uint32(cfg.Params.Size))
	}
	if err := table.Validate(uint32(cfg.Params.Size)); err != nil {
		return nil, errors.Trace(err)
	}

	tableBin, err := table.ToBinary()
	if err != nil {
		return nil, errors.Trace(err)
	}

	appEntry, err := table.FindApp(cfg.AppPartition)
	if err != nil {
		return nil, errors.Trace(err)
	}

	app, err := buildApp(elfData, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if uint32(len(app)) > appEntry.Size {
		return nil, errors.Annotatef(ErrTooBigForPartition,
			"app is %d bytes, partition %q is %d", len(app), appEntry.Name, appEntry.Size)
	}

	tableOffset := cfg.TableOffset
	if tableOffset == 0 {
		tableOffset = partition.DefaultOffset
	}

	var segments []flasher.Segment
	if cfg.Bootloader != nil {
		bootloader, err := patchBootloader(cfg.Bootloader, cfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		segments = append(segments, flasher.Segment{Addr: cfg.Target.BootAddress, Data: bootloader})
	}
	segments = append(segments,
		flasher.Segment{Addr: tableOffset, Data: tableBin},
		flasher.Segment{Addr: appEntry.Offset, Data: app},
	)

	return &Layout{
		Segments:      segments,
		AppSize:       uint32(len(app)),
		PartitionSize: appEntry.Size,
	}, nil
}

// buildApp produces the application image: header, padded segments,
// XOR checksum and SHA-256 trailer.
func buildApp(elfData []byte, cfg Config) ([]byte, error) {
	prog, err := ParseELF(elfData, cfg.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}

	mmuPageSize, err := resolveMMUPageSize(prog, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	configByte, err := cfg.Params.ConfigByte(cfg.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}

	header := make([]byte, headerLen)
	header[0] = Magic
	header[1] = 0 // segment count, patched below
	header[2] = byte(cfg.Params.Mode)
	header[3] = configByte
	binary.LittleEndian.PutUint32(header[4:8], prog.Entry)
	header[8] = wpPinDisabled
	binary.LittleEndian.PutUint16(header[12:14], cfg.Target.ChipID)
	binary.LittleEndian.PutUint16(header[15:17], cfg.MinChipRev)
	binary.LittleEndian.PutUint16(header[17:19], 0xFFFF) // no max revision
	header[23] = 1                                       // hash appended

	data := append([]byte{}, header...)

	checksum := byte(checksumSeed)
	segmentCount := 0

	ramSegments := append([]flasher.Segment{}, prog.RAMSegments...)

	for _, seg := range prog.FlashSegments {
		// Position the segment so its payload lands page-aligned in the
		// MMU's view, spending RAM segments as filler where they fit.
		for {
			padLen := segmentPadding(len(data), seg.Addr, mmuPageSize)
			if padLen == 0 {
				break
			}

			if padLen > segHeaderLen && len(ramSegments) > 0 {
				front := &ramSegments[0]
				take := min(int(padLen), len(front.Data))
				pad := flasher.Segment{Addr: front.Addr, Data: front.Data[:take]}
				front.Addr += uint32(take)
				front.Data = front.Data[take:]
				if len(front.Data) == 0 {
					ramSegments = ramSegments[1:]
				}
				checksum = appendSegment(&data, pad, checksum)
				segmentCount++
				continue
			}

			appendPadSegment(&data, padLen)
			segmentCount++
		}

		checksum = appendFlashSegment(&data, seg, checksum, mmuPageSize)
		segmentCount++
	}

	for _, seg := range ramSegments {
		checksum = appendSegment(&data, seg, checksum)
		segmentCount++
	}

	// Pad so the checksum byte closes a 16-byte boundary
	padding := 15 - len(data)%16
	data = append(data, make([]byte, padding)...)
	data = append(data, checksum)

	if segmentCount > 0xFF {
		return nil, errors.Errorf("%d segments do not fit the image header", segmentCount)
	}
	data[1] = byte(segmentCount)

	digest := sha256.Sum256(data)
	data = append(data, digest[:]...)

	glog.V(1).Infof("built %d byte image, %d segments, entry 0x%08X",
		len(data), segmentCount, prog.Entry)

	return data, nil
}

// resolveMMUPageSize picks the page size: explicit config, app
// descriptor, then chip default; and cross-checks it against both the
// descriptor and the chip's supported sizes.
func resolveMMUPageSize(prog *Program, cfg Config) (uint32, error) {
	valid := cfg.Target.ValidMMUPageSizes()

	var descPageSize uint32
	if prog.appDescOffset >= 0 {
		if len(prog.FlashSegments) == 0 ||
			prog.appDescOffset+appDescSize > len(prog.FlashSegments[0].Data) {
			return 0, errors.Annotate(ErrBadAppDescriptor, "descriptor extends past its segment")
		}
		desc := prog.FlashSegments[0].Data[prog.appDescOffset:]

		if binary.LittleEndian.Uint32(desc[0:4]) != appDescMagic {
			return 0, errors.Annotatef(ErrBadAppDescriptor,
				"magic word 0x%08X", binary.LittleEndian.Uint32(desc[0:4]))
		}

		if log2 := desc[appDescMMUPageSizeOffset]; log2 != 0 {
			descPageSize = 1 << log2
		}
	}

	pageSize := cfg.MMUPageSize
	if pageSize == 0 {
		pageSize = descPageSize
	}
	if pageSize == 0 {
		pageSize = valid[len(valid)-1]
	}

	if descPageSize != 0 && pageSize != descPageSize {
		return 0, errors.Annotatef(ErrMMUPageSize,
			"build uses 0x%X, app descriptor declares 0x%X", pageSize, descPageSize)
	}

	for _, v := range valid {
		if v == pageSize {
			return pageSize, nil
		}
	}
	return 0, errors.Annotatef(ErrMMUPageSize,
		"0x%X is not supported by %s", pageSize, cfg.Target.Name())
}

// segmentPadding computes the filler needed so that, after the next
// 8-byte segment header, the file offset is congruent with the segment's
// load address modulo the MMU page size.
func segmentPadding(offset int, addr uint32, alignTo uint32) uint32 {
	alignPast := (addr - segHeaderLen) % alignTo
	padLen := (alignTo - uint32(offset)%alignTo + alignPast) % alignTo

	switch {
	case padLen == 0:
		return 0
	case padLen > segHeaderLen:
		return padLen - segHeaderLen
	default:
		return padLen + alignTo - segHeaderLen
	}
}

// appendFlashSegment writes a mapped segment, padding it past the page
// boundary when its tail would land within 0x24 bytes of one. The IDF
// second-stage bootloader does not map the final page in that case.
func appendFlashSegment(data *[]byte, seg flasher.Segment, checksum byte, mmuPageSize uint32) byte {
	endPos := uint32(len(*data)+len(seg.Data)) + segHeaderLen
	if rem := endPos % mmuPageSize; rem < 0x24 {
		seg.Data = append(append([]byte{}, seg.Data...), make([]byte, 0x24-rem)...)
	}
	return appendSegment(data, seg, checksum)
}

// appendSegment writes a segment header and its 4-byte padded payload,
// folding the payload into the running checksum.
func appendSegment(data *[]byte, seg flasher.Segment, checksum byte) byte {
	padding := (4 - len(seg.Data)%4) % 4

	header := make([]byte, segHeaderLen)
	binary.LittleEndian.PutUint32(header[0:4], seg.Addr)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(seg.Data)+padding))

	*data = append(*data, header...)
	*data = append(*data, seg.Data...)
	*data = append(*data, make([]byte, padding)...)

	for _, b := range seg.Data {
		checksum ^= b
	}
	return checksum
}

func appendPadSegment(data *[]byte, length uint32) {
	header := make([]byte, segHeaderLen)
	binary.LittleEndian.PutUint32(header[4:8], length)
	*data = append(*data, header...)
	*data = append(*data, make([]byte, length)...)
}

// patchBootloader rewrites the flash mode/size/frequency config of a
// bootloader blob and recomputes its appended SHA-256.
func patchBootloader(blob []byte, cfg Config) ([]byte, error) {
	if len(blob) < headerLen {
		return nil, errors.Annotate(ErrBadBootloader, "shorter than an image header")
	}
	if blob[0] != Magic {
		return nil, errors.Annotatef(ErrBadBootloader, "magic 0x%02X", blob[0])
	}

	patched := append([]byte{}, blob...)
	configByte, err := cfg.Params.ConfigByte(cfg.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}
	patched[2] = byte(cfg.Params.Mode)
	patched[3] = configByte

	// Walk the segment table to find the checksum and digest positions
	segCount := int(patched[1])
	pos := headerLen
	for i := 0; i < segCount; i++ {
		if pos+segHeaderLen > len(patched) {
			return nil, errors.Annotate(ErrBadBootloader, "truncated segment table")
		}
		segLen := binary.LittleEndian.Uint32(patched[pos+4 : pos+8])
		pos += segHeaderLen + int(segLen)
	}

	// Checksum byte closes the 16-byte boundary, digest follows
	pos++
	pos += (16 - pos%16) % 16
	if patched[23] != 1 {
		// No appended digest to refresh
		return patched, nil
	}
	if pos+sha256.Size > len(patched) {
		return nil, errors.Annotate(ErrBadBootloader, "no room for digest")
	}

	digest := sha256.Sum256(patched[:pos])
	copy(patched[pos:], digest[:])

	return patched, nil
}
