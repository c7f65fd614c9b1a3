// Package partition implements the ESP-IDF partition table: the CSV
// source grammar, the 32-byte binary records with their MD5 trailer, and
// the validation rules both forms share.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/target"
)

const (
	// EntrySize is the binary record size.
	EntrySize = 32
	// MaxBinarySize is the partition-table region on flash.
	MaxBinarySize = 0xC00
	// DefaultOffset is where the table conventionally lives.
	DefaultOffset = 0x8000

	// Magic prefix of an entry record.
	magic0 = 0xAA
	magic1 = 0x50
	// Magic prefix of the MD5 trailer record.
	trailer0 = 0xEB
	trailer1 = 0xEB

	sectorSize   = 0x1000
	appAlignment = 0x10000
	maxLabelLen  = 16
)

// Sentinel errors for the validation failure modes.
var (
	ErrOverlap      = errors.New("partition entries overlap")
	ErrMisaligned   = errors.New("partition offset misaligned")
	ErrLabelTooLong = errors.New("partition label exceeds 16 bytes")
	ErrTooLarge     = errors.New("partition table exceeds its flash region")
	ErrBadChecksum  = errors.New("partition table MD5 mismatch")
	ErrNoMagic      = errors.New("not a partition table: bad record magic")
	ErrDoesNotFit   = errors.New("partitions do not fit in flash")
)

// Type is the partition type byte.
type Type byte

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

// App subtypes.
const (
	SubTypeFactory byte = 0x00
	SubTypeOTA0    byte = 0x10 // ota_0 through ota_15 are contiguous
	SubTypeTest    byte = 0x20
)

// Data subtypes.
const (
	SubTypeOTAData  byte = 0x00
	SubTypePhy      byte = 0x01
	SubTypeNvs      byte = 0x02
	SubTypeCoreDump byte = 0x03
	SubTypeNvsKeys  byte = 0x04
	SubTypeEfuse    byte = 0x05
	SubTypeFat      byte = 0x81
	SubTypeSpiffs   byte = 0x82
)

// Flag bits.
const (
	FlagEncrypted uint32 = 1 << 0
	FlagReadOnly  uint32 = 1 << 1
)

// Entry is one partition.
type Entry struct {
	Name    string
	Type    Type
	SubType byte
	Offset  uint32
	Size    uint32
	Flags   uint32
}

// End returns the first byte past the partition.
func (e *Entry) End() uint32 {
	return e.Offset + e.Size
}

// Table is an ordered set of partitions.
type Table struct {
	Entries []Entry
}

// Find returns the entry with the given label, or nil.
func (t *Table) Find(name string) *Entry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// FindApp resolves the partition an application image should land in: the
// named partition if given, else "factory", else the first app entry.
func (t *Table) FindApp(name string) (*Entry, error) {
	if name != "" {
		e := t.Find(name)
		if e == nil {
			return nil, errors.Errorf("app partition %q not found", name)
		}
		return e, nil
	}
	if e := t.Find("factory"); e != nil {
		return e, nil
	}
	for i := range t.Entries {
		if t.Entries[i].Type == TypeApp {
			return &t.Entries[i], nil
		}
	}
	return nil, errors.New("no app partition in table")
}

// Validate checks alignment, overlap and capacity. flashSize of zero
// skips the capacity check.
func (t *Table) Validate(flashSize uint32) error {
	for i := range t.Entries {
		e := &t.Entries[i]
		if len(e.Name) > maxLabelLen {
			return errors.Annotatef(ErrLabelTooLong, "%q", e.Name)
		}
		if e.Size < sectorSize {
			return errors.Errorf("partition %q is smaller than one sector (0x%X)", e.Name, e.Size)
		}
		if e.Offset%sectorSize != 0 {
			return errors.Annotatef(ErrMisaligned, "%q at 0x%X", e.Name, e.Offset)
		}
		if e.Type == TypeApp && e.Offset%appAlignment != 0 {
			return errors.Annotatef(ErrMisaligned, "app partition %q must be 0x10000-aligned, is at 0x%X", e.Name, e.Offset)
		}
	}

	sorted := make([]Entry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].End() > sorted[i].Offset {
			return errors.Annotatef(ErrOverlap, "%q and %q", sorted[i-1].Name, sorted[i].Name)
		}
	}

	if flashSize > 0 && len(sorted) > 0 {
		if last := sorted[len(sorted)-1]; last.End() > flashSize {
			return errors.Annotatef(ErrDoesNotFit, "%q ends at 0x%X, flash is 0x%X", last.Name, last.End(), flashSize)
		}
	}

	return nil
}

// ToBinary serializes the table: one 32-byte record per entry followed by
// the MD5 trailer. Tables longer than the flash region are refused.
func (t *Table) ToBinary() ([]byte, error) {
	total := (len(t.Entries) + 1) * EntrySize
	if total > MaxBinarySize {
		return nil, errors.Annotatef(ErrTooLarge, "%d bytes > 0x%X", total, MaxBinarySize)
	}

	var buf bytes.Buffer
	for i := range t.Entries {
		e := &t.Entries[i]
		record := make([]byte, EntrySize)
		record[0] = magic0
		record[1] = magic1
		record[2] = byte(e.Type)
		record[3] = e.SubType
		binary.LittleEndian.PutUint32(record[4:8], e.Offset)
		binary.LittleEndian.PutUint32(record[8:12], e.Size)
		copy(record[12:28], e.Name)
		binary.LittleEndian.PutUint32(record[28:32], e.Flags)
		buf.Write(record)
	}

	sum := md5.Sum(buf.Bytes())
	trailer := make([]byte, EntrySize)
	trailer[0] = trailer0
	trailer[1] = trailer1
	for i := 2; i < 16; i++ {
		trailer[i] = 0xFF
	}
	copy(trailer[16:], sum[:])
	buf.Write(trailer)

	return buf.Bytes(), nil
}

// ParseBinary decodes a binary table, verifying the MD5 trailer. Erased
// bytes after the trailer are ignored.
func ParseBinary(data []byte) (*Table, error) {
	table := &Table{}

	for pos := 0; pos+EntrySize <= len(data); pos += EntrySize {
		record := data[pos : pos+EntrySize]

		if record[0] == trailer0 && record[1] == trailer1 {
			sum := md5.Sum(data[:pos])
			if !bytes.Equal(record[16:32], sum[:]) {
				return nil, errors.Annotatef(ErrBadChecksum,
					"stored %x, computed %x", record[16:32], sum)
			}
			return table, nil
		}

		if record[0] != magic0 || record[1] != magic1 {
			return nil, errors.Annotatef(ErrNoMagic, "record %d starts 0x%02X%02X",
				pos/EntrySize, record[0], record[1])
		}

		table.Entries = append(table.Entries, Entry{
			Name:    string(bytes.TrimRight(record[12:28], "\x00")),
			Type:    Type(record[2]),
			SubType: record[3],
			Offset:  binary.LittleEndian.Uint32(record[4:8]),
			Size:    binary.LittleEndian.Uint32(record[8:12]),
			Flags:   binary.LittleEndian.Uint32(record[28:32]),
		})
	}

	return nil, errors.New("partition table has no MD5 trailer")
}

// ParseCSV parses the CSV source form. Lines are
// "name, type, subtype, offset, size, flags"; '#' starts a comment; a
// blank offset auto-places the entry after the preceding one.
func ParseCSV(data []byte) (*Table, error) {
	table := &Table{}
	var lines []int

	// Auto-placement starts just past the table's own sector.
	nextOffset := uint32(DefaultOffset + sectorSize)

	for lineNo, rawLine := range strings.Split(string(data), "\n") {
		line := rawLine
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		for len(fields) < 6 {
			fields = append(fields, "")
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) > 6 {
			return nil, errors.Errorf("line %d: %d fields, want at most 6", lineNo+1, len(fields))
		}

		entry, err := parseEntry(fields, nextOffset)
		if err != nil {
			return nil, errors.Annotatef(err, "line %d", lineNo+1)
		}

		table.Entries = append(table.Entries, *entry)
		lines = append(lines, lineNo+1)
		nextOffset = align(entry.End(), sectorSize)
	}

	// Overlaps are reported against the line of the later entry.
	for i := range table.Entries {
		for j := range table.Entries {
			if i == j {
				continue
			}
			a, b := &table.Entries[i], &table.Entries[j]
			if a.Offset <= b.Offset && a.End() > b.Offset {
				line, later, earlier := lines[j], b, a
				if lines[i] > lines[j] {
					line, later, earlier = lines[i], a, b
				}
				return nil, errors.Annotatef(ErrOverlap,
					"line %d: %q overlaps %q", line, later.Name, earlier.Name)
			}
		}
	}

	if err := table.Validate(0); err != nil {
		return nil, errors.Trace(err)
	}
	return table, nil
}

func parseEntry(fields []string, autoOffset uint32) (*Entry, error) {
	name := fields[0]
	if len(name) > maxLabelLen {
		return nil, errors.Annotatef(ErrLabelTooLong, "%q", name)
	}

	ty, err := parseType(fields[1])
	if err != nil {
		return nil, errors.Trace(err)
	}

	subType, err := parseSubType(ty, fields[2])
	if err != nil {
		return nil, errors.Trace(err)
	}

	var offset uint32
	if fields[3] == "" {
		offset = autoOffset
		if ty == TypeApp {
			offset = align(offset, appAlignment)
		}
	} else {
		offset, err = parseNumber(fields[3])
		if err != nil {
			return nil, errors.Annotate(err, "offset")
		}
	}

	size, err := parseNumber(fields[4])
	if err != nil {
		return nil, errors.Annotate(err, "size")
	}

	// Flags are colon-separated: the record line is already split on
	// commas, so a list inside one field needs its own delimiter.
	var flags uint32
	if fields[5] != "" {
		for _, flag := range strings.Split(fields[5], ":") {
			switch strings.TrimSpace(flag) {
			case "encrypted":
				flags |= FlagEncrypted
			case "readonly":
				flags |= FlagReadOnly
			case "":
			default:
				return nil, errors.Errorf("unknown flag %q", flag)
			}
		}
	}

	return &Entry{
		Name:    name,
		Type:    ty,
		SubType: subType,
		Offset:  offset,
		Size:    size,
		Flags:   flags,
	}, nil
}

func parseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	n, err := parseNumber(s)
	if err != nil || n > 0xFF {
		return 0, errors.Errorf("invalid partition type %q", s)
	}
	return Type(n), nil
}

var appSubTypes = map[string]byte{
	"factory": SubTypeFactory,
	"test":    SubTypeTest,
}

var dataSubTypes = map[string]byte{
	"ota":      SubTypeOTAData,
	"phy":      SubTypePhy,
	"nvs":      SubTypeNvs,
	"coredump": SubTypeCoreDump,
	"nvs_keys": SubTypeNvsKeys,
	"efuse":    SubTypeEfuse,
	"fat":      SubTypeFat,
	"spiffs":   SubTypeSpiffs,
}

func parseSubType(ty Type, s string) (byte, error) {
	lower := strings.ToLower(s)
	switch ty {
	case TypeApp:
		if sub, ok := appSubTypes[lower]; ok {
			return sub, nil
		}
		if strings.HasPrefix(lower, "ota_") {
			n, err := strconv.ParseUint(lower[4:], 10, 8)
			if err == nil && n <= 15 {
				return SubTypeOTA0 + byte(n), nil
			}
		}
	case TypeData:
		if sub, ok := dataSubTypes[lower]; ok {
			return sub, nil
		}
	}
	n, err := parseNumber(s)
	if err != nil || n > 0xFF {
		return 0, errors.Errorf("invalid subtype %q", s)
	}
	return byte(n), nil
}

// parseNumber accepts hex (0x prefix), decimal, and decimal with a K/M
// multiplier suffix.
func parseNumber(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty number")
	}

	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(strings.ToUpper(s), "K"):
		multiplier = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(strings.ToUpper(s), "M"):
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", s)
	}

	value *= multiplier
	if value > 0xFFFFFFFF {
		return 0, errors.Errorf("number %q out of range", s)
	}
	return uint32(value), nil
}

func align(v, to uint32) uint32 {
	return (v + to - 1) / to * to
}

// ToCSV renders the table in the canonical CSV form.
func (t *Table) ToCSV() []byte {
	var buf bytes.Buffer
	buf.WriteString("# Name,Type,SubType,Offset,Size,Flags\n")
	for i := range t.Entries {
		e := &t.Entries[i]
		var flags []string
		if e.Flags&FlagEncrypted != 0 {
			flags = append(flags, "encrypted")
		}
		if e.Flags&FlagReadOnly != 0 {
			flags = append(flags, "readonly")
		}
		fmt.Fprintf(&buf, "%s,%s,%s,0x%x,0x%x,%s\n",
			e.Name, typeName(e.Type), subTypeName(e.Type, e.SubType), e.Offset, e.Size,
			strings.Join(flags, ":"))
	}
	return buf.Bytes()
}

func typeName(ty Type) string {
	switch ty {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("0x%02x", byte(ty))
	}
}

func subTypeName(ty Type, sub byte) string {
	switch ty {
	case TypeApp:
		if sub == SubTypeFactory {
			return "factory"
		}
		if sub == SubTypeTest {
			return "test"
		}
		if sub >= SubTypeOTA0 && sub < SubTypeOTA0+16 {
			return fmt.Sprintf("ota_%d", sub-SubTypeOTA0)
		}
	case TypeData:
		for name, b := range dataSubTypes {
			if b == sub {
				return name
			}
		}
	}
	return fmt.Sprintf("0x%02x", sub)
}

// Default synthesizes the conventional nvs/phy_init/factory layout, with
// the app partition scaled to the available flash.
func Default(def *target.Definition, flashSize uint32) *Table {
	const (
		nvsOffset  = 0x9000
		nvsSize    = 0x6000
		phyOffset  = 0xF000
		phySize    = 0x1000
		maxAppSize = 16 * 1000 * 1024
	)

	appOffset := def.DefaultAppOffset
	appSize := def.DefaultAppSize
	if flashSize > appOffset {
		appSize = min(flashSize-appOffset, uint32(maxAppSize))
	}

	return &Table{Entries: []Entry{
		{Name: "nvs", Type: TypeData, SubType: SubTypeNvs, Offset: nvsOffset, Size: nvsSize},
		{Name: "phy_init", Type: TypeData, SubType: SubTypePhy, Offset: phyOffset, Size: phySize},
		{Name: "factory", Type: TypeApp, SubType: SubTypeFactory, Offset: appOffset, Size: appSize},
	}}
}
