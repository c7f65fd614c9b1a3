// Package image turns a linked ELF into the bootable flash layout:
// ESP-IDF application images with their header, checksum and SHA-256
// trailer, plus the historical direct-boot form.
package image

import (
	"bytes"
	"debug/elf"
	"io"
	"sort"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/target"
)

// Program holds the loadable content of a parsed ELF, split by
// destination memory.
type Program struct {
	Entry         uint32
	FlashSegments []flasher.Segment
	RAMSegments   []flasher.Segment

	appDescOffset int // offset of .flash.appdesc into its segment, -1 if absent
}

// ParseELF extracts the loadable segments of an ELF and classifies them
// by the target's memory map.
func ParseELF(elfData []byte, def *target.Definition) (*Program, error) {
	f, err := elf.NewFile(bytes.NewReader(elfData))
	if err != nil {
		return nil, errors.Annotate(err, "parsing ELF")
	}
	defer f.Close()

	prog := &Program{
		Entry:         uint32(f.Entry),
		appDescOffset: -1,
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}

		addr := uint32(p.Paddr)
		if addr == 0 {
			addr = uint32(p.Vaddr)
		}

		data, err := io.ReadAll(io.LimitReader(p.Open(), int64(p.Filesz)))
		if err != nil {
			return nil, errors.Annotate(err, "reading ELF segment")
		}
		if len(data) == 0 {
			continue
		}

		seg := flasher.Segment{Addr: addr, Data: data}
		if def.IsFlashAddress(addr) {
			prog.FlashSegments = append(prog.FlashSegments, seg)
		} else {
			prog.RAMSegments = append(prog.RAMSegments, seg)
		}
	}

	prog.FlashSegments = padAlign(mergeAdjacent(prog.FlashSegments))
	prog.RAMSegments = padAlign(mergeAdjacent(prog.RAMSegments))

	// Locate the app descriptor and bubble its segment to the front so
	// the descriptor lands right after the image header.
	if appdesc := sectionAddr(f, ".flash.appdesc"); appdesc != 0 {
		for i := range prog.FlashSegments {
			s := &prog.FlashSegments[i]
			if appdesc >= s.Addr && appdesc < s.Addr+uint32(len(s.Data)) {
				rotated := append([]flasher.Segment{prog.FlashSegments[i]},
					append(append([]flasher.Segment{}, prog.FlashSegments[:i]...),
						prog.FlashSegments[i+1:]...)...)
				prog.FlashSegments = rotated
				prog.appDescOffset = int(appdesc - s.Addr)
				break
			}
		}
	}

	return prog, nil
}

func sectionAddr(f *elf.File, name string) uint32 {
	if s := f.Section(name); s != nil {
		return uint32(s.Addr)
	}
	return 0
}

// mergeAdjacent joins segments that are contiguous, or would be after
// 4-byte alignment padding of the earlier one.
func mergeAdjacent(segments []flasher.Segment) []flasher.Segment {
	if len(segments) == 0 {
		return nil
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Addr < segments[j].Addr })

	merged := []flasher.Segment{segments[0]}
	for _, seg := range segments[1:] {
		last := &merged[len(merged)-1]
		lastEnd := last.Addr + uint32(len(last.Data))

		maxPad := (4 - lastEnd%4) % 4
		if lastEnd+maxPad >= seg.Addr && seg.Addr >= lastEnd {
			gap := int(seg.Addr - lastEnd)
			last.Data = append(last.Data, make([]byte, gap)...)
			last.Data = append(last.Data, seg.Data...)
			continue
		}

		merged = append(merged, seg)
	}

	return merged
}

// padAlign pads every segment's data to a 4-byte multiple.
func padAlign(segments []flasher.Segment) []flasher.Segment {
	for i := range segments {
		if rem := len(segments[i].Data) % 4; rem != 0 {
			segments[i].Data = append(segments[i].Data, make([]byte, 4-rem)...)
		}
	}
	return segments
}
