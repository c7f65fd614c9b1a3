package image

import (
	"bytes"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/target"
)

// directBootMagic opens every direct-boot image.
var directBootMagic = []byte{0x1D, 0x04, 0xDB, 0xAE, 0x1D, 0x04, 0xDB, 0xAE}

// ErrNotDirectBoot is returned when the ELF does not form a valid
// direct-boot image.
var ErrNotDirectBoot = errors.New("not a direct-boot image")

// BuildDirectBoot produces the headerless direct-boot form: every
// loadable segment folded into one contiguous blob mapped at the start of
// flash, opening with the direct-boot magic.
func BuildDirectBoot(elfData []byte, def *target.Definition) (*Layout, error) {
	prog, err := ParseELF(elfData, def)
	if err != nil {
		return nil, errors.Trace(err)
	}

	all := append(append([]flasher.Segment{}, prog.FlashSegments...), prog.RAMSegments...)
	if len(all) == 0 {
		return nil, errors.Annotate(ErrNotDirectBoot, "no loadable segments")
	}

	// Map everything into the first 4 MB window
	for i := range all {
		all[i].Addr %= 0x400000
	}

	merged := padAlign(mergeAdjacent(all))
	if len(merged) != 1 {
		return nil, errors.Annotate(ErrNotDirectBoot, "segments are not contiguous")
	}

	seg := merged[0]
	if seg.Addr != 0 {
		return nil, errors.Annotatef(ErrNotDirectBoot, "image starts at 0x%X, not 0x0", seg.Addr)
	}
	if len(seg.Data) < len(directBootMagic) || !bytes.Equal(seg.Data[:8], directBootMagic) {
		return nil, errors.Annotate(ErrNotDirectBoot, "missing direct-boot magic")
	}

	return &Layout{
		Segments: []flasher.Segment{seg},
		AppSize:  uint32(len(seg.Data)),
	}, nil
}
