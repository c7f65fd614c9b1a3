// Package flasher implements the high-level SPI flash operations: writes
// with compression, change-detection skip and verification, streamed
// reads, erases and remote MD5 digests.
package flasher

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/target"
)

// Sentinel errors for the failure modes callers branch on.
var (
	ErrCancelled      = errors.New("operation cancelled")
	ErrVerifyFailed   = errors.New("flash verification failed: MD5 mismatch")
	ErrAlignment      = errors.New("offset and size must be multiples of 0x1000")
	ErrNotSupported   = errors.New("operation not supported in ROM mode")
	ErrTruncatedRead  = errors.New("flash read ended early")
	ErrDigestMismatch = errors.New("read stream MD5 mismatch")
	ErrSecureDownload = errors.New("secure download mode forbids writing below the bootloader protection address")
)

// bootloaderProtectionAddr guards secure-boot bootloaders from being
// overwritten while in Secure Download Mode.
const bootloaderProtectionAddr = 0x8000

const (
	// Stub loaders accept much larger write blocks than the ROM.
	stubWriteBlockSize = 0x4000

	// Read stream geometry for the stub READ_FLASH protocol.
	readBlockSize   = 0x1000
	readMaxInFlight = 64

	// The ROM loader returns at most this much per READ_FLASH_SLOW
	// round trip.
	romReadChunk = 64
)

// Conn is the slice of the connection the engine drives. Implemented by
// *connection.Connection.
type Conn interface {
	Command(op byte, data []byte, checksum uint32, timeout time.Duration) (*protocol.Response, error)
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteAck(received uint32) error
	ReadRegister(addr uint32) (uint32, error)
	WriteRegister(addr, value uint32) error
	Target() *target.Definition
	StubActive() bool
	SecureDownloadMode() bool
}

// Segment is a contiguous run of bytes at a flash or RAM address.
type Segment struct {
	Addr uint32
	Data []byte
}

// SpiPins is the SPI attach pin configuration. The zero value selects the
// fused defaults.
type SpiPins struct {
	Clk, Q, D, HD, CS byte
}

// picoD4Pins is the alternate pin set of the ESP32-PICO-D4 package.
var picoD4Pins = SpiPins{Clk: 6, Q: 17, D: 8, HD: 11, CS: 16}

// Options controls a write operation.
type Options struct {
	Params   target.FlashParams
	Skip     bool
	Verify   bool
	Compress bool
	// Reboot selects the FLASH_END argument that ends the operation.
	Reboot   bool
	Progress ProgressCallbacks
}

// Flasher executes flash operations over a Connection it borrows.
type Flasher struct {
	conn      Conn
	flashSize target.FlashSize
	spiPins   SpiPins
}

// New creates a Flasher for an established connection.
func New(conn Conn) *Flasher {
	return &Flasher{conn: conn, flashSize: target.Size4MB}
}

// FlashSize returns the detected or assumed flash capacity.
func (f *Flasher) FlashSize() target.FlashSize {
	return f.flashSize
}

// SetFlashSize overrides the detected flash capacity.
func (f *Flasher) SetFlashSize(size target.FlashSize) {
	f.flashSize = size
}

// DefaultParams derives flash parameters from the target and the detected
// flash size.
func (f *Flasher) DefaultParams() target.FlashParams {
	params := target.FlashParams{
		Size: f.flashSize,
		Mode: target.ModeDIO,
	}
	if t := f.conn.Target(); t != nil {
		params.Freq = t.DefaultFlashFreq
	} else {
		params.Freq = target.Freq40MHz
	}
	return params
}

// Attach enables the SPI flash and detects its size. Both the fused
// default pins and the PICO-D4 set are tried; whichever yields a readable
// JEDEC ID wins. The result is programmed back with SPI_SET_PARAMS.
func (f *Flasher) Attach() error {
	for _, pins := range []SpiPins{{}, picoD4Pins} {
		if err := f.spiAttach(pins); err != nil {
			glog.V(1).Infof("SPI attach with pins %+v failed: %v", pins, err)
		}

		size, err := f.FlashDetect()
		if err != nil {
			glog.V(1).Infof("flash detect failed: %v", err)
			continue
		}

		f.spiPins = pins
		f.flashSize = size
		glog.V(1).Infof("detected %s flash", size)

		_, err = f.conn.Command(protocol.CmdSpiSetParams,
			protocol.SpiSetParamsData(uint32(size)), 0,
			protocol.CommandTimeout(protocol.CmdSpiSetParams))
		return errors.Annotate(err, "SPI_SET_PARAMS")
	}

	glog.Warningf("could not detect flash size, assuming %s", f.flashSize)
	return f.spiAttach(SpiPins{})
}

func (f *Flasher) spiAttach(pins SpiPins) error {
	data := protocol.SpiAttachData(pins.Clk, pins.Q, pins.D, pins.HD, pins.CS, f.conn.StubActive())
	_, err := f.conn.Command(protocol.CmdSpiAttach, data, 0,
		protocol.CommandTimeout(protocol.CmdSpiAttach))
	return errors.Trace(err)
}

// FlashDetect reads the JEDEC ID of the attached flash chip and maps its
// size byte to a capacity.
func (f *Flasher) FlashDetect() (target.FlashSize, error) {
	flashID, err := f.spiCommand(protocol.SpiCmdFlashDetect, nil, 24)
	if err != nil {
		return 0, errors.Trace(err)
	}

	sizeID := byte(flashID >> 16)
	if sizeID == 0xFF {
		return 0, errors.Errorf("flash reports no size (id 0x%06X)", flashID)
	}

	size, err := target.FlashSizeFromDetected(sizeID)
	if err != nil {
		glog.Warningf("unknown flash size id 0x%02X (flash id 0x%06X), defaulting to 4MB", sizeID, flashID)
		return target.Size4MB, nil
	}
	return size, nil
}

// spiCommand drives the SPI peripheral through register writes to issue a
// raw flash command, returning up to 32 bits of response.
func (f *Flasher) spiCommand(cmd byte, data []byte, readBits uint32) (uint32, error) {
	t := f.conn.Target()
	if t == nil {
		return 0, errors.New("target not detected")
	}
	regs := t.SpiRegs

	usr := regs.Base + regs.Usr
	usr1 := regs.Base + regs.Usr1
	usr2 := regs.Base + regs.Usr2
	w0 := regs.Base + regs.W0
	cmdReg := regs.Base // SPI_CMD_REG is the peripheral base

	oldUsr, err := f.conn.ReadRegister(usr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	oldUsr2, err := f.conn.ReadRegister(usr2)
	if err != nil {
		return 0, errors.Trace(err)
	}

	flags := uint32(1 << 31) // SPI_USR_COMMAND
	if len(data) > 0 {
		flags |= 1 << 27 // SPI_USR_MOSI
	}
	if readBits > 0 {
		flags |= 1 << 28 // SPI_USR_MISO
	}

	if err := f.conn.WriteRegister(usr, flags); err != nil {
		return 0, errors.Trace(err)
	}
	if err := f.conn.WriteRegister(usr2, 7<<28|uint32(cmd)); err != nil {
		return 0, errors.Trace(err)
	}

	if regs.MosiDlen != 0 {
		if len(data) > 0 {
			if err := f.conn.WriteRegister(regs.Base+regs.MosiDlen, uint32(len(data))*8-1); err != nil {
				return 0, errors.Trace(err)
			}
		}
		if readBits > 0 {
			if err := f.conn.WriteRegister(regs.Base+regs.MisoDlen, readBits-1); err != nil {
				return 0, errors.Trace(err)
			}
		}
	} else {
		var mosiMask, misoMask uint32
		if len(data) > 0 {
			mosiMask = uint32(len(data))*8 - 1
		}
		if readBits > 0 {
			misoMask = readBits - 1
		}
		if err := f.conn.WriteRegister(usr1, misoMask<<8|mosiMask<<17); err != nil {
			return 0, errors.Trace(err)
		}
	}

	if len(data) == 0 {
		if err := f.conn.WriteRegister(w0, 0); err != nil {
			return 0, errors.Trace(err)
		}
	} else {
		for i := 0; i < len(data); i += 4 {
			var word [4]byte
			copy(word[:], data[i:])
			value := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
			if err := f.conn.WriteRegister(w0+uint32(i), value); err != nil {
				return 0, errors.Trace(err)
			}
		}
	}

	if err := f.conn.WriteRegister(cmdReg, 1<<18); err != nil { // SPI_USR
		return 0, errors.Trace(err)
	}

	for i := 0; ; i++ {
		time.Sleep(time.Millisecond)
		busy, err := f.conn.ReadRegister(cmdReg)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if busy&(1<<18) == 0 {
			break
		}
		if i > 10 {
			return 0, errors.Errorf("SPI command 0x%02X did not complete", cmd)
		}
	}

	result, err := f.conn.ReadRegister(w0)
	if err != nil {
		return 0, errors.Trace(err)
	}

	if err := f.conn.WriteRegister(usr, oldUsr); err != nil {
		return 0, errors.Trace(err)
	}
	if err := f.conn.WriteRegister(usr2, oldUsr2); err != nil {
		return 0, errors.Trace(err)
	}

	return result, nil
}

func (f *Flasher) writeBlockSize() int {
	if f.conn.StubActive() {
		return stubWriteBlockSize
	}
	return protocol.FlashWriteSize
}

func (f *Flasher) supportsEncryption() bool {
	t := f.conn.Target()
	return t != nil && t.SupportsEncryption && !f.conn.StubActive()
}

// WriteFlash writes the segments in order. Per segment: optional
// change-detection skip, optional DEFLATE compression, optional MD5
// verification. The operation ends with a single end opcode carrying the
// reboot policy.
func (f *Flasher) WriteFlash(ctx context.Context, segments []Segment, opts Options) error {
	progress := opts.Progress
	if progress == nil {
		progress = NopProgress{}
	}

	if f.conn.SecureDownloadMode() {
		for _, seg := range segments {
			if seg.Addr < bootloaderProtectionAddr {
				return errors.Annotatef(ErrSecureDownload, "segment at 0x%X", seg.Addr)
			}
		}
	}

	wroteAny := false
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			f.abandon(opts.Compress)
			return errors.Trace(ErrCancelled)
		}

		if opts.Skip && !f.conn.SecureDownloadMode() {
			match, err := f.regionMatches(seg)
			if err != nil {
				glog.V(1).Infof("skip check failed, writing anyway: %v", err)
			} else if match {
				glog.V(1).Infof("segment at 0x%X unchanged, skipping", seg.Addr)
				progress.Init(seg.Addr, 0)
				progress.Finish(true)
				continue
			}
		}

		var err error
		if opts.Compress {
			err = f.writeSegmentCompressed(ctx, seg, progress)
		} else {
			err = f.writeSegmentPlain(ctx, seg, progress)
		}
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				f.abandon(opts.Compress)
			}
			return errors.Annotatef(err, "writing segment at 0x%X", seg.Addr)
		}
		wroteAny = true

		if opts.Verify && !f.conn.SecureDownloadMode() {
			progress.Verifying()
			if err := f.verifyRegion(seg); err != nil {
				return errors.Trace(err)
			}
		}

		progress.Finish(false)
	}

	if wroteAny {
		return f.flashEnd(opts.Compress, opts.Reboot)
	}
	return nil
}

// regionMatches compares the remote MD5 of the segment's region with the
// local payload digest.
func (f *Flasher) regionMatches(seg Segment) (bool, error) {
	remote, err := f.ChecksumMD5(seg.Addr, uint32(len(seg.Data)))
	if err != nil {
		return false, errors.Trace(err)
	}
	local := md5.Sum(seg.Data)
	return remote == local, nil
}

func (f *Flasher) verifyRegion(seg Segment) error {
	remote, err := f.ChecksumMD5(seg.Addr, uint32(len(seg.Data)))
	if err != nil {
		return errors.Trace(err)
	}
	local := md5.Sum(seg.Data)
	if remote != local {
		return errors.Annotatef(ErrVerifyFailed,
			"at 0x%X: device %s, host %s", seg.Addr,
			hex.EncodeToString(remote[:]), hex.EncodeToString(local[:]))
	}
	return nil
}

func (f *Flasher) writeSegmentPlain(ctx context.Context, seg Segment, progress ProgressCallbacks) error {
	blockSize := f.writeBlockSize()
	numBlocks := (len(seg.Data) + blockSize - 1) / blockSize

	begin := protocol.BeginData(uint32(len(seg.Data)), uint32(numBlocks), uint32(blockSize),
		seg.Addr, f.supportsEncryption())
	if _, err := f.conn.Command(protocol.CmdFlashBegin, begin, 0,
		protocol.TimeoutForSize(protocol.CmdFlashBegin, uint32(len(seg.Data)))); err != nil {
		return errors.Annotate(err, "FLASH_BEGIN")
	}

	progress.Init(seg.Addr, numBlocks)

	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(ErrCancelled)
		}

		start := seq * blockSize
		end := min(start+blockSize, len(seg.Data))

		payload := protocol.BlockData(seg.Data[start:end], blockSize, 0xFF, uint32(seq))
		req := protocol.NewDataRequest(protocol.CmdFlashData, payload, blockSize)
		if _, err := f.conn.Command(protocol.CmdFlashData, req.Data, req.Checksum,
			protocol.TimeoutForSize(protocol.CmdFlashData, uint32(blockSize))); err != nil {
			return errors.Annotatef(err, "FLASH_DATA block %d", seq)
		}

		progress.Update(seq + 1)
	}

	return nil
}

func (f *Flasher) writeSegmentCompressed(ctx context.Context, seg Segment, progress ProgressCallbacks) error {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := zw.Write(seg.Data); err != nil {
		return errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return errors.Trace(err)
	}
	compressed := buf.Bytes()

	blockSize := f.writeBlockSize()
	numBlocks := (len(compressed) + blockSize - 1) / blockSize

	glog.V(1).Infof("compressed %d bytes to %d (%d blocks)", len(seg.Data), len(compressed), numBlocks)

	begin := protocol.BeginData(uint32(len(seg.Data)), uint32(numBlocks), uint32(blockSize),
		seg.Addr, f.supportsEncryption())
	if _, err := f.conn.Command(protocol.CmdFlashDeflBegin, begin, 0,
		protocol.TimeoutForSize(protocol.CmdFlashDeflBegin, uint32(len(seg.Data)))); err != nil {
		return errors.Annotate(err, "FLASH_DEFL_BEGIN")
	}

	progress.Init(seg.Addr, numBlocks)

	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(ErrCancelled)
		}

		start := seq * blockSize
		end := min(start+blockSize, len(compressed))
		block := compressed[start:end]

		payload := protocol.BlockData(block, 0, 0xFF, uint32(seq))
		req := protocol.NewDataRequest(protocol.CmdFlashDeflData, payload, len(block))
		if _, err := f.conn.Command(protocol.CmdFlashDeflData, req.Data, req.Checksum,
			protocol.TimeoutForSize(protocol.CmdFlashDeflData, uint32(blockSize)*4)); err != nil {
			return errors.Annotatef(err, "FLASH_DEFL_DATA block %d", seq)
		}

		progress.Update(seq + 1)
	}

	return nil
}

// flashEnd terminates a write sequence. With reboot requested some ROMs
// reset before answering, so a dropped transport within the window is
// tolerated.
func (f *Flasher) flashEnd(compressed, reboot bool) error {
	op := byte(protocol.CmdFlashEnd)
	if compressed {
		op = protocol.CmdFlashDeflEnd
	}

	_, err := f.conn.Command(op, protocol.EndData(reboot), 0, protocol.CommandTimeout(op))
	if err != nil && reboot {
		glog.V(1).Infof("no response to %s before reset: %v", protocol.CommandName(op), err)
		return nil
	}
	return errors.Trace(err)
}

// abandon sends a best-effort end command after a cancelled write so the
// loader leaves flash mode without rebooting.
func (f *Flasher) abandon(compressed bool) {
	op := byte(protocol.CmdFlashEnd)
	if compressed {
		op = protocol.CmdFlashDeflEnd
	}
	if _, err := f.conn.Command(op, protocol.EndData(false), 0, time.Second); err != nil {
		glog.V(1).Infof("abandon write: %v", err)
	}
}

// WriteBin pads data to a 4-byte multiple with 0xFF and writes it at addr.
func (f *Flasher) WriteBin(ctx context.Context, addr uint32, data []byte, opts Options) error {
	if rem := len(data) % 4; rem != 0 {
		padded := make([]byte, len(data)+4-rem)
		copy(padded, data)
		for i := len(data); i < len(padded); i++ {
			padded[i] = 0xFF
		}
		data = padded
	}
	return f.WriteFlash(ctx, []Segment{{Addr: addr, Data: data}}, opts)
}

// ReadFlash reads length bytes starting at offset into sink. The stub
// streams blocks with windowed acknowledgements; the ROM loader serves
// small chunks per command.
func (f *Flasher) ReadFlash(ctx context.Context, offset, length uint32, sink io.Writer, progress ProgressCallbacks) error {
	if progress == nil {
		progress = NopProgress{}
	}
	progress.Init(offset, int(length))

	var err error
	if f.conn.StubActive() {
		err = f.readFlashStub(ctx, offset, length, sink, progress)
	} else {
		err = f.readFlashROM(ctx, offset, length, sink, progress)
	}
	if err != nil {
		return errors.Trace(err)
	}

	progress.Finish(false)
	return nil
}

func (f *Flasher) readFlashStub(ctx context.Context, offset, length uint32, sink io.Writer, progress ProgressCallbacks) error {
	if _, err := f.conn.Command(protocol.CmdReadFlash,
		protocol.ReadFlashData(offset, length, readBlockSize, readMaxInFlight), 0,
		protocol.TimeoutForSize(protocol.CmdReadFlash, length)); err != nil {
		return errors.Annotate(err, "READ_FLASH")
	}

	digest := md5.New()
	var received uint32

	for received < length {
		if err := ctx.Err(); err != nil {
			return errors.Trace(ErrCancelled)
		}

		chunk, err := f.conn.ReadFrame(protocol.CommandTimeout(protocol.CmdReadFlash))
		if err != nil {
			return errors.Annotate(err, "reading flash stream")
		}
		if len(chunk) == 0 {
			return errors.Trace(ErrTruncatedRead)
		}

		if uint32(len(chunk)) > length-received {
			chunk = chunk[:length-received]
		}
		if _, err := sink.Write(chunk); err != nil {
			return errors.Annotate(err, "writing to sink")
		}
		digest.Write(chunk)
		received += uint32(len(chunk))

		if err := f.conn.WriteAck(received); err != nil {
			return errors.Trace(err)
		}
		progress.Update(int(received))
	}

	// The stub closes the stream with the MD5 of everything it sent
	sum, err := f.conn.ReadFrame(protocol.CommandTimeout(protocol.CmdSpiFlashMD5))
	if err != nil {
		return errors.Annotate(err, "reading stream digest")
	}
	if len(sum) != md5.Size {
		return errors.Errorf("stream digest is %d bytes, want %d", len(sum), md5.Size)
	}
	if !bytes.Equal(sum, digest.Sum(nil)) {
		return errors.Trace(ErrDigestMismatch)
	}

	return nil
}

func (f *Flasher) readFlashROM(ctx context.Context, offset, length uint32, sink io.Writer, progress ProgressCallbacks) error {
	var received uint32

	for received < length {
		if err := ctx.Err(); err != nil {
			return errors.Trace(ErrCancelled)
		}

		chunk := min(uint32(romReadChunk), length-received)
		resp, err := f.conn.Command(protocol.CmdReadFlashSlow,
			protocol.ReadFlashData(offset+received, chunk, readBlockSize, 1), 0,
			protocol.CommandTimeout(protocol.CmdReadFlashSlow))
		if err != nil {
			return errors.Annotate(err, "READ_FLASH_SLOW")
		}
		if uint32(len(resp.Data)) < chunk {
			return errors.Trace(ErrTruncatedRead)
		}

		if _, err := sink.Write(resp.Data[:chunk]); err != nil {
			return errors.Annotate(err, "writing to sink")
		}
		received += chunk
		progress.Update(int(received))
	}

	return nil
}

// EraseFlash erases the entire chip. Stub only; the ROM loader has no
// full-chip erase.
func (f *Flasher) EraseFlash(ctx context.Context) error {
	if !f.conn.StubActive() {
		return errors.Annotate(ErrNotSupported, "full-chip erase")
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(ErrCancelled)
	}

	_, err := f.conn.Command(protocol.CmdEraseFlash, nil, 0,
		protocol.CommandTimeout(protocol.CmdEraseFlash))
	return errors.Annotate(err, "ERASE_FLASH")
}

// EraseRegion erases [offset, offset+size). Both bounds must be sector
// aligned. The ROM loader lacks the erase opcode, so there the region is
// overwritten with 0xFF through the write path.
func (f *Flasher) EraseRegion(ctx context.Context, offset, size uint32) error {
	if offset%protocol.FlashSectorSize != 0 || size%protocol.FlashSectorSize != 0 {
		return errors.Annotatef(ErrAlignment, "offset 0x%X size 0x%X", offset, size)
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(ErrCancelled)
	}

	if !f.conn.StubActive() {
		blank := make([]byte, size)
		for i := range blank {
			blank[i] = 0xFF
		}
		return f.WriteFlash(ctx, []Segment{{Addr: offset, Data: blank}}, Options{})
	}

	_, err := f.conn.Command(protocol.CmdEraseRegion,
		protocol.EraseRegionData(offset, size), 0,
		protocol.TimeoutForSize(protocol.CmdEraseRegion, size))
	return errors.Annotate(err, "ERASE_REGION")
}

// EraseRegions erases a list of (offset, size) extents in order, e.g. the
// extents of selected partitions.
func (f *Flasher) EraseRegions(ctx context.Context, regions []Segment) error {
	for _, r := range regions {
		if err := f.EraseRegion(ctx, r.Addr, uint32(len(r.Data))); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ChecksumMD5 asks the loader for the MD5 of a flash region. The ROM
// answers in ASCII hex, the stub in raw bytes.
func (f *Flasher) ChecksumMD5(offset, size uint32) ([md5.Size]byte, error) {
	var digest [md5.Size]byte

	resp, err := f.conn.Command(protocol.CmdSpiFlashMD5,
		protocol.FlashMD5Data(offset, size), 0,
		protocol.TimeoutForSize(protocol.CmdSpiFlashMD5, size))
	if err != nil {
		return digest, errors.Annotate(err, "SPI_FLASH_MD5")
	}

	switch len(resp.Data) {
	case md5.Size:
		copy(digest[:], resp.Data)
	case 2 * md5.Size:
		decoded, err := hex.DecodeString(string(resp.Data))
		if err != nil {
			return digest, errors.Annotate(err, "decoding ASCII MD5")
		}
		copy(digest[:], decoded)
	default:
		return digest, errors.Errorf("unexpected MD5 response length %d", len(resp.Data))
	}

	return digest, nil
}

// WriteRAM uploads segments into device RAM and optionally jumps to entry.
func (f *Flasher) WriteRAM(ctx context.Context, segments []Segment, entry uint32, progress ProgressCallbacks) error {
	if progress == nil {
		progress = NopProgress{}
	}

	blockSize := protocol.MaxRAMBlockSize

	for _, seg := range segments {
		numBlocks := (len(seg.Data) + blockSize - 1) / blockSize

		begin := protocol.BeginData(uint32(len(seg.Data)), uint32(numBlocks), uint32(blockSize),
			seg.Addr, f.supportsEncryption())
		if _, err := f.conn.Command(protocol.CmdMemBegin, begin, 0,
			protocol.CommandTimeout(protocol.CmdMemBegin)); err != nil {
			return errors.Annotate(err, "MEM_BEGIN")
		}

		progress.Init(seg.Addr, numBlocks)

		for seq := 0; seq < numBlocks; seq++ {
			if err := ctx.Err(); err != nil {
				return errors.Trace(ErrCancelled)
			}

			start := seq * blockSize
			end := min(start+blockSize, len(seg.Data))
			block := seg.Data[start:end]

			payload := protocol.BlockData(block, 0, 0, uint32(seq))
			req := protocol.NewDataRequest(protocol.CmdMemData, payload, len(block))
			if _, err := f.conn.Command(protocol.CmdMemData, req.Data, req.Checksum,
				protocol.CommandTimeout(protocol.CmdMemData)); err != nil {
				return errors.Annotatef(err, "MEM_DATA block %d", seq)
			}
			progress.Update(seq + 1)
		}

		progress.Finish(false)
	}

	noEntry := entry == 0
	_, err := f.conn.Command(protocol.CmdMemEnd, protocol.MemEndData(noEntry, entry), 0,
		protocol.CommandTimeout(protocol.CmdMemEnd))
	if err != nil && !noEntry {
		// Jumping to the entry point can kill the loader before the
		// response goes out; treat that like the FLASH_END reboot case.
		glog.V(1).Infof("no response to MEM_END before handover: %v", err)
		return nil
	}
	return errors.Trace(err)
}

// Conn exposes the borrowed connection, e.g. for the stub loader's
// handshake read.
func (f *Flasher) Conn() Conn {
	return f.conn
}
