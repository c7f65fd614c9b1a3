// Package connection drives the serial download protocol: entering the
// bootloader, synchronizing, executing framed commands and recovering
// from timeouts.
package connection

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/slip"
	"github.com/espgo/espflash/internal/target"
)

const (
	maxConnectAttempts = 7
	maxSyncAttempts    = 5
	syncFramesPerTry   = 8
)

// ErrDownloadMode is returned when every reset strategy failed to put the
// device into the ROM download mode.
var ErrDownloadMode = errors.New(
	"failed to enter download mode; try a different --before reset strategy or hold the BOOT button")

// ErrTimeout is returned when a command received no matching response in
// its window.
var ErrTimeout = errors.New("timeout waiting for response")

// ErrNeedsResync marks a connection whose previous command timed out and
// whose resync attempt failed; the caller must re-enter download mode.
var ErrNeedsResync = errors.New("connection lost; re-enter download mode")

// StatusError carries the decoded error code from a response trailer.
type StatusError struct {
	Command byte
	Code    byte
}

func (e *StatusError) Error() string {
	return protocol.CommandName(e.Command) + " failed: " + protocol.ErrorMessage(e.Code)
}

// Transport is the byte-level link a Connection drives. *serial.Port
// implements it; tests substitute an in-memory device.
type Transport interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	DrainInput(window time.Duration) []byte
	Flush() error
	SetDTR(value bool) error
	SetRTS(value bool) error
	SendBreak(d time.Duration) error
	SetBaudRate(baudRate int) error
	BaudRate() int
	PortName() string
	Close() error
}

// Config carries the tunable pieces of connection behavior.
type Config struct {
	// Before selects how the device is forced into download mode.
	Before BeforeStrategy
	// After selects what happens when the flasher is done.
	After AfterStrategy
	// UsbSerialJtag indicates the port is the chip's built-in
	// USB-Serial-JTAG peripheral rather than an external UART bridge.
	UsbSerialJtag bool
	// UsbJtagSettle is the wait after a USB-Serial-JTAG reset before the
	// first sync. Platform-sensitive, hence tunable.
	UsbJtagSettle time.Duration
	// SyncTimeout is the per-frame window while syncing.
	SyncTimeout time.Duration
	// LogHook receives unsolicited device output (boot log lines). May be
	// nil.
	LogHook func(line string)
}

// DefaultConfig returns the stock connection configuration.
func DefaultConfig() Config {
	return Config{
		Before:        BeforeDefaultReset,
		After:         AfterHardReset,
		UsbJtagSettle: 100 * time.Millisecond,
		SyncTimeout:   protocol.CommandTimeout(protocol.CmdSync),
	}
}

// Connection owns the serial transport and the command exchange with the
// loader on the other end.
type Connection struct {
	port   Transport
	cfg    Config
	target *target.Definition

	stubActive     bool
	secureDownload bool
	needsResync    bool

	// Inbound bytes not yet carved into frames.
	buffer []byte

	// Reset strategy that last worked, reused for later entries.
	winningReset ResetStrategy
}

// New wraps an open transport. The caller keeps ownership of nothing: the
// connection closes the port on Close.
func New(port Transport, cfg Config) *Connection {
	return &Connection{port: port, cfg: cfg}
}

// Target returns the detected or configured target, nil before detection.
func (c *Connection) Target() *target.Definition {
	return c.target
}

// SetTarget pins the target explicitly.
func (c *Connection) SetTarget(t *target.Definition) {
	c.target = t
}

// StubActive reports whether the RAM stub has replaced the ROM loader.
func (c *Connection) StubActive() bool {
	return c.stubActive
}

// SetStubActive records the stub handover.
func (c *Connection) SetStubActive(active bool) {
	c.stubActive = active
}

// SecureDownloadMode reports whether the chip restricts download commands.
func (c *Connection) SecureDownloadMode() bool {
	return c.secureDownload
}

// Begin enters download mode: runs the reset strategy chain, syncing
// after each reset, until one succeeds or the attempt budget is spent.
func (c *Connection) Begin() error {
	if c.cfg.Before == BeforeNoResetNoSync {
		return nil
	}

	strategies := c.resetSequence()

	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		strategy := strategies[attempt%len(strategies)]

		if c.cfg.Before != BeforeNoReset {
			glog.V(1).Infof("reset attempt %d using %s", attempt+1, strategy.Name())
			if err := strategy.Reset(c.port); err != nil {
				glog.V(1).Infof("reset failed: %v", err)
				continue
			}
			c.surfaceBootLog()
		}

		for i := 0; i < maxSyncAttempts; i++ {
			if err := c.Sync(); err == nil {
				c.winningReset = strategy
				c.needsResync = false
				return nil
			}
		}

		if c.cfg.Before == BeforeNoReset {
			break
		}
	}

	return errors.Trace(ErrDownloadMode)
}

// resetSequence builds the pre-operation strategy fallback chain.
func (c *Connection) resetSequence() []ResetStrategy {
	if c.winningReset != nil {
		return []ResetStrategy{c.winningReset}
	}
	return ConstructResetSequence(c.cfg.Before, c.cfg.UsbSerialJtag, c.cfg.UsbJtagSettle)
}

// surfaceBootLog drains post-reset output and hands printable lines to
// the log hook.
func (c *Connection) surfaceBootLog() {
	drained := c.port.DrainInput(50 * time.Millisecond)
	if len(drained) == 0 || c.cfg.LogHook == nil {
		return
	}
	for _, line := range bytes.Split(drained, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			c.cfg.LogHook(string(bytes.TrimRight(line, "\r")))
		}
	}
}

// Sync sends the sync pattern and waits for the loader to answer. The
// pattern is sent several times in a row; any matching success response
// within the window counts, and trailing echoes are drained.
func (c *Connection) Sync() error {
	req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())
	frame := slip.Encode(req.Encode())

	c.port.Flush()
	c.buffer = nil

	for i := 0; i < syncFramesPerTry; i++ {
		if _, err := c.port.Write(frame); err != nil {
			return errors.Annotate(err, "writing sync frame")
		}
	}

	window := c.cfg.SyncTimeout
	if window <= 0 {
		window = protocol.CommandTimeout(protocol.CmdSync)
	}
	deadline := time.Now().Add(window * syncFramesPerTry)
	for time.Now().Before(deadline) {
		resp, err := c.readResponse(100 * time.Millisecond)
		if err != nil {
			continue
		}
		if resp.Command == protocol.CmdSync && resp.IsSuccess() {
			// Drain the other sync echoes
			for i := 0; i < syncFramesPerTry-1; i++ {
				if _, err := c.readResponse(50 * time.Millisecond); err != nil {
					break
				}
			}
			return nil
		}
	}

	return errors.Trace(ErrTimeout)
}

// DetectChip identifies the connected chip. The chip-magic register is
// the primary source; chips whose ROMs share or lack a usable magic are
// disambiguated through the security-info chip ID.
func (c *Connection) DetectChip() (*target.Definition, error) {
	magic, err := c.ReadRegister(target.ChipMagicRegister)
	if err != nil {
		return nil, errors.Annotate(err, "reading chip magic")
	}
	glog.V(1).Infof("chip magic: 0x%08X", magic)

	if def, err := target.ByMagic(magic); err == nil && len(def.MagicValues) > 0 && magic != 0 {
		c.target = def
		return def, nil
	}

	// Ambiguous or unknown magic: ask the loader directly.
	info, err := c.SecurityInfo()
	if err != nil {
		return nil, errors.Annotatef(err, "unknown chip magic 0x%08X and no security info", magic)
	}
	def, err := target.ByChipID(info.ChipID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.target = def
	return def, nil
}

// SecurityInfo issues GET_SECURITY_INFO and decodes the reply, updating
// the secure-download flag.
func (c *Connection) SecurityInfo() (*protocol.SecurityInfo, error) {
	resp, err := c.Command(protocol.CmdGetSecurityInfo, nil, 0, protocol.DefaultTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info, err := protocol.ParseSecurityInfo(resp.Data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.secureDownload = info.SecureDownloadEnabled()
	return info, nil
}

// Command sends one request and returns its matching response. Unrelated
// frames (boot banners, stale responses) are discarded. A transport or
// protocol error is retried once before surfacing, except a timeout: it is
// not retried and makes the next command resync first. A status error from
// the device is returned as *StatusError without retry.
func (c *Connection) Command(op byte, data []byte, checksum uint32, timeout time.Duration) (*protocol.Response, error) {
	if c.needsResync {
		if err := c.Sync(); err != nil {
			return nil, errors.Trace(ErrNeedsResync)
		}
		c.needsResync = false
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.exchange(op, data, checksum, timeout)
		if err == nil {
			if !resp.IsSuccess() {
				return nil, &StatusError{Command: op, Code: resp.Error}
			}
			return resp, nil
		}

		lastErr = err
		if errors.Is(err, ErrTimeout) {
			c.needsResync = true
			glog.V(1).Infof("%s timed out, marking connection suspect", protocol.CommandName(op))
			break
		}
		glog.V(1).Infof("%s attempt %d failed: %v", protocol.CommandName(op), attempt+1, err)
	}

	return nil, errors.Annotatef(lastErr, "%s", protocol.CommandName(op))
}

// exchange performs one request/response round trip.
func (c *Connection) exchange(op byte, data []byte, checksum uint32, timeout time.Duration) (*protocol.Response, error) {
	req := &protocol.Request{Command: op, Data: data, Checksum: checksum}
	frame := slip.Encode(req.Encode())

	if _, err := c.port.Write(frame); err != nil {
		return nil, errors.Annotate(err, "writing command")
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Trace(ErrTimeout)
		}

		resp, err := c.readResponse(remaining)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if resp.Command != op {
			glog.V(2).Infof("discarding frame for %s while waiting for %s",
				protocol.CommandName(resp.Command), protocol.CommandName(op))
			continue
		}
		return resp, nil
	}
}

// readResponse reads frames until a decodable response arrives or the
// timeout lapses.
func (c *Connection) readResponse(timeout time.Duration) (*protocol.Response, error) {
	raw, err := c.ReadFrame(timeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return resp, nil
}

// ReadFrame returns the next SLIP frame's decoded payload. Used directly
// by the READ_FLASH streaming path, whose data frames are not command
// responses.
func (c *Connection) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		if frame, rest := slip.ReadFrame(c.buffer); frame != nil {
			c.buffer = append([]byte(nil), rest...)
			payload, err := slip.Decode(frame)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return payload, nil
		}

		if len(c.buffer) > protocol.MaxResponseSize*2 {
			return nil, errors.Errorf("inbound buffer overflow: %d bytes without a frame", len(c.buffer))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Trace(ErrTimeout)
		}
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}

		chunk := make([]byte, 1024)
		n, err := c.port.ReadWithTimeout(chunk, remaining)
		if n > 0 {
			c.buffer = append(c.buffer, chunk[:n]...)
		}
		if err != nil && n == 0 {
			// Read timeouts surface as zero-byte reads; keep polling
			// until the command deadline.
			continue
		}
	}
}

// WriteRaw SLIP-encodes data and writes it without a command header. The
// READ_FLASH flow control acknowledgments use this.
func (c *Connection) WriteRaw(data []byte) error {
	if _, err := c.port.Write(slip.Encode(data)); err != nil {
		return errors.Annotate(err, "writing raw frame")
	}
	return nil
}

// WriteAck acknowledges a READ_FLASH stream position with the running
// byte total.
func (c *Connection) WriteAck(received uint32) error {
	ack := make([]byte, 4)
	binary.LittleEndian.PutUint32(ack, received)
	return c.WriteRaw(ack)
}

// ReadRegister reads a 32-bit register over the wire.
func (c *Connection) ReadRegister(addr uint32) (uint32, error) {
	resp, err := c.Command(protocol.CmdReadReg, protocol.ReadRegData(addr), 0,
		protocol.CommandTimeout(protocol.CmdReadReg))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return resp.Value, nil
}

// WriteRegister writes a 32-bit register over the wire.
func (c *Connection) WriteRegister(addr, value uint32) error {
	return c.WriteRegisterMasked(addr, value, 0xFFFFFFFF)
}

// WriteRegisterMasked writes the masked bits of a 32-bit register.
func (c *Connection) WriteRegisterMasked(addr, value, mask uint32) error {
	_, err := c.Command(protocol.CmdWriteReg, protocol.WriteRegData(addr, value, mask, 0), 0,
		protocol.CommandTimeout(protocol.CmdWriteReg))
	return errors.Trace(err)
}

// ChangeBaud negotiates a new baud rate with the loader and reconfigures
// the local port. On a failed post-change sync the old rate is restored.
func (c *Connection) ChangeBaud(newRate int) error {
	priorRate := 0
	if c.stubActive {
		priorRate = c.port.BaudRate()
	}

	wireRate := uint32(newRate)
	// The ESP32-C2 ROM assumes a 40 MHz crystal when programming its
	// divider; on 26 MHz parts the requested rate must be pre-scaled.
	if c.target != nil && c.target.Chip == target.ESP32C2 && !c.stubActive {
		if xtal, err := c.XtalFrequency(); err == nil && xtal == target.Xtal26MHz {
			wireRate = wireRate * 40 / 26
		}
	}

	oldRate := c.port.BaudRate()
	_, err := c.Command(protocol.CmdChangeBaudrate,
		protocol.ChangeBaudData(wireRate, uint32(priorRate)), 0,
		protocol.CommandTimeout(protocol.CmdChangeBaudrate))
	if err != nil {
		return errors.Annotatef(err, "changing baud rate to %d", newRate)
	}

	if err := c.port.SetBaudRate(newRate); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(50 * time.Millisecond)
	c.port.Flush()
	c.buffer = nil

	if err := c.Sync(); err != nil {
		glog.Warningf("sync at %d baud failed, reverting to %d", newRate, oldRate)
		if revertErr := c.port.SetBaudRate(oldRate); revertErr != nil {
			return errors.Annotate(revertErr, "reverting baud rate")
		}
		return errors.Annotatef(err, "device not reachable at %d baud", newRate)
	}

	glog.V(1).Infof("baud rate changed to %d", newRate)
	return nil
}

// XtalFrequency estimates the crystal frequency. The ESP32 and ESP32-C2 are
// measured via the UART clock divider the ROM programmed; every other chip,
// the ESP32-C5 with its two crystal options included, reports its default.
func (c *Connection) XtalFrequency() (target.XtalFrequency, error) {
	if c.target == nil {
		return 0, errors.New("target not detected yet")
	}
	if c.target.UartClkdivReg == 0 || len(c.target.XtalOptions) < 2 {
		return c.target.DefaultXtal, nil
	}

	div, err := c.ReadRegister(c.target.UartClkdivReg)
	if err != nil {
		return 0, errors.Trace(err)
	}
	div &= 0xFFFFF

	est := uint32(c.port.BaudRate()) * div / 1_000_000 / c.target.XtalClkDivider
	if est > 33 {
		return target.Xtal40MHz, nil
	}
	return target.Xtal26MHz, nil
}

// Reset runs the configured post-operation strategy.
func (c *Connection) Reset() error {
	return ResetAfter(c, c.cfg.After)
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.port.Close()
}

// IntoRawPort surrenders the transport for monitor use. The connection
// must not be used afterwards.
func (c *Connection) IntoRawPort() Transport {
	port := c.port
	c.port = nil
	return port
}

// Port exposes the transport to the reset strategies.
func (c *Connection) Port() Transport {
	return c.port
}
