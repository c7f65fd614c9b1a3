package connection

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/protocol"
)

// BeforeStrategy selects how the device is put into download mode before
// an operation.
type BeforeStrategy int

const (
	// BeforeDefaultReset toggles DTR/RTS through the auto-reset circuit.
	BeforeDefaultReset BeforeStrategy = iota
	// BeforeUsbReset uses the USB-Serial-JTAG control-line sequence.
	BeforeUsbReset
	// BeforeNoReset skips the reset but still syncs.
	BeforeNoReset
	// BeforeNoResetNoSync skips both; used behind protocol proxies.
	BeforeNoResetNoSync
)

// AfterStrategy selects what happens once an operation completes.
type AfterStrategy int

const (
	// AfterHardReset toggles the reset line into a normal boot.
	AfterHardReset AfterStrategy = iota
	// AfterSoftReset asks the loader to restart without touching lines.
	AfterSoftReset
	// AfterWatchdogReset arms the RTC watchdog to reset the chip. Needed
	// where a hard reset over USB would re-enumerate the port.
	AfterWatchdogReset
	// AfterNoReset leaves the chip in the ROM bootloader. With a stub
	// resident this re-loads the ROM loader first.
	AfterNoReset
	// AfterNoResetNoStub leaves the chip exactly as-is, stub included.
	AfterNoResetNoStub
)

const (
	defaultResetDelay = 50 * time.Millisecond
	extraResetDelay   = 500 * time.Millisecond

	// Magic value unlocking the RTC watchdog configuration registers.
	wdtWriteKey = 0x50D83AA1
)

// ResetStrategy is one way of forcing the chip into the ROM download mode.
type ResetStrategy interface {
	Name() string
	Reset(port Transport) error
}

// ClassicReset drives the two-transistor auto-reset circuit found on most
// dev boards: RTS pulls EN, DTR pulls GPIO0.
type ClassicReset struct {
	// Delay to hold GPIO0 after releasing EN. Some boards need the longer
	// value because of reset-line capacitors.
	Delay time.Duration
}

// NewClassicReset returns the classic strategy with the standard or
// extended post-reset delay.
func NewClassicReset(extraDelay bool) *ClassicReset {
	delay := defaultResetDelay
	if extraDelay {
		delay = extraResetDelay
	}
	return &ClassicReset{Delay: delay}
}

func (r *ClassicReset) Name() string {
	if r.Delay > defaultResetDelay {
		return "classic-reset (extra delay)"
	}
	return "classic-reset"
}

func (r *ClassicReset) Reset(port Transport) error {
	// Line levels are inverted by the driver transistors.
	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetDTR(false); err != nil {
		return errors.Trace(err)
	}

	if err := port.SetRTS(true); err != nil { // EN low: chip in reset
		return errors.Trace(err)
	}
	if err := port.SetDTR(false); err != nil { // GPIO0 high
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := port.SetRTS(false); err != nil { // EN high: chip runs
		return errors.Trace(err)
	}
	if err := port.SetDTR(true); err != nil { // GPIO0 low: download mode
		return errors.Trace(err)
	}
	time.Sleep(r.Delay)

	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetDTR(false); err != nil { // release GPIO0
		return errors.Trace(err)
	}

	return nil
}

// UsbJtagReset is the entry sequence for the built-in USB-Serial-JTAG
// peripheral: control-line wiggle plus a break condition.
type UsbJtagReset struct {
	// Settle is the post-reset wait before the first sync; the USB stack
	// needs time to re-attach, and the right value is platform-sensitive.
	Settle time.Duration
}

func (r *UsbJtagReset) Name() string {
	return "usb-serial-jtag-reset"
}

func (r *UsbJtagReset) Reset(port Transport) error {
	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetDTR(false); err != nil { // idle
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := port.SetDTR(true); err != nil { // set IO0
		return errors.Trace(err)
	}
	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := port.SetRTS(true); err != nil { // reset; go through (1,1)
		return errors.Trace(err)
	}
	if err := port.SetDTR(false); err != nil {
		return errors.Trace(err)
	}
	// Windows only propagates a DTR change when RTS is also written
	if err := port.SetRTS(true); err != nil {
		return errors.Trace(err)
	}

	if err := port.SendBreak(100 * time.Millisecond); err != nil {
		glog.V(1).Infof("break not supported on this port: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := port.SetDTR(false); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}

	time.Sleep(r.Settle)
	return nil
}

// NoReset leaves the lines alone; the device is assumed to already be in
// download mode.
type NoReset struct{}

func (NoReset) Name() string { return "no-reset" }

func (NoReset) Reset(Transport) error { return nil }

// ConstructResetSequence builds the deterministic fallback chain of entry
// strategies for one connection attempt cycle.
func ConstructResetSequence(before BeforeStrategy, usbSerialJtag bool, settle time.Duration) []ResetStrategy {
	switch {
	case before == BeforeNoReset || before == BeforeNoResetNoSync:
		return []ResetStrategy{NoReset{}}
	case usbSerialJtag || before == BeforeUsbReset:
		return []ResetStrategy{&UsbJtagReset{Settle: settle}}
	default:
		return []ResetStrategy{
			NewClassicReset(false),
			NewClassicReset(true),
		}
	}
}

// HardReset toggles the reset line to boot the application.
func HardReset(port Transport, usbSerialJtag bool) error {
	time.Sleep(100 * time.Millisecond)

	if usbSerialJtag {
		if err := port.SetDTR(false); err != nil {
			return errors.Trace(err)
		}
		time.Sleep(100 * time.Millisecond)
		if err := port.SetRTS(true); err != nil {
			return errors.Trace(err)
		}
		if err := port.SetDTR(false); err != nil {
			return errors.Trace(err)
		}
		if err := port.SetRTS(true); err != nil {
			return errors.Trace(err)
		}
		time.Sleep(100 * time.Millisecond)
		return errors.Trace(port.SetRTS(false))
	}

	if err := port.SetRTS(true); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)
	return errors.Trace(port.SetRTS(false))
}

// SoftReset restarts the device through loader commands instead of
// control lines.
func SoftReset(c *Connection, stayInBootloader bool) error {
	if !c.StubActive() {
		if stayInBootloader {
			// The ROM loader is already where we want it
			return nil
		}
		// FLASH_BEGIN with no data followed by FLASH_END(run user code)
		// is the closest thing the ROM has to a soft reset.
		return softResetFlashCycle(c, false)
	}

	if stayInBootloader {
		// Soft resetting from the stub re-loads the ROM loader
		return softResetFlashCycle(c, true)
	}

	_, err := c.Command(protocol.CmdRunUserCode, nil, 0,
		protocol.CommandTimeout(protocol.CmdRunUserCode))
	return errors.Trace(err)
}

// softResetFlashCycle issues the empty FLASH_BEGIN/FLASH_END pair that
// kicks the loader out of flash mode. The loader may restart before the
// FLASH_END response makes it out, so a timeout there is tolerated.
func softResetFlashCycle(c *Connection, reboot bool) error {
	if _, err := c.Command(protocol.CmdFlashBegin,
		protocol.BeginData(0, 0, protocol.FlashWriteSize, 0, supportsEncryption(c)), 0,
		protocol.CommandTimeout(protocol.CmdFlashBegin)); err != nil {
		return errors.Trace(err)
	}

	_, err := c.Command(protocol.CmdFlashEnd, protocol.EndData(reboot), 0,
		protocol.CommandTimeout(protocol.CmdFlashEnd))
	if err != nil && errors.Is(err, ErrTimeout) {
		glog.V(1).Infof("no response to FLASH_END before restart: %v", err)
		return nil
	}
	return errors.Trace(err)
}

func supportsEncryption(c *Connection) bool {
	return c.Target() != nil && c.Target().SupportsEncryption && !c.StubActive()
}

// WatchdogReset arms the RTC watchdog so the chip resets itself shortly
// after. The unlock/config/lock dance uses the registers from the target
// registry.
func WatchdogReset(c *Connection) error {
	t := c.Target()
	if t == nil || !t.SupportsWatchdogReset() {
		name := "unknown"
		if t != nil {
			name = t.Name()
		}
		return errors.Errorf("%s does not support watchdog reset", name)
	}

	// Stage 0 action = reset system (5), chip reset enabled with widened
	// pulse, watchdog enabled.
	const config0 = 1<<31 | 5<<28 | 1<<8 | 1<<2

	glog.V(1).Info("arming RTC watchdog for reset")
	if err := c.WriteRegister(t.WdtWprotect, wdtWriteKey); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteRegister(t.WdtConfig1, 2000); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteRegister(t.WdtConfig0, config0); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteRegister(t.WdtWprotect, 0); err != nil {
		return errors.Trace(err)
	}

	time.Sleep(50 * time.Millisecond)
	return nil
}

// ResetAfter runs the post-operation strategy.
func ResetAfter(c *Connection, after AfterStrategy) error {
	switch after {
	case AfterHardReset:
		return HardReset(c.Port(), c.cfg.UsbSerialJtag)
	case AfterSoftReset:
		return SoftReset(c, false)
	case AfterWatchdogReset:
		return WatchdogReset(c)
	case AfterNoReset:
		glog.V(1).Info("staying in bootloader")
		return SoftReset(c, true)
	case AfterNoResetNoStub:
		glog.V(1).Info("staying in flasher stub")
		return nil
	default:
		return errors.Errorf("unknown reset-after strategy %d", after)
	}
}
