package main

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/connection"
	"github.com/espgo/espflash/internal/detect"
	"github.com/espgo/espflash/internal/efuse"
	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/serial"
	"github.com/espgo/espflash/internal/stub"
	"github.com/espgo/espflash/internal/target"
)

// session bundles the open port, the protocol connection and the flash
// engine for one CLI invocation.
type session struct {
	port *serial.Port
	conn *connection.Connection
	fl   *flasher.Flasher
}

// openSession connects to the device: port selection, download-mode
// entry, chip detection, optional stub handover, SPI attach and baud
// negotiation.
func openSession(useStub bool) (*session, error) {
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(protocol.DefaultBaudRate)
		if err != nil {
			return nil, errors.Annotate(err, "device detection failed")
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.Chip.Name(), result.Port)
	}

	port, err := serial.Open(portName, protocol.DefaultBaudRate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cfg := connection.DefaultConfig()
	cfg.Before = beforeStrategy()
	cfg.After = afterStrategy()
	cfg.UsbSerialJtag = usbJtagFlag
	cfg.LogHook = func(line string) {
		fmt.Printf("  [boot] %s\n", line)
	}
	conn := connection.New(port, cfg)

	if err := conn.Begin(); err != nil {
		port.Close()
		return nil, errors.Trace(err)
	}

	def, err := conn.DetectChip()
	if err != nil {
		port.Close()
		return nil, errors.Trace(err)
	}
	fmt.Printf("Chip: %s\n", def.Name())

	if chipFlag != "" {
		wanted, err := target.ByName(chipFlag)
		if err != nil {
			port.Close()
			return nil, errors.Trace(err)
		}
		if wanted.Chip != def.Chip {
			port.Close()
			return nil, errors.Errorf("expected %s, found %s", wanted.Name(), def.Name())
		}
	}

	s := &session{port: port, conn: conn, fl: flasher.New(conn)}

	if useStub && !conn.SecureDownloadMode() {
		if err := s.loadStub(def); err != nil {
			fmt.Printf("Stub unavailable (%v), continuing with ROM loader\n", err)
		}
	}

	if err := s.fl.Attach(); err != nil {
		port.Close()
		return nil, errors.Annotate(err, "attaching SPI flash")
	}
	fmt.Printf("Flash size: %s\n", s.fl.FlashSize())

	if baudFlag > protocol.DefaultBaudRate {
		if err := conn.ChangeBaud(baudFlag); err != nil {
			fmt.Printf("Baud change failed (%v), staying at %d\n", err, protocol.DefaultBaudRate)
		}
	}

	return s, nil
}

func (s *session) loadStub(def *target.Definition) error {
	blob, err := stub.Load(def)
	if err != nil {
		return errors.Trace(err)
	}
	if err := stub.Upload(cmdContext(), s.fl, blob); err != nil {
		return errors.Trace(err)
	}
	s.conn.SetStubActive(true)
	fmt.Println("Stub loader running")
	return nil
}

// close runs the post-operation reset and releases the port.
func (s *session) close(reset bool) {
	if reset {
		if err := s.conn.Reset(); err != nil {
			fmt.Printf("Warning: reset failed: %v\n", err)
		}
	}
	s.conn.Close()
}

// deviceInfo is the decoded identity of the connected device.
type deviceInfo struct {
	Chip      string
	Revision  string
	Xtal      target.XtalFrequency
	FlashSize target.FlashSize
	MAC       string
	Features  []string
}

func (s *session) deviceInfo() (*deviceInfo, error) {
	def := s.conn.Target()
	info := &deviceInfo{
		Chip:      def.Name(),
		FlashSize: s.fl.FlashSize(),
	}

	xtal, err := s.conn.XtalFrequency()
	if err != nil {
		return nil, errors.Trace(err)
	}
	info.Xtal = xtal

	fuses := efuse.NewReader(s.conn, def)
	if major, minor, err := fuses.ChipRevision(); err == nil {
		info.Revision = fmt.Sprintf("v%d.%d", major, minor)
	}
	if mac, err := fuses.MACAddress(); err == nil {
		info.MAC = mac
	}
	if features, err := fuses.Features(); err == nil {
		info.Features = features
	}

	return info, nil
}

func beforeStrategy() connection.BeforeStrategy {
	switch beforeFlag {
	case "no-reset":
		return connection.BeforeNoReset
	case "no-reset-no-sync":
		return connection.BeforeNoResetNoSync
	case "usb-reset":
		return connection.BeforeUsbReset
	default:
		return connection.BeforeDefaultReset
	}
}

func afterStrategy() connection.AfterStrategy {
	switch afterFlag {
	case "no-reset":
		return connection.AfterNoReset
	case "no-reset-no-stub":
		return connection.AfterNoResetNoStub
	case "soft-reset":
		return connection.AfterSoftReset
	case "watchdog-reset":
		return connection.AfterWatchdogReset
	default:
		return connection.AfterHardReset
	}
}
