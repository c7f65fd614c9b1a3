// Package detect scans serial ports for devices answering the download
// protocol.
package detect

import (
	"time"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/connection"
	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/serial"
	"github.com/espgo/espflash/internal/target"
)

// Result represents a detected device.
type Result struct {
	Port string
	Chip *target.Definition
}

// DetectDevice tries every serial port and returns the first one with a
// responding chip.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Annotate(err, "listing ports")
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := DetectOnPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, errors.Annotate(lastErr, "no device found on any port")
	}
	return nil, errors.New("no device found")
}

// DetectOnPort probes one port for a chip in download mode. The device is
// left in the bootloader for a follow-up connection.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer port.Close()

	cfg := connection.DefaultConfig()
	cfg.SyncTimeout = protocol.SyncTimeout
	conn := connection.New(port, cfg)

	if err := conn.Begin(); err != nil {
		return nil, errors.Annotatef(err, "probing %s", portName)
	}

	def, err := conn.DetectChip()
	if err != nil {
		return nil, errors.Annotatef(err, "identifying chip on %s", portName)
	}

	return &Result{Port: portName, Chip: def}, nil
}

// ListDevices probes every port and returns all detected devices.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Annotate(err, "listing ports")
	}

	var results []Result
	for _, portName := range ports {
		result, err := DetectOnPort(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
		// A short settle keeps half-reset devices from confusing the
		// next probe.
		time.Sleep(50 * time.Millisecond)
	}

	return results, nil
}
