// Package serial wraps go.bug.st/serial with the control-line and timeout
// plumbing the download protocol needs.
package serial

import (
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"
)

// Port wraps a serial port with bootloader-entry functionality.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port at the given baud rate in 8N1 mode.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "opening port %s", portName)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Annotate(err, "setting read timeout")
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout, restoring the
// default afterwards.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(100 * time.Millisecond)

	return p.port.Read(buf)
}

// DrainInput reads and discards whatever the device has already sent,
// returning the drained bytes (boot log lines are surfaced to the caller's
// log hook).
func (p *Port) DrainInput(window time.Duration) []byte {
	var drained []byte
	buf := make([]byte, 1024)
	deadline := time.Now().Add(window)

	for time.Now().Before(deadline) {
		n, err := p.ReadWithTimeout(buf, 20*time.Millisecond)
		if n > 0 {
			drained = append(drained, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return drained
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR control line.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS control line.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// SendBreak asserts the break condition for the given duration. Used by
// the USB-Serial-JTAG entry sequence.
func (p *Port) SendBreak(d time.Duration) error {
	if err := p.port.Break(d); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// SetBaudRate reconfigures the port speed in place.
func (p *Port) SetBaudRate(baudRate int) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return errors.Annotatef(err, "changing baud rate to %d", baudRate)
	}
	p.baudRate = baudRate
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// Raw surrenders the underlying transport, e.g. for a serial monitor.
// The wrapper must not be used afterwards.
func (p *Port) Raw() serial.Port {
	raw := p.port
	p.port = nil
	return raw
}

// ListPorts returns the available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ports, nil
}
