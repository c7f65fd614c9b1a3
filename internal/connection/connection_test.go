package connection

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/protocol"
	"github.com/espgo/espflash/internal/slip"
	"github.com/espgo/espflash/internal/target"
)

// fakePort emulates a device on the far end of the serial link. Incoming
// frames are decoded and handed to the handler, whose reply frames are
// queued for the host to read.
type fakePort struct {
	inbox   bytes.Buffer
	written []byte // every byte the host wrote, frames included
	pending []byte
	baud    int
	reqs    []*protocol.Request
	handler func(req *protocol.Request) [][]byte
}

func newFakePort(handler func(req *protocol.Request) [][]byte) *fakePort {
	return &fakePort{baud: protocol.DefaultBaudRate, handler: handler}
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.written = append(p.written, data...)
	p.pending = append(p.pending, data...)
	for {
		frame, rest := slip.ReadFrame(p.pending)
		if frame == nil {
			break
		}
		p.pending = append([]byte(nil), rest...)

		payload, err := slip.Decode(frame)
		if err != nil {
			continue
		}
		req, err := protocol.DecodeRequest(payload, -1)
		if err != nil {
			continue
		}
		p.reqs = append(p.reqs, req)
		if p.handler == nil {
			continue
		}
		for _, resp := range p.handler(req) {
			p.inbox.Write(slip.Encode(resp))
		}
	}
	return len(data), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	return p.inbox.Read(buf)
}

func (p *fakePort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.inbox.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return p.inbox.Read(buf)
}

func (p *fakePort) DrainInput(window time.Duration) []byte {
	drained := p.inbox.Bytes()
	p.inbox.Reset()
	return drained
}

func (p *fakePort) Flush() error                  { return nil }
func (p *fakePort) SetDTR(bool) error             { return nil }
func (p *fakePort) SetRTS(bool) error             { return nil }
func (p *fakePort) SendBreak(time.Duration) error { return nil }
func (p *fakePort) SetBaudRate(baud int) error    { p.baud = baud; return nil }
func (p *fakePort) BaudRate() int                 { return p.baud }
func (p *fakePort) PortName() string              { return "fake" }
func (p *fakePort) Close() error                  { return nil }

// response builds a raw response packet with a two-byte status trailer.
func response(cmd byte, value uint32, data []byte, status, errCode byte) []byte {
	body := append(append([]byte{}, data...), status, errCode)
	raw := make([]byte, 8+len(body))
	raw[0] = protocol.DirResponse
	raw[1] = cmd
	binary.LittleEndian.PutUint16(raw[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(raw[4:8], value)
	copy(raw[8:], body)
	return raw
}

func echoLoader(registers map[uint32]uint32) func(req *protocol.Request) [][]byte {
	return func(req *protocol.Request) [][]byte {
		switch req.Command {
		case protocol.CmdSync:
			return [][]byte{response(protocol.CmdSync, 0, nil, 0, 0)}
		case protocol.CmdReadReg:
			addr := binary.LittleEndian.Uint32(req.Data[0:4])
			return [][]byte{response(protocol.CmdReadReg, registers[addr], nil, 0, 0)}
		default:
			return [][]byte{response(req.Command, 0, nil, 0, 0)}
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UsbJtagSettle = 0
	cfg.SyncTimeout = 5 * time.Millisecond
	return cfg
}

func TestSync(t *testing.T) {
	conn := New(newFakePort(echoLoader(nil)), testConfig())
	if err := conn.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestBegin_RunsResetChain(t *testing.T) {
	conn := New(newFakePort(echoLoader(nil)), testConfig())
	if err := conn.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
}

func TestBegin_FailsWithoutDevice(t *testing.T) {
	conn := New(newFakePort(nil), testConfig())
	err := conn.Begin()
	if !errors.Is(err, ErrDownloadMode) {
		t.Errorf("Begin() error = %v, want ErrDownloadMode", err)
	}
}

func TestDetectChip_ByMagic(t *testing.T) {
	regs := map[uint32]uint32{target.ChipMagicRegister: 0x2CE0806F}
	conn := New(newFakePort(echoLoader(regs)), testConfig())

	def, err := conn.DetectChip()
	if err != nil {
		t.Fatalf("DetectChip() error = %v", err)
	}
	if def.Chip != target.ESP32C6 {
		t.Errorf("DetectChip() = %v, want esp32c6", def.Chip)
	}
	if conn.Target() != def {
		t.Error("Target() not updated after detection")
	}
}

func TestDetectChip_FallsBackToSecurityInfo(t *testing.T) {
	handler := func(req *protocol.Request) [][]byte {
		switch req.Command {
		case protocol.CmdReadReg:
			// Unknown magic value
			return [][]byte{response(protocol.CmdReadReg, 0xFFFF0000, nil, 0, 0)}
		case protocol.CmdGetSecurityInfo:
			info := make([]byte, 20)
			binary.LittleEndian.PutUint32(info[12:16], 23) // ESP32-C5
			return [][]byte{response(protocol.CmdGetSecurityInfo, 0, info, 0, 0)}
		default:
			return [][]byte{response(req.Command, 0, nil, 0, 0)}
		}
	}

	conn := New(newFakePort(handler), testConfig())
	def, err := conn.DetectChip()
	if err != nil {
		t.Fatalf("DetectChip() error = %v", err)
	}
	if def.Chip != target.ESP32C5 {
		t.Errorf("DetectChip() = %v, want esp32c5", def.Chip)
	}
}

func TestCommand_StatusError(t *testing.T) {
	handler := func(req *protocol.Request) [][]byte {
		return [][]byte{response(req.Command, 0, nil, 1, protocol.ErrFlashWriteErr)}
	}
	conn := New(newFakePort(handler), testConfig())

	_, err := conn.Command(protocol.CmdFlashData, nil, 0, 200*time.Millisecond)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Command() error = %v, want *StatusError", err)
	}
	if statusErr.Code != protocol.ErrFlashWriteErr {
		t.Errorf("status code = 0x%02X, want flash write error", statusErr.Code)
	}
}

func TestCommand_DiscardsUnrelatedFrames(t *testing.T) {
	handler := func(req *protocol.Request) [][]byte {
		// A stale frame for another opcode arrives first
		return [][]byte{
			response(protocol.CmdSync, 0, nil, 0, 0),
			response(req.Command, 0x42, nil, 0, 0),
		}
	}
	conn := New(newFakePort(handler), testConfig())

	resp, err := conn.Command(protocol.CmdReadReg, protocol.ReadRegData(0), 0, time.Second)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if resp.Value != 0x42 {
		t.Errorf("value = 0x%X, want 0x42", resp.Value)
	}
}

func TestCommand_TimeoutMarksSuspect(t *testing.T) {
	mute := true
	handler := func(req *protocol.Request) [][]byte {
		if mute {
			return nil
		}
		return [][]byte{response(req.Command, 0, nil, 0, 0)}
	}
	conn := New(newFakePort(handler), testConfig())

	_, err := conn.Command(protocol.CmdReadReg, protocol.ReadRegData(0), 0, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Command() error = %v, want ErrTimeout", err)
	}

	// Device comes back; the connection resyncs before the next command
	mute = false
	resp, err := conn.Command(protocol.CmdReadReg, protocol.ReadRegData(0), 0, time.Second)
	if err != nil {
		t.Fatalf("Command() after resync error = %v", err)
	}
	if !resp.IsSuccess() {
		t.Error("expected success after resync")
	}
}

func TestReadRegister(t *testing.T) {
	regs := map[uint32]uint32{0x1000: 0xCAFEBABE}
	conn := New(newFakePort(echoLoader(regs)), testConfig())

	value, err := conn.ReadRegister(0x1000)
	if err != nil {
		t.Fatalf("ReadRegister() error = %v", err)
	}
	if value != 0xCAFEBABE {
		t.Errorf("ReadRegister() = 0x%08X, want 0xCAFEBABE", value)
	}
}

func TestChangeBaud(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())
	conn.SetTarget(mustTarget(t, "esp32c3"))

	if err := conn.ChangeBaud(921600); err != nil {
		t.Fatalf("ChangeBaud() error = %v", err)
	}
	if port.baud != 921600 {
		t.Errorf("port baud = %d, want 921600", port.baud)
	}
}

func TestWriteAck_Encoding(t *testing.T) {
	port := newFakePort(nil)
	conn := New(port, testConfig())

	if err := conn.WriteAck(0x1234); err != nil {
		t.Fatalf("WriteAck() error = %v", err)
	}

	frame, _ := slip.ReadFrame(port.written)
	payload, err := slip.Decode(frame)
	if err != nil {
		t.Fatalf("decoding ack frame: %v", err)
	}
	if got := binary.LittleEndian.Uint32(payload); got != 0x1234 {
		t.Errorf("ack = 0x%X, want 0x1234", got)
	}
}

// commandLog returns the opcodes of the non-sync requests the device saw.
func (p *fakePort) commandLog() []byte {
	var ops []byte
	for _, req := range p.reqs {
		if req.Command != protocol.CmdSync {
			ops = append(ops, req.Command)
		}
	}
	return ops
}

func TestResetAfter_NoResetReloadsRomFromStub(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())
	conn.SetStubActive(true)

	if err := ResetAfter(conn, AfterNoReset); err != nil {
		t.Fatalf("ResetAfter(no-reset) error = %v", err)
	}

	// Leaving a resident stub means re-loading the ROM loader via an
	// empty FLASH_BEGIN and FLASH_END(reboot)
	ops := port.commandLog()
	want := []byte{protocol.CmdFlashBegin, protocol.CmdFlashEnd}
	if !bytes.Equal(ops, want) {
		t.Fatalf("opcodes = %X, want %X", ops, want)
	}

	end := port.reqs[len(port.reqs)-1]
	if got := binary.LittleEndian.Uint32(end.Data); got != 0 {
		t.Errorf("FLASH_END argument = %d, want 0 (reboot)", got)
	}
}

func TestResetAfter_NoResetInRomIsNoop(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())

	if err := ResetAfter(conn, AfterNoReset); err != nil {
		t.Fatalf("ResetAfter(no-reset) error = %v", err)
	}
	if ops := port.commandLog(); len(ops) != 0 {
		t.Errorf("ROM loader needs no commands to stay put, got %X", ops)
	}
}

func TestResetAfter_NoResetNoStubLeavesStub(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())
	conn.SetStubActive(true)

	if err := ResetAfter(conn, AfterNoResetNoStub); err != nil {
		t.Fatalf("ResetAfter(no-reset-no-stub) error = %v", err)
	}
	if ops := port.commandLog(); len(ops) != 0 {
		t.Errorf("no-reset-no-stub must not touch the device, got %X", ops)
	}
}

func TestResetAfter_SoftResetRunsUserCodeFromStub(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())
	conn.SetStubActive(true)

	if err := ResetAfter(conn, AfterSoftReset); err != nil {
		t.Fatalf("ResetAfter(soft-reset) error = %v", err)
	}

	ops := port.commandLog()
	want := []byte{protocol.CmdRunUserCode}
	if !bytes.Equal(ops, want) {
		t.Errorf("opcodes = %X, want %X", ops, want)
	}
}

func TestResetAfter_SoftResetFromRom(t *testing.T) {
	port := newFakePort(echoLoader(nil))
	conn := New(port, testConfig())

	if err := ResetAfter(conn, AfterSoftReset); err != nil {
		t.Fatalf("ResetAfter(soft-reset) error = %v", err)
	}

	// The ROM loader approximates a soft reset with an empty write cycle
	ops := port.commandLog()
	want := []byte{protocol.CmdFlashBegin, protocol.CmdFlashEnd}
	if !bytes.Equal(ops, want) {
		t.Fatalf("opcodes = %X, want %X", ops, want)
	}

	end := port.reqs[len(port.reqs)-1]
	if got := binary.LittleEndian.Uint32(end.Data); got != 1 {
		t.Errorf("FLASH_END argument = %d, want 1 (run user code)", got)
	}
}

func TestIntoRawPort(t *testing.T) {
	port := newFakePort(nil)
	conn := New(port, testConfig())

	raw := conn.IntoRawPort()
	if raw != Transport(port) {
		t.Error("IntoRawPort() did not return the underlying transport")
	}
}

func mustTarget(t *testing.T, name string) *target.Definition {
	t.Helper()
	def, err := target.ByName(name)
	if err != nil {
		t.Fatalf("ByName(%s): %v", name, err)
	}
	return def
}
