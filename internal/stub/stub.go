// Package stub uploads the RAM-resident flasher stub that replaces the
// ROM loader's commands with faster implementations.
package stub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espgo/espflash/embedded"
	"github.com/espgo/espflash/internal/flasher"
	"github.com/espgo/espflash/internal/target"
)

// Handshake is the banner the stub prints once it owns the UART.
const Handshake = "OHAI"

// handshakeWindow bounds how long we wait for the banner before falling
// back to ROM mode.
const handshakeWindow = 3 * time.Second

// ErrUnavailable means no stub is bundled for the chip.
var ErrUnavailable = errors.New("no flasher stub bundled for this chip")

// ErrBadHandshake means the stub started but did not greet us.
var ErrBadHandshake = errors.New("flasher stub did not send its handshake")

// Stub is a relocatable loader blob with its section addresses.
type Stub struct {
	Entry     uint32
	TextStart uint32
	Text      []byte
	DataStart uint32
	Data      []byte
}

// stubJSON is the resource format: section bytes are base64, as converted
// from the esptool stub build output.
type stubJSON struct {
	Entry     uint32 `json:"entry"`
	TextStart uint32 `json:"text_start"`
	Text      string `json:"text"`
	DataStart uint32 `json:"data_start"`
	Data      string `json:"data"`
}

// Load fetches the bundled stub for a chip.
func Load(def *target.Definition) (*Stub, error) {
	raw, ok := embedded.Stub(def.Name())
	if !ok {
		return nil, errors.Annotatef(ErrUnavailable, "%s", def.Name())
	}

	var parsed stubJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Annotatef(err, "parsing %s stub resource", def.Name())
	}

	text, err := base64.StdEncoding.DecodeString(parsed.Text)
	if err != nil {
		return nil, errors.Annotate(err, "decoding stub text")
	}
	data, err := base64.StdEncoding.DecodeString(parsed.Data)
	if err != nil {
		return nil, errors.Annotate(err, "decoding stub data")
	}
	if len(text) == 0 {
		return nil, errors.Annotatef(ErrUnavailable, "%s stub resource has no code", def.Name())
	}

	return &Stub{
		Entry:     parsed.Entry,
		TextStart: parsed.TextStart,
		Text:      text,
		DataStart: parsed.DataStart,
		Data:      data,
	}, nil
}

// Upload writes the stub sections into RAM, jumps to its entry point and
// waits for the handshake banner.
func Upload(ctx context.Context, f *flasher.Flasher, s *Stub) error {
	glog.V(1).Infof("uploading stub: %d text bytes @ 0x%08X, %d data bytes @ 0x%08X, entry 0x%08X",
		len(s.Text), s.TextStart, len(s.Data), s.DataStart, s.Entry)

	segments := []flasher.Segment{{Addr: s.TextStart, Data: s.Text}}
	if len(s.Data) > 0 {
		segments = append(segments, flasher.Segment{Addr: s.DataStart, Data: s.Data})
	}

	if err := f.WriteRAM(ctx, segments, s.Entry, nil); err != nil {
		return errors.Annotate(err, "uploading stub")
	}

	frame, err := f.Conn().ReadFrame(handshakeWindow)
	if err != nil {
		return errors.Annotatef(ErrBadHandshake, "%v", err)
	}
	if string(frame) != Handshake {
		return errors.Annotatef(ErrBadHandshake, "got %q", frame)
	}

	glog.V(1).Info("stub is up")
	return nil
}
