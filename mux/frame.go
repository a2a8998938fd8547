// Package mux implements a GSM 07.10 basic-mode multiplexer: frame
// encoding/decoding, per-channel state machines, the control channel, and
// flow-controlled channel writes, carried over any iostream.ReadWriter.
package mux

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

var log = logrus.WithField("component", "mux")

const flagByte = 0xF9

// Control field values (basic mode, P/F bit cleared). Encode sets the P/F
// bit (0x10) when Frame.PF is true.
const (
	ctrlSABM = 0x2F
	ctrlUA   = 0x63
	ctrlDM   = 0x0F
	ctrlDISC = 0x43
	ctrlUIH  = 0xEF
	ctrlUI   = 0x03

	pfBit = 0x10
)

// FrameType identifies the decoded control field, with the P/F bit stripped.
type FrameType byte

const (
	FrameSABM FrameType = ctrlSABM
	FrameUA   FrameType = ctrlUA
	FrameDM   FrameType = ctrlDM
	FrameDISC FrameType = ctrlDISC
	FrameUIH  FrameType = ctrlUIH
	FrameUI   FrameType = ctrlUI
)

func (t FrameType) String() string {
	switch t {
	case FrameSABM:
		return "SABM"
	case FrameUA:
		return "UA"
	case FrameDM:
		return "DM"
	case FrameDISC:
		return "DISC"
	case FrameUIH:
		return "UIH"
	case FrameUI:
		return "UI"
	default:
		return "UNKNOWN"
	}
}

// Frame is a decoded GSM 07.10 basic-mode frame.
type Frame struct {
	DLCI    int
	CR      bool // command/response bit
	Type    FrameType
	PF      bool // poll/final bit
	Payload []byte
}

// needsPayloadFCS reports whether the FCS for this frame type covers the
// payload, or only the header (address+control+length) as UIH/UI frames do.
func needsPayloadFCS(t FrameType) bool {
	return t != FrameUIH && t != FrameUI
}

// Encode serializes f into a complete basic-mode frame including flag bytes.
func Encode(f Frame) ([]byte, error) {
	if f.DLCI < 0 || f.DLCI > 63 {
		return nil, errors.Wrap(ncperr.ErrOutOfRange, "mux: dlci out of range")
	}
	addr := byte(f.DLCI<<2) | 0x01 // EA=1
	if f.CR {
		addr |= 0x02
	}
	ctrl := byte(f.Type)
	if f.PF {
		ctrl |= pfBit
	}

	var header []byte
	n := len(f.Payload)
	if n <= 127 {
		header = []byte{addr, ctrl, byte(n<<1) | 0x01}
	} else {
		header = []byte{addr, ctrl, byte(n<<1) & 0xFE, byte(n >> 7)}
	}

	buf := make([]byte, 0, len(header)+n+2+2)
	buf = append(buf, flagByte)
	buf = append(buf, header...)
	buf = append(buf, f.Payload...)

	var fcsInput []byte
	if needsPayloadFCS(f.Type) {
		fcsInput = append(header, f.Payload...)
	} else {
		fcsInput = header
	}
	buf = append(buf, fcs(fcsInput))
	buf = append(buf, flagByte)
	return buf, nil
}

// decodeState drives the byte-at-a-time decoder described in SPEC_FULL.md
// §4.5.
type decodeState int

const (
	stateFlagSearch decodeState = iota
	stateAddr
	stateControl
	stateLen1
	stateLen2
	statePayload
	stateFCS
	stateEndFlag
)

// Decoder incrementally parses a byte stream into Frames. It is not
// goroutine-safe; callers serialize access to Feed.
type Decoder struct {
	maxPayload int

	state   decodeState
	addr    byte
	ctrl    byte
	lenByte byte
	length  int
	payload []byte
	header  []byte

	pendingFrame *Frame

	DroppedBadFCS  int
	DroppedOverLen int
}

// NewDecoder constructs a Decoder that rejects frames whose payload would
// exceed maxPayload (the negotiated N1).
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Feed processes one input byte. It returns a decoded Frame, or nil if more
// bytes are needed or the byte was consumed as protocol noise (e.g. an
// FCS-failed frame, silently dropped per SPEC_FULL.md §4.5).
func (d *Decoder) Feed(b byte) *Frame {
	switch d.state {
	case stateFlagSearch:
		if b == flagByte {
			d.state = stateAddr
			d.header = d.header[:0]
		}
		return nil
	case stateAddr:
		if b == flagByte {
			// Consecutive flags are allowed between frames; stay put.
			return nil
		}
		d.addr = b
		d.header = append(d.header, b)
		d.state = stateControl
		return nil
	case stateControl:
		d.ctrl = b
		d.header = append(d.header, b)
		d.state = stateLen1
		return nil
	case stateLen1:
		d.lenByte = b
		d.header = append(d.header, b)
		if b&0x01 == 1 {
			d.length = int(b >> 1)
			return d.afterLength()
		}
		d.state = stateLen2
		return nil
	case stateLen2:
		d.header = append(d.header, b)
		d.length = (int(d.lenByte>>1) & 0x7F) | (int(b) << 7)
		return d.afterLength()
	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == d.length {
			d.state = stateFCS
		}
		return nil
	case stateFCS:
		ft := FrameType(d.ctrl &^ pfBit)
		var fcsInput []byte
		if needsPayloadFCS(ft) {
			fcsInput = append(append([]byte{}, d.header...), d.payload...)
		} else {
			fcsInput = d.header
		}
		ok := fcs(fcsInput) == b
		d.state = stateEndFlag
		if !ok {
			d.DroppedBadFCS++
			log.WithField("dlci", d.addr>>2).Warn("dropping frame with bad FCS")
			return nil
		}
		f := &Frame{
			DLCI:    int(d.addr >> 2),
			CR:      d.addr&0x02 != 0,
			Type:    ft,
			PF:      d.ctrl&pfBit != 0,
			Payload: append([]byte{}, d.payload...),
		}
		d.pendingFrame = f
		return nil
	case stateEndFlag:
		out := d.pendingFrame
		d.pendingFrame = nil
		if b == flagByte {
			// This flag closes the current frame and doubles as the open
			// flag of the next one, per GSM 07.10's shared-flag convention.
			d.state = stateAddr
			d.header = d.header[:0]
			return out
		}
		// Malformed: missing closing flag. Resync by searching again.
		d.state = stateFlagSearch
		return out
	}
	return nil
}

func (d *Decoder) afterLength() *Frame {
	if d.length > d.maxPayload {
		d.DroppedOverLen++
		log.WithField("length", d.length).Warn("dropping frame exceeding max payload")
		d.state = stateFlagSearch
		return nil
	}
	if d.length == 0 {
		d.state = stateFCS
		return nil
	}
	d.payload = d.payload[:0]
	d.state = statePayload
	return nil
}
