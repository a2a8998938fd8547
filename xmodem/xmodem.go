// Package xmodem implements an XMODEM-1K receive state machine, ported
// state-for-state from the original firmware's xmodem_receiver, driven by a
// caller in a tight non-blocking poll loop rather than owning its own
// goroutine so the +FWUPD command handler controls priority and
// cancellation.
package xmodem

import (
	"time"

	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/iostream"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

// Control bytes.
const (
	ctrlSOH byte = 0x01
	ctrlSTX byte = 0x02
	ctrlEOT byte = 0x04
	ctrlACK byte = 0x06
	ctrlNAK byte = 0x15
	ctrlCAN byte = 0x18
	ctrlC   byte = 0x43
)

const (
	headerSize = 2 // packet number + complement
	crcSize    = 2
	maxPacket  = 1024
	bufferSize = maxPacket + headerSize + crcSize

	ncgInterval    = 3 * time.Second
	packetTimeout  = 10 * time.Second
	maxNCGRetry    = 10
	maxPacketRetry = 2
	sendCANCount   = 8
	recvCANCount   = 2

	readPoll = 50 * time.Millisecond
)

// Status is the outcome of one Run call.
type Status int

const (
	StatusDone Status = iota
	StatusRunning
)

type state int

const (
	stateSendNCG state = iota
	stateRecvSOH
	stateRecvPacketHeader
	stateRecvPacketData
	stateSendPacketAck
	stateSendPacketNak
	stateSendEOTAck
	stateSendCAN
)

// Receiver is the XMODEM-1K receive state machine. Not goroutine-safe; a
// single caller drives Run to completion. wire is the bidirectional link to
// the sender (the transport in direct mode); dest is the firmware image
// sink.
type Receiver struct {
	wire iostream.ReadWriter
	dest iostream.Sink

	state     state
	stateTime time.Time

	retryCount int
	canCount   int
	ncgRetries int
	lastErr    error

	fileSize int
	fileOffs int

	packetSize int // bytes expected for the packet currently being received
	packetOffs int
	packetNum  int // number of the packet whose header was last accepted (1-based); set before its CRC is checked

	buf []byte // in-progress packet: header(2) + data(packetSize) + crc(2)

	held      []byte // previous packet's data, flushed on confirmation or EOT
	heldValid bool

	canSent int
}

// New constructs a Receiver that will pull bytes from wire and write the
// decoded file to dest, expecting exactly expectedSize bytes.
func New(wire iostream.ReadWriter, dest iostream.Sink, expectedSize int) *Receiver {
	return &Receiver{
		wire:      wire,
		dest:      dest,
		fileSize:  expectedSize,
		buf:       make([]byte, 0, bufferSize),
		state:     stateSendNCG,
		stateTime: time.Now(),
	}
}

// Run executes one non-blocking step of the protocol and returns
// StatusRunning until the transfer completes or fails.
func (r *Receiver) Run() (Status, error) {
	switch r.state {
	case stateSendNCG:
		return r.sendNCG()
	case stateRecvSOH:
		return r.recvSOH()
	case stateRecvPacketHeader:
		return r.recvPacketHeader()
	case stateRecvPacketData:
		return r.recvPacketData()
	case stateSendPacketAck:
		return r.sendPacketAck()
	case stateSendPacketNak:
		return r.sendPacketNak()
	case stateSendEOTAck:
		return r.sendEOTAck()
	case stateSendCAN:
		return r.sendCAN()
	default:
		return StatusDone, errors.Wrap(ncperr.ErrInvalidState, "xmodem: invalid state")
	}
}

func (r *Receiver) setState(s state, restartTimer bool) {
	r.state = s
	if restartTimer {
		r.stateTime = time.Now()
	}
}

func (r *Receiver) setError(err error) (Status, error) {
	r.lastErr = err
	r.packetOffs = 0
	r.packetSize = 0
	r.canSent = 0
	r.setState(stateSendCAN, true)
	return StatusRunning, nil
}

func (r *Receiver) timedOut(limit time.Duration) bool {
	return time.Since(r.stateTime) >= limit
}

func (r *Receiver) readByte() (byte, bool, error) {
	var b [1]byte
	n, err := r.wire.Read(b[:], readPoll)
	if err != nil {
		return 0, false, errors.Wrap(ncperr.ErrIO, err.Error())
	}
	return b[0], n > 0, nil
}

func (r *Receiver) writeByte(b byte) error {
	_, err := r.wire.Write([]byte{b})
	return errors.Wrap(err, "xmodem: write")
}

func (r *Receiver) sendNCG() (Status, error) {
	if err := r.writeByte(ctrlC); err != nil {
		return StatusRunning, nil
	}
	r.setState(stateRecvSOH, false)
	return StatusRunning, nil
}

// recvSOH waits for a packet header byte (SOH/STX), EOT, or CAN, retrying the
// NCG byte on a 3s timeout up to 10 times.
func (r *Receiver) recvSOH() (Status, error) {
	b, ok, err := r.readByte()
	if err != nil {
		return r.setError(err)
	}
	if !ok {
		if r.packetNum != 0 {
			if r.timedOut(packetTimeout) {
				return r.setError(errors.Wrap(ncperr.ErrTimeout, "xmodem: packet timeout"))
			}
			return StatusRunning, nil
		}
		if r.timedOut(ncgInterval) {
			r.ncgRetries++
			if r.ncgRetries >= maxNCGRetry {
				_ = r.dest.Cancel()
				return StatusDone, errors.Wrap(ncperr.ErrTimeout, "xmodem: sender never responded to NCG")
			}
			r.setState(stateSendNCG, true)
		}
		return StatusRunning, nil
	}

	switch b {
	case ctrlCAN:
		r.canCount++
		if r.canCount >= recvCANCount {
			_ = r.dest.Cancel()
			return StatusDone, errors.Wrap(ncperr.ErrCancelled, "xmodem: sender cancelled")
		}
		return StatusRunning, nil
	case ctrlEOT:
		r.flushHeld(true)
		if r.fileOffs != r.fileSize {
			return r.setError(errors.Wrap(ncperr.ErrProtocol, "xmodem: EOT before file size reached"))
		}
		r.setState(stateSendEOTAck, true)
		return StatusRunning, nil
	case ctrlSOH, ctrlSTX:
		if r.fileOffs == r.fileSize {
			return r.setError(errors.Wrap(ncperr.ErrProtocol, "xmodem: unexpected packet after file complete"))
		}
		r.canCount = 0
		if b == ctrlSOH {
			r.packetSize = 128
		} else {
			r.packetSize = 1024
		}
		r.buf = r.buf[:0]
		r.buf = append(r.buf, b)
		r.packetOffs = 1
		r.setState(stateRecvPacketHeader, true)
		return StatusRunning, nil
	default:
		return r.setError(errors.Wrap(ncperr.ErrProtocol, "xmodem: unexpected byte waiting for packet"))
	}
}

// recvPacketHeader reads the packet-number and complement bytes.
func (r *Receiver) recvPacketHeader() (Status, error) {
	for r.packetOffs < headerSize+1 {
		b, ok, err := r.readByte()
		if err != nil {
			return r.setError(err)
		}
		if !ok {
			if r.timedOut(packetTimeout) {
				return r.setError(errors.Wrap(ncperr.ErrTimeout, "xmodem: packet header timeout"))
			}
			return StatusRunning, nil
		}
		r.buf = append(r.buf, b)
		r.packetOffs++
	}

	num := r.buf[1]
	comp := r.buf[2]
	if int(num)+int(comp) != 255 {
		return r.setError(errors.Wrap(ncperr.ErrProtocol, "xmodem: packet header complement mismatch"))
	}

	current := byte(r.packetNum & 0xff)
	next := byte((r.packetNum + 1) & 0xff)
	switch {
	case num == current:
		r.retryCount++
		// Retransmission of the already-acknowledged packet: re-receive but
		// do not advance packetNum or re-flush the held payload. The retry
		// count is only enforced once the retransmitted data's CRC is known
		// to be bad (recvPacketData); a good CRC on this very attempt still
		// succeeds even if it's the last one allowed.
	case num == next:
		r.flushHeld(false)
		r.packetNum++
		r.retryCount = 0
	default:
		return r.setError(errors.Wrap(ncperr.ErrProtocol, "xmodem: out-of-sequence packet number"))
	}

	r.setState(stateRecvPacketData, true)
	return StatusRunning, nil
}

// recvPacketData reads the payload and trailing CRC-16.
func (r *Receiver) recvPacketData() (Status, error) {
	total := headerSize + 1 + r.packetSize + crcSize
	for len(r.buf) < total {
		b, ok, err := r.readByte()
		if err != nil {
			return r.setError(err)
		}
		if !ok {
			if r.timedOut(packetTimeout) {
				return r.setError(errors.Wrap(ncperr.ErrTimeout, "xmodem: packet data timeout"))
			}
			return StatusRunning, nil
		}
		r.buf = append(r.buf, b)
	}

	data := r.buf[headerSize+1 : headerSize+1+r.packetSize]
	crcBytes := r.buf[headerSize+1+r.packetSize:]
	got := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	want := CRC16(data)
	if got != want {
		if r.retryCount >= maxPacketRetry {
			return r.setError(errors.Wrap(ncperr.ErrLimitExceeded, "xmodem: too many CRC retries"))
		}
		r.setState(stateSendPacketNak, true)
		return StatusRunning, nil
	}

	// Hold this packet's data; it is flushed once the next header confirms
	// it (or on EOT), so a retransmission never needs to replay from dest.
	r.held = append(r.held[:0], data...)
	r.heldValid = true
	r.setState(stateSendPacketAck, true)
	return StatusRunning, nil
}

func (r *Receiver) sendPacketAck() (Status, error) {
	if err := r.writeByte(ctrlACK); err != nil {
		return StatusRunning, nil
	}
	r.setState(stateRecvSOH, true)
	return StatusRunning, nil
}

func (r *Receiver) sendPacketNak() (Status, error) {
	if err := r.writeByte(ctrlNAK); err != nil {
		return StatusRunning, nil
	}
	r.setState(stateRecvSOH, true)
	return StatusRunning, nil
}

func (r *Receiver) sendEOTAck() (Status, error) {
	if err := r.writeByte(ctrlACK); err != nil {
		return StatusRunning, nil
	}
	if err := r.dest.Finish(); err != nil {
		return StatusDone, errors.Wrap(err, "xmodem: finish destination")
	}
	return StatusDone, nil
}

func (r *Receiver) sendCAN() (Status, error) {
	for r.canSent < sendCANCount {
		if err := r.writeByte(ctrlCAN); err != nil {
			return StatusRunning, nil
		}
		r.canSent++
	}
	_ = r.dest.Cancel()
	return StatusDone, r.lastErr
}

// flushHeld writes the held packet's payload to dest, truncated to the
// remaining file size, and clears it. The same truncation applies whether or
// not final is set (final is true on EOT): at most fileSize-fileOffs bytes are
// written, so the SUB/0x1A padding of the last packet never reaches dest.
func (r *Receiver) flushHeld(final bool) {
	if !r.heldValid {
		return
	}
	n := len(r.held)
	if remaining := r.fileSize - r.fileOffs; n > remaining {
		n = remaining
	}
	if n > 0 {
		if _, err := r.dest.Write(r.held[:n]); err != nil {
			r.lastErr = errors.Wrap(err, "xmodem: write to destination")
		}
		r.fileOffs += n
	}
	r.heldValid = false
}

// LastError returns the error that caused the most recent transition into
// stateSendCAN, if any.
func (r *Receiver) LastError() error {
	return r.lastErr
}
