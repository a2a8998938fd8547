package mux

import "github.com/particle-iot/esp32-ncp-firmware/ncperr"

// Control channel command codes (DLCI 0), GSM 07.10 basic-mode control
// command type field (bits 2-7 of the command byte; the encoder adds the EA
// bit 0 and the C/R bit 1).
type controlCmd byte

const (
	cmdPN    controlCmd = 0x80 // parameter negotiation
	cmdPSC   controlCmd = 0x40 // power saving control
	cmdCLD   controlCmd = 0xC0 // multiplexer close down
	cmdTest  controlCmd = 0x20 // test command
	cmdFCON  controlCmd = 0xA0 // flow control on (global)
	cmdFCOFF controlCmd = 0x60 // flow control off (global)
	cmdMSC   controlCmd = 0xE0 // modem status command
	cmdNSC   controlCmd = 0x10 // non-supported command response
)

// controlFrame is one control-channel command or response, carried as the
// payload of a UIH frame on DLCI 0.
type controlFrame struct {
	Cmd controlCmd
	CR  bool // true = command, false = response
	Val []byte
}

// encodeControlFrame serializes a control command using the same EA-chained
// byte layout as the outer frame's address/length fields.
func encodeControlFrame(cf controlFrame) []byte {
	cmdByte := byte(cf.Cmd) | 0x01 // EA=1
	if cf.CR {
		cmdByte |= 0x02
	}
	n := len(cf.Val)
	var lenBytes []byte
	if n <= 127 {
		lenBytes = []byte{byte(n<<1) | 0x01}
	} else {
		lenBytes = []byte{byte(n<<1) & 0xFE, byte(n >> 7)}
	}
	out := make([]byte, 0, 1+len(lenBytes)+n)
	out = append(out, cmdByte)
	out = append(out, lenBytes...)
	out = append(out, cf.Val...)
	return out
}

// decodeControlFrame parses a control command from a DLCI-0 UIH payload.
func decodeControlFrame(payload []byte) (controlFrame, error) {
	if len(payload) < 2 {
		return controlFrame{}, ncperr.ErrProtocol
	}
	cmdByte := payload[0]
	cf := controlFrame{
		Cmd: controlCmd(cmdByte &^ 0x03),
		CR:  cmdByte&0x02 != 0,
	}
	idx := 1
	lenByte := payload[idx]
	idx++
	var n int
	if lenByte&0x01 == 1 {
		n = int(lenByte >> 1)
	} else {
		if len(payload) < idx+1 {
			return controlFrame{}, ncperr.ErrProtocol
		}
		n = (int(lenByte>>1) & 0x7F) | (int(payload[idx]) << 7)
		idx++
	}
	if len(payload) < idx+n {
		return controlFrame{}, ncperr.ErrProtocol
	}
	cf.Val = append([]byte{}, payload[idx:idx+n]...)
	return cf, nil
}

// decodeModemStatus parses an MSC command's DLCI+status value.
func decodeModemStatus(val []byte) (dlci int, status ModemStatus, ok bool) {
	if len(val) < 2 {
		return 0, ModemStatus{}, false
	}
	dlci = int(val[0] >> 2)
	s := val[1]
	status = ModemStatus{
		FC:  s&0x02 != 0,
		RTC: s&0x04 != 0,
		RTR: s&0x08 != 0,
		IC:  s&0x40 != 0,
		DV:  s&0x80 != 0,
	}
	return dlci, status, true
}

// encodeModemStatus serializes an MSC value for the given DLCI and status.
func encodeModemStatus(dlci int, status ModemStatus) []byte {
	addr := byte(dlci<<2) | 0x01
	var s byte = 0x01 // EA bit
	if status.FC {
		s |= 0x02
	}
	if status.RTC {
		s |= 0x04
	}
	if status.RTR {
		s |= 0x08
	}
	if status.IC {
		s |= 0x40
	}
	if status.DV {
		s |= 0x80
	}
	return []byte{addr, s}
}
