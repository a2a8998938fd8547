package transport

import (
	"time"
)

// DirectWire adapts a Transport placed into direct mode into the plain
// iostream.ReadWriter shape XMODEM needs: it puts t into direct mode on
// construction and bridges ReadData/WriteData through, so the AT engine and
// any multiplexer framing sitting on top of t are bypassed for the duration
// of the firmware update.
type DirectWire struct {
	t Transport
}

// NewDirectWire enables direct mode on t. Callers must call Close to restore
// normal framing once the transfer is done.
func NewDirectWire(t Transport) *DirectWire {
	t.SetDirectMode(true, nil)
	return &DirectWire{t: t}
}

func (w *DirectWire) Read(buf []byte, timeout time.Duration) (int, error) {
	return w.t.ReadData(buf, timeout)
}

func (w *DirectWire) Write(buf []byte) (int, error) {
	return w.t.WriteData(buf)
}

// Close leaves direct mode, handing the transport back to whatever framing
// (raw AT or the multiplexer) was active before the update.
func (w *DirectWire) Close() {
	w.t.SetDirectMode(false, nil)
}
