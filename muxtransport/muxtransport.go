// Package muxtransport binds a GSM 07.10 mux.Session to an underlying
// transport.Transport, presenting channel 1 (AT traffic) back through the
// transport.Transport contract while channels 2 and 3 are bridged to the
// network stack, per SPEC_FULL.md §4.6.
package muxtransport

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/mux"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
	"github.com/particle-iot/esp32-ncp-firmware/ringbuf"
	"github.com/particle-iot/esp32-ncp-firmware/transport"
)

var log = logrus.WithField("component", "muxtransport")

// Channel assignment, per SPEC_FULL.md §6.
const (
	ChannelAT      = 1
	ChannelStation = 2
	ChannelSoftAP  = 3
)

// underlying is the slice of transport.Transport this package depends on, so
// tests can supply a small fake in place of a full transport.
type underlying interface {
	ReadData(buf []byte, timeout time.Duration) (int, error)
	WriteData(buf []byte) (int, error)
	SetDirectMode(on bool, cb transport.DirectModeHandler)
	WaitWriteComplete(timeout time.Duration) error
}

// Transport implements transport.Transport on top of a mux.Session, and also
// exposes the station/soft-AP channels to a netbridge.
type Transport struct {
	under underlying
	sess  *mux.Session

	rx *ringbuf.RingBuffer

	mu         sync.Mutex
	started    bool
	directMode bool
	directCb   transport.DirectModeHandler

	onNetFrame func(iface int, payload []byte)
}

// directReader adapts the underlying transport's ReadData into the
// iostream.Reader shape mux.Session expects.
type directReader struct {
	under underlying
}

func (d directReader) Read(buf []byte, timeout time.Duration) (int, error) {
	return d.under.ReadData(buf, timeout)
}

type directWriter struct {
	under underlying
}

func (d directWriter) Write(buf []byte) (int, error) {
	return d.under.WriteData(buf)
}

type directReadWriter struct {
	directReader
	directWriter
}

// New constructs a mux transport bound to under, which must support direct
// mode. onNetFrame, if non-nil, is called with station/soft-AP inbound
// payloads for the IP-stack bridge to reinject.
func New(under underlying, opts mux.Options, onNetFrame func(iface int, payload []byte)) *Transport {
	rw := directReadWriter{directReader{under}, directWriter{under}}
	t := &Transport{
		under:      under,
		sess:       mux.NewSession(rw, opts),
		rx:         ringbuf.New(4096),
		onNetFrame: onNetFrame,
	}
	t.sess.RegisterChannel(ChannelAT, t.onATData, nil)
	t.sess.RegisterChannel(ChannelStation, t.onNetData(ChannelStation), nil)
	t.sess.RegisterChannel(ChannelSoftAP, t.onNetData(ChannelSoftAP), nil)
	return t
}

func (t *Transport) onATData(dlci int, payload []byte) {
	if _, err := t.rx.Put(payload); err != nil {
		log.WithError(err).Warn("mux transport AT rx buffer overrun, dropping bytes")
	}
}

func (t *Transport) onNetData(iface int) mux.DataHandler {
	return func(dlci int, payload []byte) {
		if t.onNetFrame != nil {
			t.onNetFrame(iface, payload)
		}
	}
}

// Init puts the underlying transport into direct mode so the muxer owns the
// wire, starts the muxer session, and installs itself as the active
// transport so AT traffic routes through channel 1.
func (t *Transport) Init() error {
	t.mu.Lock()
	t.under.SetDirectMode(true, func(n int) { t.sess.NotifyInput(n) })
	t.started = true
	t.mu.Unlock()
	t.sess.Start()
	transport.SetActive(t)
	return nil
}

// Destroy stops the muxer and clears direct mode, handing the wire back to
// the underlying transport; if under is a full transport.Transport and no
// other transport took over, it becomes the active transport again.
func (t *Transport) Destroy() error {
	t.sess.Stop()
	t.under.SetDirectMode(false, nil)
	transport.ClearActive(t)
	if ut, ok := t.under.(transport.Transport); ok && transport.Active() == nil {
		transport.SetActive(ut)
	}
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) ReadData(buf []byte, timeout time.Duration) (int, error) {
	if t.IsDirectMode() {
		return t.under.ReadData(buf, timeout)
	}
	deadline := time.Now().Add(timeout)
	for {
		n := t.rx.Get(buf)
		if n > 0 {
			return n, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *Transport) WriteData(buf []byte) (int, error) {
	if t.IsDirectMode() {
		return t.under.WriteData(buf)
	}
	return t.sess.WriteChannel(ChannelAT, buf, 10*time.Second)
}

// WriteNetFrame sends an Ethernet payload on the station or soft-AP channel,
// the network-input worker's call into this transport per SPEC_FULL.md §4.6.
func (t *Transport) WriteNetFrame(iface int, payload []byte) (int, error) {
	if iface != ChannelStation && iface != ChannelSoftAP {
		return 0, errors.Wrap(ncperr.ErrInvalidParam, "muxtransport: invalid interface")
	}
	return t.sess.WriteChannel(iface, payload, 5*time.Second)
}

func (t *Transport) FlushInput() {
	t.rx.Reset()
}

func (t *Transport) DataLength() int {
	return t.rx.Data()
}

func (t *Transport) WaitWriteComplete(timeout time.Duration) error {
	return t.under.WaitWriteComplete(timeout)
}

// SetDirectMode bypasses the muxer entirely, handing the underlying
// transport's raw byte stream straight through ReadData/WriteData. This is
// what +FWUPD calls on the active transport: while a mux session is
// established, the muxer's own input pump stops being woken (its direct-mode
// callback is swapped out) so XMODEM becomes the wire's sole reader.
func (t *Transport) SetDirectMode(on bool, cb transport.DirectModeHandler) {
	t.mu.Lock()
	t.directMode = on
	t.directCb = cb
	t.mu.Unlock()

	if on {
		t.under.SetDirectMode(true, func(n int) {
			if cb != nil {
				cb(n)
			}
		})
		return
	}
	t.under.SetDirectMode(true, func(n int) { t.sess.NotifyInput(n) })
}

func (t *Transport) IsDirectMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directMode
}

// OpenChannel opens a station/soft-AP data channel, called once the network
// stack brings the corresponding interface up.
func (t *Transport) OpenChannel(iface int) error {
	return t.sess.OpenChannel(iface)
}

// IsRunning reports whether the muxer session is established.
func (t *Transport) IsRunning() bool {
	return t.sess.IsRunning()
}
