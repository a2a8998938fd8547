package muxtransport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/particle-iot/esp32-ncp-firmware/mux"
	"github.com/particle-iot/esp32-ncp-firmware/transport"
)

// fakeUnderlying is a loopback-capable underlying transport.Transport stand
// in, letting a host-side mux.Session drive the Transport under test directly
// without real hardware.
type fakeUnderlying struct {
	mu       sync.Mutex
	toDevice chan []byte
	toHost   chan []byte

	directMode bool
	cb         transport.DirectModeHandler
}

func newFakeUnderlying() *fakeUnderlying {
	return &fakeUnderlying{
		toDevice: make(chan []byte, 256),
		toHost:   make(chan []byte, 256),
	}
}

func (f *fakeUnderlying) ReadData(buf []byte, timeout time.Duration) (int, error) {
	select {
	case data := <-f.toDevice:
		return copy(buf, data), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakeUnderlying) WriteData(buf []byte) (int, error) {
	cp := append([]byte{}, buf...)
	f.toHost <- cp
	return len(buf), nil
}

func (f *fakeUnderlying) SetDirectMode(on bool, cb transport.DirectModeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directMode = on
	f.cb = cb
}

func (f *fakeUnderlying) WaitWriteComplete(timeout time.Duration) error {
	return nil
}

// hostSide wraps the fake's channels as an iostream.ReadWriter so a real
// mux.Session can act as the host end of the link.
type hostSide struct {
	f *fakeUnderlying
}

func (h hostSide) Read(buf []byte, timeout time.Duration) (int, error) {
	select {
	case data := <-h.f.toHost:
		return copy(buf, data), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (h hostSide) Write(buf []byte) (int, error) {
	cp := append([]byte{}, buf...)
	h.f.toDevice <- cp
	h.f.mu.Lock()
	cb := h.f.cb
	direct := h.f.directMode
	h.f.mu.Unlock()
	if direct && cb != nil {
		cb(len(buf))
	}
	return len(buf), nil
}

func pumpHost(host *mux.Session, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			host.NotifyInput(1)
		}
	}
}

func TestMuxTransportATRoundTrip(t *testing.T) {
	under := newFakeUnderlying()
	mt := New(under, mux.Options{MaxFrameSize: 128}, nil)
	require.NoError(t, mt.Init())
	defer mt.Destroy()

	host := mux.NewSession(hostSide{under}, mux.Options{MaxFrameSize: 128})
	stop := make(chan struct{})
	defer close(stop)
	host.Start()
	go pumpHost(host, stop)

	require.NoError(t, host.OpenChannel(0))
	require.Eventually(t, func() bool { return mt.IsRunning() }, time.Second, 5*time.Millisecond)

	require.NoError(t, host.OpenChannel(ChannelAT))
	require.Eventually(t, func() bool { return true }, 50*time.Millisecond, 5*time.Millisecond)

	_, err := host.WriteChannel(ChannelAT, []byte("AT\r\n"), time.Second)
	require.NoError(t, err)

	buf := make([]byte, 64)
	var n int
	require.Eventually(t, func() bool {
		var err error
		n, err = mt.ReadData(buf, 10*time.Millisecond)
		require.NoError(t, err)
		return n > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "AT\r\n", string(buf[:n]))

	_, err = mt.WriteData([]byte("OK\r\n"))
	require.NoError(t, err)
}

func TestNetBridgeDeliversInboundAndDropsOnFullQueue(t *testing.T) {
	under := newFakeUnderlying()
	var delivered [][]byte
	var mu sync.Mutex
	stationIface := injectFunc(func(p []byte) error {
		mu.Lock()
		delivered = append(delivered, append([]byte{}, p...))
		mu.Unlock()
		return nil
	})
	mt := New(under, mux.Options{MaxFrameSize: 128}, nil)
	nb := NewNetBridge(mt, stationIface, nil, 1)
	require.NoError(t, mt.Init())
	defer mt.Destroy()
	nb.Start()
	defer nb.Stop()

	host := mux.NewSession(hostSide{under}, mux.Options{MaxFrameSize: 128})
	stop := make(chan struct{})
	defer close(stop)
	host.Start()
	go pumpHost(host, stop)

	require.NoError(t, host.OpenChannel(0))
	require.Eventually(t, func() bool { return mt.IsRunning() }, time.Second, 5*time.Millisecond)
	require.NoError(t, host.OpenChannel(ChannelStation))

	_, err := host.WriteChannel(ChannelStation, []byte("ethframe"), time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	// An interface other than station or soft-AP is refused outright.
	require.False(t, nb.SendFrame(999, make([]byte, 10)))

	// A bridge whose worker is not started never drains, so with a queue
	// depth of 1 the second frame is dropped.
	full := NewNetBridge(mt, nil, nil, 1)
	require.True(t, full.SendFrame(ChannelStation, []byte("a")))
	require.False(t, full.SendFrame(ChannelStation, []byte("b")))
}

type injectFunc func(payload []byte) error

func (f injectFunc) InjectFrame(payload []byte) error { return f(payload) }

func TestMuxTransportDirectModeBypassesMuxer(t *testing.T) {
	under := newFakeUnderlying()
	mt := New(under, mux.Options{MaxFrameSize: 128}, nil)
	require.NoError(t, mt.Init())
	defer mt.Destroy()
	require.False(t, mt.IsDirectMode())

	notified := make(chan int, 1)
	mt.SetDirectMode(true, func(n int) { notified <- n })
	require.True(t, mt.IsDirectMode())

	// WriteData must go straight to the underlying transport, with no GSM
	// 07.10 framing wrapped around it.
	_, err := mt.WriteData([]byte("NCG"))
	require.NoError(t, err)
	require.Equal(t, "NCG", string(<-under.toHost))

	// Bytes arriving on the underlying transport must be retrievable via
	// ReadData, and the caller's own callback (not the muxer's input pump)
	// must fire.
	_, err = hostSide{under}.Write([]byte("hello"))
	require.NoError(t, err)
	select {
	case n := <-notified:
		require.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("direct mode callback never fired")
	}
	buf := make([]byte, 16)
	n, err := mt.ReadData(buf, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	// Leaving direct mode hands the wire back to the muxer's own input pump.
	mt.SetDirectMode(false, nil)
	require.False(t, mt.IsDirectMode())
}
