package transport

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

// fakeSerialPort is an in-memory io.ReadWriteCloser stand-in for a real
// serial port, in the style of npi_test.go's TestLink fake.
type fakeSerialPort struct {
	mu     sync.Mutex
	toRead [][]byte
	cond   *sync.Cond
	closed bool
	writes [][]byte
}

func newFakeSerialPort() *fakeSerialPort {
	f := &fakeSerialPort{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeSerialPort) push(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRead = append(f.toRead, b)
	f.cond.Broadcast()
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.toRead) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return 0, io.EOF
	}
	chunk := f.toRead[0]
	f.toRead = f.toRead[1:]
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakeSerialPort) feed(b []byte) {
	f.push(b)
}

func (f *fakeSerialPort) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func (f *fakeSerialPort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

func TestUARTReadDataBuffersAcrossReads(t *testing.T) {
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	require.NoError(t, u.Init())
	defer u.Destroy()

	fake.push([]byte("hello "))
	fake.push([]byte("world"))

	dst := make([]byte, 32)
	var got []byte
	deadline := time.Now().Add(time.Second)
	for len(got) < len("hello world") && time.Now().Before(deadline) {
		n, err := u.ReadData(dst, 100*time.Millisecond)
		require.NoError(t, err)
		got = append(got, dst[:n]...)
	}
	require.Equal(t, "hello world", string(got))
}

func TestUARTReadDataTimesOutWithNoData(t *testing.T) {
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	require.NoError(t, u.Init())
	defer u.Destroy()

	dst := make([]byte, 8)
	n, err := u.ReadData(dst, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUARTDirectModeNotifiesAndStillBuffersForReadData(t *testing.T) {
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	require.NoError(t, u.Init())
	defer u.Destroy()

	notified := make(chan int, 1)
	u.SetDirectMode(true, func(n int) { notified <- n })

	fake.push([]byte("xmodem"))
	select {
	case n := <-notified:
		require.Equal(t, 6, n)
	case <-time.After(time.Second):
		t.Fatal("direct mode callback never fired")
	}

	dst := make([]byte, 16)
	n, err := u.ReadData(dst, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "xmodem", string(dst[:n]))
}

func TestUARTWriteDataAndWaitWriteComplete(t *testing.T) {
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	require.NoError(t, u.Init())
	defer u.Destroy()

	n, err := u.WriteData([]byte("AT\r\n"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, u.WaitWriteComplete(time.Second))
}

func TestUARTWaitWriteCompleteTimesOutWithNothingWritten(t *testing.T) {
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	require.NoError(t, u.Init())
	defer u.Destroy()

	err := u.WaitWriteComplete(20 * time.Millisecond)
	require.Error(t, err)
}

func TestActiveTransportRegistry(t *testing.T) {
	require.Nil(t, Active())
	fake := newFakeSerialPort()
	u := newUARTFromPort(DefaultUARTConfig("fake"), fake)
	SetActive(u)
	got, err := WithActive()
	require.NoError(t, err)
	require.Equal(t, Transport(u), got)
	ClearActive(u)
	_, err = WithActive()
	require.ErrorIs(t, err, ncperr.ErrInvalidState)
}
