package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
	"github.com/particle-iot/esp32-ncp-firmware/ringbuf"
)

// UARTConfig mirrors the original firmware's AtUartTransport::Config (uart
// port selection, pin assignment, baud/flow-control parameters).
type UARTConfig struct {
	Device            string
	BaudRate          uint
	RXFlowControlHigh int // RTS/CTS RX threshold in bytes, default 122; not passed to the serial driver
	RXBufferSize      int
}

// DefaultUARTConfig matches the wire configuration in the external
// interfaces: 921600 8N1, hardware flow control, 122-byte RX threshold.
func DefaultUARTConfig(device string) UARTConfig {
	return UARTConfig{
		Device:            device,
		BaudRate:          921600,
		RXFlowControlHigh: 122,
		RXBufferSize:      4096,
	}
}

// UART is a Transport backed by a real serial port, opened via
// github.com/jacobsa/go-serial/serial the same way the teacher's
// NewSerialPHY does.
type UART struct {
	cfg UARTConfig
	phy serialPort

	rx *ringbuf.RingBuffer

	mu         sync.Mutex
	directMode bool
	directCb   DirectModeHandler

	dataLen int32

	done      chan struct{}
	doneOnce  sync.Once
	writeMu   sync.Mutex
	writeDone chan struct{}
}

// serialPort is the subset of io.ReadWriteCloser this package depends on,
// letting tests substitute a fake without touching real hardware.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// NewUART opens the configured serial port, mirroring NewSerialPHY's
// OpenOptions (8N1, no parity, minimum read size 1).
func NewUART(cfg UARTConfig) (*UART, error) {
	opts := serial.OpenOptions{
		PortName:              cfg.Device,
		BaudRate:              cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
		MinimumReadSize:       1,
		RTSCTSFlowControl:     true,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "transport: open uart")
	}
	return newUARTFromPort(cfg, port), nil
}

func newUARTFromPort(cfg UARTConfig, port serialPort) *UART {
	if cfg.RXBufferSize <= 0 {
		cfg.RXBufferSize = 4096
	}
	return &UART{
		cfg:       cfg,
		phy:       port,
		rx:        ringbuf.New(cfg.RXBufferSize),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}, 1),
	}
}

func (u *UART) Init() error {
	go u.readLoop()
	return nil
}

func (u *UART) Destroy() error {
	u.doneOnce.Do(func() { close(u.done) })
	return errors.Wrap(u.phy.Close(), "transport: close uart")
}

func (u *UART) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-u.done:
			return
		default:
		}
		n, err := u.phy.Read(buf)
		if err != nil {
			log.WithError(err).Warn("uart read loop exiting")
			return
		}
		if n == 0 {
			continue
		}
		u.mu.Lock()
		direct := u.directMode
		cb := u.directCb
		u.mu.Unlock()
		// Direct mode still queues bytes for ReadData exactly as the normal
		// path does; cb is only a non-blocking wake-up for an event-driven
		// consumer (the mux session's input pump) that would otherwise have
		// to poll. Dropping the bytes here would make direct-mode reads
		// silently lose data.
		if _, err := u.rx.Put(buf[:n]); err != nil {
			log.WithError(err).Warn("uart rx buffer overrun, dropping bytes")
			continue
		}
		atomic.AddInt32(&u.dataLen, int32(n))
		if direct && cb != nil {
			cb(n)
		}
	}
}

func (u *UART) ReadData(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n := u.rx.Get(buf)
		if n > 0 {
			atomic.AddInt32(&u.dataLen, int32(-n))
			return n, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (u *UART) WriteData(buf []byte) (int, error) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	n, err := u.phy.Write(buf)
	if err != nil {
		return n, errors.Wrap(ncperr.ErrIO, err.Error())
	}
	select {
	case u.writeDone <- struct{}{}:
	default:
	}
	return n, nil
}

func (u *UART) FlushInput() {
	u.rx.Reset()
	atomic.StoreInt32(&u.dataLen, 0)
}

func (u *UART) DataLength() int {
	return int(atomic.LoadInt32(&u.dataLen))
}

// WaitWriteComplete waits for the most recent WriteData to be acknowledged by
// the backend, falling back to a timed return if nothing was written.
func (u *UART) WaitWriteComplete(timeout time.Duration) error {
	select {
	case <-u.writeDone:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(ncperr.ErrTimeout, "transport: wait write complete")
	}
}

func (u *UART) SetDirectMode(on bool, cb DirectModeHandler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.directMode = on
	u.directCb = cb
}

func (u *UART) IsDirectMode() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.directMode
}
