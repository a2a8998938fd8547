package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
	"github.com/particle-iot/esp32-ncp-firmware/ringbuf"
)

// sdioBuffer is one receive buffer record (one inbound host write plus a read
// offset into it), replacing the original
// firmware's intrusive linked-list node with a value owned by an explicit
// queue (see §9 / REDESIGN FLAGS: "linked-list RX replacement with owned
// queue").
type sdioBuffer struct {
	data []byte
	off  int
}

func (b *sdioBuffer) remaining() int { return len(b.data) - b.off }

// SDIOSlave is the seam representing the underlying SDIO slave hardware
// driver: something that can hand the transport inbound host writes and
// accept outbound blocks for submission to the host. The real driver is not
// reachable from user-space Go, so SDIO is modeled as a software slave (see
// SPEC_FULL.md REDESIGN FLAGS) that test code and `cmd/ncpd` can drive over
// these channels.
type SDIOSlave struct {
	// Inbound delivers host-originated writes to the transport's RX goroutine.
	Inbound chan []byte
	// Outbound receives blocks the transport's TX goroutine wants submitted
	// to the host. A reader (real hardware glue, or a test) must drain it.
	Outbound chan []byte
}

// NewSDIOSlave constructs a slave side with reasonably sized channel buffers.
func NewSDIOSlave() *SDIOSlave {
	return &SDIOSlave{
		Inbound:  make(chan []byte, 16),
		Outbound: make(chan []byte, 16),
	}
}

// SDIOConfig bounds the software slave's block size and buffer pool.
type SDIOConfig struct {
	BlockSize  int // alignment granularity for TX submissions
	TXCapacity int // ring buffer size backing WriteData
	BufferPool int // carried in the config; the SDIO transport does not read it
}

func DefaultSDIOConfig() SDIOConfig {
	return SDIOConfig{BlockSize: 512, TXCapacity: 8192, BufferPool: 16}
}

// SDIO is a Transport modeling a slave-side SDIO control-plane link: separate
// RX and TX goroutines synchronized only through an owned buffer queue
// (RX) and a ring buffer with rollback-on-reject (TX), per SPEC_FULL.md §4.4.
type SDIO struct {
	cfg   SDIOConfig
	slave *SDIOSlave

	rxMu    sync.Mutex
	rxQueue []*sdioBuffer
	rxDataN int

	tx *ringbuf.RingBuffer

	mu         sync.Mutex
	directMode bool
	directCb   DirectModeHandler

	done     chan struct{}
	doneOnce sync.Once

	writeDone chan struct{}
}

// NewSDIO constructs an SDIO transport bound to slave for its inbound/outbound
// channels.
func NewSDIO(cfg SDIOConfig, slave *SDIOSlave) *SDIO {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 512
	}
	if cfg.TXCapacity <= 0 {
		cfg.TXCapacity = 8192
	}
	return &SDIO{
		cfg:       cfg,
		slave:     slave,
		tx:        ringbuf.New(cfg.TXCapacity),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}, 1),
	}
}

func (s *SDIO) Init() error {
	go s.rxLoop()
	go s.txLoop()
	return nil
}

func (s *SDIO) Destroy() error {
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *SDIO) rxLoop() {
	for {
		select {
		case <-s.done:
			return
		case data, ok := <-s.slave.Inbound:
			if !ok {
				return
			}
			if len(data) == 0 {
				continue
			}
			buf := &sdioBuffer{data: data}
			// Direct mode callers (muxer, XMODEM) read the bytes back out
			// via ReadData, so enqueue before the callback fires.
			s.rxMu.Lock()
			s.rxQueue = append(s.rxQueue, buf)
			s.rxDataN += len(data)
			s.rxMu.Unlock()
			s.mu.Lock()
			direct := s.directMode
			cb := s.directCb
			s.mu.Unlock()
			if direct && cb != nil {
				cb(len(data))
			}
		}
	}
}

func (s *SDIO) ReadData(dst []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n := s.drainInto(dst)
		if n > 0 {
			return n, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *SDIO) drainInto(dst []byte) int {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	total := 0
	for total < len(dst) && len(s.rxQueue) > 0 {
		head := s.rxQueue[0]
		n := copy(dst[total:], head.data[head.off:])
		head.off += n
		total += n
		s.rxDataN -= n
		if head.remaining() == 0 {
			s.rxQueue = s.rxQueue[1:]
		}
	}
	return total
}

// WriteData stages buf into the TX ring buffer; the TX goroutine (txLoop) is
// the sole consumer responsible for submitting aligned blocks to the slave,
// so two writers never race over the same reserved span.
func (s *SDIO) WriteData(buf []byte) (int, error) {
	n, err := s.tx.Put(buf)
	if err != nil {
		return 0, errors.Wrap(err, "transport: sdio tx ring full")
	}
	return n, nil
}

// submitAligned takes the largest contiguous prefix up to BlockSize, pads it
// to 4-byte alignment, and offers it to the slave's Outbound channel. Returns
// false if the slave's channel is full (backpressure); the span is then left
// uncommitted in the ring, so the next call offers it again. Only txLoop
// calls this, so it is the ring buffer's sole consumer.
func (s *SDIO) submitAligned() bool {
	block := s.tx.Consume(s.cfg.BlockSize)
	if len(block) == 0 {
		return true
	}
	pad := (4 - len(block)%4) % 4
	out := make([]byte, len(block)+pad)
	copy(out, block)
	select {
	case s.slave.Outbound <- out:
		s.tx.ConsumeCommit(len(block), len(block))
		select {
		case s.writeDone <- struct{}{}:
		default:
		}
		return true
	default:
		return false
	}
}

func (s *SDIO) FlushInput() {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	s.rxQueue = nil
	s.rxDataN = 0
}

func (s *SDIO) DataLength() int {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	return s.rxDataN
}

func (s *SDIO) WaitWriteComplete(timeout time.Duration) error {
	select {
	case <-s.writeDone:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(ncperr.ErrTimeout, "transport: sdio wait write complete")
	}
}

func (s *SDIO) SetDirectMode(on bool, cb DirectModeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directMode = on
	s.directCb = cb
}

func (s *SDIO) IsDirectMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directMode
}

func (s *SDIO) txLoop() {
	// The TX goroutine is the only submitter: every 2ms it drains what
	// WriteData staged in the ring, and a span the slave rejected stays in the
	// ring for the next tick, so a slow-draining slave eventually catches up
	// without the caller retrying WriteData itself.
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for s.tx.Data() > 0 {
				if !s.submitAligned() {
					break
				}
			}
		}
	}
}
