package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/iostream"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

// SessionState is the muxer's overall lifecycle state, per SPEC_FULL.md §3.
type SessionState int32

const (
	SessionStopped SessionState = iota
	SessionStarting
	SessionStarted
	SessionStopping
)

const controlDLCI = 0

// Options configures a Session's negotiable parameters.
type Options struct {
	MaxFrameSize      int           // N1, default 128
	KeepaliveInterval time.Duration // 0 disables keepalive
	KeepaliveMisses   int           // consecutive missed Test replies before closing, default 3
	OpenTimeout       time.Duration // SABM/DISC round-trip timeout, default 5s
	WriteTimeout      time.Duration // default per-WriteChannel timeout when caller passes 0
}

func (o *Options) setDefaults() {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 128
	}
	if o.KeepaliveMisses <= 0 {
		o.KeepaliveMisses = 3
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Session is a running GSM 07.10 basic-mode multiplexer bound to a single
// underlying stream. The firmware always runs as the responder side: it
// waits for the host to open DLCI 0 with SABM, then accepts channel opens as
// they arrive, per SPEC_FULL.md §4.5.
type Session struct {
	rw   iostream.ReadWriter
	opts Options

	dec *Decoder

	chMu     sync.RWMutex
	channels map[int]*channel

	outMu recursiveMutex

	state atomic.Int32

	globalFlowOff atomic.Bool

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[int]chan ChannelState // dlci -> waiter for SABM/DISC completion

	testMu      sync.Mutex
	testPending chan struct{}
	missed      int
}

// NewSession constructs a Session. Call Start to begin pumping input.
func NewSession(rw iostream.ReadWriter, opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		rw:       rw,
		opts:     opts,
		dec:      NewDecoder(opts.MaxFrameSize),
		channels: make(map[int]*channel),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		pending:  make(map[int]chan ChannelState),
	}
	s.channels[controlDLCI] = newChannel(controlDLCI)
	return s
}

// RegisterChannel installs handlers for dlci (1..63) and, by creating its
// channel record, marks dlci as one the remote side is permitted to open.
// Must be called before the channel is opened; SABM for any DLCI that was
// never registered is refused with DM.
func (s *Session) RegisterChannel(dlci int, onData DataHandler, onState StateHandler) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	ch, ok := s.channels[dlci]
	if !ok {
		ch = newChannel(dlci)
		s.channels[dlci] = ch
	}
	ch.onData = onData
	ch.onState = onState
}

func (s *Session) channel(dlci int) *channel {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	return s.channels[dlci]
}

// Start begins the input pump and keepalive goroutines. The session
// transitions to Starting and moves to Started once DLCI 0 opens.
func (s *Session) Start() {
	s.state.Store(int32(SessionStarting))
	s.wg.Add(1)
	go s.inputPump()
	if s.opts.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop()
	}
}

// Stop issues CLD on DLCI 0 (best effort) and shuts the session down.
// Blocked WriteChannel callers are unblocked with ncperr.ErrCancelled.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(SessionStopping))
		if s.channel(controlDLCI).IsOpen() {
			_ = s.writeControl(controlFrame{Cmd: cmdCLD, CR: true})
		}
		close(s.stopCh)
	})
	s.wg.Wait()
	s.state.Store(int32(SessionStopped))
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) IsRunning() bool {
	return s.State() == SessionStarted
}

// NotifyInput signals the input pump that n new bytes are available from the
// underlying transport's direct-mode callback. The pump pulls them itself via
// rw.Read; NotifyInput only wakes it.
func (s *Session) NotifyInput(n int) {
	if n <= 0 {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) inputPump() {
	defer s.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		}
		for {
			n, err := s.rw.Read(buf, 20*time.Millisecond)
			if err != nil {
				log.WithError(err).Warn("mux input pump read error")
				return
			}
			if n == 0 {
				break
			}
			for _, b := range buf[:n] {
				if f := s.dec.Feed(b); f != nil {
					s.dispatch(f)
				}
			}
		}
	}
}

func (s *Session) dispatch(f *Frame) {
	switch f.Type {
	case FrameSABM:
		s.handleSABM(f.DLCI)
	case FrameUA:
		s.handleUA(f.DLCI)
	case FrameDM:
		s.handleDM(f.DLCI)
	case FrameDISC:
		s.handleDISC(f.DLCI)
	case FrameUIH, FrameUI:
		if f.DLCI == controlDLCI {
			s.handleControl(f.Payload)
		} else {
			s.handleData(f.DLCI, f.Payload)
		}
	}
}

func (s *Session) handleSABM(dlci int) {
	// Only the control channel (seeded by NewSession) and DLCIs the
	// application explicitly passed to RegisterChannel may be opened by the
	// remote side. Anything else is refused with DM and no channel record
	// is created, per SPEC_FULL.md §4.5.
	ch := s.channel(dlci)
	if ch == nil {
		_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameDM, PF: true})
		return
	}
	if err := ch.setState(s, ChannelOpening); err != nil {
		_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameDM, PF: true})
		_ = ch.setState(s, ChannelClosed)
		return
	}
	if err := ch.setState(s, ChannelOpen); err != nil {
		_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameDM, PF: true})
		_ = ch.setState(s, ChannelClosed)
		return
	}
	_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameUA, PF: true})
	if dlci == controlDLCI {
		s.state.Store(int32(SessionStarted))
	}
	s.notifyPending(dlci, ChannelOpen)
}

func (s *Session) handleUA(dlci int) {
	ch := s.channel(dlci)
	if ch == nil {
		return
	}
	switch ch.State() {
	case ChannelOpening:
		_ = ch.setState(s, ChannelOpen)
		if dlci == controlDLCI {
			s.state.Store(int32(SessionStarted))
		}
	case ChannelClosing:
		_ = ch.setState(s, ChannelClosed)
	}
	s.notifyPending(dlci, ch.State())
}

func (s *Session) handleDM(dlci int) {
	ch := s.channel(dlci)
	if ch == nil {
		return
	}
	_ = ch.setState(s, ChannelClosed)
	s.notifyPending(dlci, ChannelClosed)
}

func (s *Session) handleDISC(dlci int) {
	ch := s.channel(dlci)
	if ch == nil {
		_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameDM, PF: true})
		return
	}
	_ = ch.setState(s, ChannelClosed)
	_ = s.writeRawFrame(Frame{DLCI: dlci, Type: FrameUA, PF: true})
	s.notifyPending(dlci, ChannelClosed)
}

func (s *Session) handleData(dlci int, payload []byte) {
	ch := s.channel(dlci)
	if ch == nil || !ch.IsOpen() {
		return
	}
	if ch.onData != nil {
		ch.onData(dlci, payload)
	}
}

func (s *Session) handleControl(payload []byte) {
	cf, err := decodeControlFrame(payload)
	if err != nil {
		log.WithError(err).Warn("mux: dropping malformed control frame")
		return
	}
	switch cf.Cmd {
	case cmdTest:
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdTest, CR: false, Val: cf.Val})
		} else {
			s.onTestReply()
		}
	case cmdFCON:
		s.globalFlowOff.Store(false)
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdFCON, CR: false})
		}
	case cmdFCOFF:
		s.globalFlowOff.Store(true)
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdFCOFF, CR: false})
		}
	case cmdMSC:
		if dlci, status, ok := decodeModemStatus(cf.Val); ok {
			if ch := s.channel(dlci); ch != nil {
				ch.SetRemoteStatus(status)
			}
			if cf.CR {
				_ = s.writeControl(controlFrame{Cmd: cmdMSC, CR: false, Val: cf.Val})
			}
		}
	case cmdPSC:
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdPSC, CR: false})
		}
	case cmdCLD:
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdCLD, CR: false})
		}
		go s.Stop()
	case cmdPN:
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdPN, CR: false, Val: cf.Val})
		}
	default:
		if cf.CR {
			_ = s.writeControl(controlFrame{Cmd: cmdNSC, CR: false, Val: []byte{byte(cf.Cmd) | 0x01}})
		}
	}
}

func (s *Session) onTestReply() {
	s.testMu.Lock()
	defer s.testMu.Unlock()
	if s.testPending != nil {
		close(s.testPending)
		s.testPending = nil
	}
	s.missed = 0
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.State() != SessionStarted {
				continue
			}
			s.testMu.Lock()
			pending := s.testPending
			if pending != nil {
				// previous Test went unanswered
				s.missed++
			}
			missed := s.missed
			replyCh := make(chan struct{})
			s.testPending = replyCh
			s.testMu.Unlock()
			_ = s.writeControl(controlFrame{Cmd: cmdTest, CR: true})
			if missed >= s.opts.KeepaliveMisses {
				log.Warn("mux: keepalive miss limit reached, closing session")
				go s.Stop()
				return
			}
		}
	}
}

func (s *Session) notifyPending(dlci int, state ChannelState) {
	s.pendingMu.Lock()
	ch, ok := s.pending[dlci]
	if ok {
		delete(s.pending, dlci)
	}
	s.pendingMu.Unlock()
	if ok {
		select {
		case ch <- state:
		default:
		}
	}
}

func (s *Session) waitFor(dlci int, timeout time.Duration) (ChannelState, error) {
	waiter := make(chan ChannelState, 1)
	s.pendingMu.Lock()
	s.pending[dlci] = waiter
	s.pendingMu.Unlock()
	select {
	case st := <-waiter:
		return st, nil
	case <-time.After(timeout):
		return ChannelClosed, errors.Wrap(ncperr.ErrTimeout, "mux: channel open/close timed out")
	case <-s.stopCh:
		return ChannelClosed, errors.Wrap(ncperr.ErrCancelled, "mux: session stopped")
	}
}

// OpenChannel sends SABM for dlci and waits for UA (or DM, reported as an
// error). Used when this side must initiate, e.g. re-establishing a channel
// after a remote-initiated close.
func (s *Session) OpenChannel(dlci int) error {
	ch := s.channel(dlci)
	if ch == nil {
		ch = newChannel(dlci)
		s.chMu.Lock()
		s.channels[dlci] = ch
		s.chMu.Unlock()
	}
	if err := ch.setState(s, ChannelOpening); err != nil {
		return err
	}
	if err := s.writeRawFrame(Frame{DLCI: dlci, Type: FrameSABM, PF: true}); err != nil {
		return err
	}
	st, err := s.waitFor(dlci, s.opts.OpenTimeout)
	if err != nil {
		return err
	}
	if st != ChannelOpen {
		return errors.Wrap(ncperr.ErrProtocol, "mux: channel open refused")
	}
	return nil
}

// CloseChannel sends DISC for dlci and waits for UA/DM.
func (s *Session) CloseChannel(dlci int) error {
	ch := s.channel(dlci)
	if ch == nil || ch.State() != ChannelOpen {
		return errors.Wrap(ncperr.ErrInvalidState, "mux: channel not open")
	}
	_ = ch.setState(s, ChannelClosing)
	if err := s.writeRawFrame(Frame{DLCI: dlci, Type: FrameDISC, PF: true}); err != nil {
		return err
	}
	_, err := s.waitFor(dlci, s.opts.OpenTimeout)
	return err
}

func (s *Session) writeRawFrame(f Frame) error {
	raw, err := Encode(f)
	if err != nil {
		return err
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, err = s.rw.Write(raw)
	return errors.Wrap(err, "mux: write frame")
}

func (s *Session) writeControl(cf controlFrame) error {
	return s.writeRawFrame(Frame{
		DLCI:    controlDLCI,
		Type:    FrameUIH,
		Payload: encodeControlFrame(cf),
	})
}

// WriteChannel splits data into frames of at most the negotiated max frame
// size and writes them in order, blocking (up to timeout) while the channel's
// remote flow-control flag or a global FCOFF is in effect.
func (s *Session) WriteChannel(dlci int, data []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = s.opts.WriteTimeout
	}
	ch := s.channel(dlci)
	if ch == nil || !ch.IsOpen() {
		return 0, errors.Wrap(ncperr.ErrInvalidState, "mux: channel not open")
	}
	deadline := time.Now().Add(timeout)
	written := 0
	for len(data) > 0 {
		if err := s.waitForFlow(ch, deadline); err != nil {
			return written, err
		}
		n := len(data)
		if n > s.opts.MaxFrameSize {
			n = s.opts.MaxFrameSize
		}
		chunk := data[:n]
		if err := s.writeRawFrame(Frame{DLCI: dlci, CR: true, Type: FrameUIH, Payload: chunk}); err != nil {
			return written, err
		}
		written += n
		data = data[n:]
	}
	return written, nil
}

func (s *Session) waitForFlow(ch *channel, deadline time.Time) error {
	for s.globalFlowOff.Load() || ch.RemoteStatus().FC {
		if time.Now().After(deadline) {
			return errors.Wrap(ncperr.ErrTimeout, "mux: write blocked by flow control")
		}
		select {
		case <-s.stopCh:
			return errors.Wrap(ncperr.ErrCancelled, "mux: session stopped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}
