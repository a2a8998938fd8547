package mux

import "sync"

// ChannelState is one state in the per-DLCI state machine described in
// SPEC_FULL.md §4.5.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "CLOSED"
	case ChannelOpening:
		return "OPENING"
	case ChannelOpen:
		return "OPEN"
	case ChannelClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ModemStatus mirrors the MSC command's flag byte: flow control, ready-to-
// communicate/ready-to-receive, incoming call, data valid.
type ModemStatus struct {
	FC  bool
	RTC bool
	RTR bool
	IC  bool
	DV  bool
}

// DataHandler is invoked from the session's input-pump goroutine for every
// payload delivered on a channel. It must not block, and must not call back
// into the session's WriteChannel for a *different* DLCI while holding any
// lock of its own, to avoid lock-order inversions with the session's
// recursive output mutex.
type DataHandler func(dlci int, payload []byte)

// StateHandler is invoked on every channel state transition. Returning a
// non-nil error from a CLOSED->OPENING transition (remote-initiated) refuses
// the channel: the session responds DM instead of UA.
type StateHandler func(dlci int, old, new ChannelState) error

// channel holds one DLCI's state, guarded by its own RWMutex: the input pump
// and the session's OpenChannel/CloseChannel callers mutate it under mu, and
// readers such as IsOpen take the read lock.
type channel struct {
	dlci int

	mu    sync.RWMutex
	state ChannelState

	remoteStatus ModemStatus
	localStatus  ModemStatus

	onData  DataHandler
	onState StateHandler
}

func newChannel(dlci int) *channel {
	return &channel{dlci: dlci, state: ChannelClosed}
}

func (c *channel) setState(s *Session, new ChannelState) error {
	c.mu.Lock()
	old := c.state
	c.state = new
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		return handler(c.dlci, old, new)
	}
	return nil
}

func (c *channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *channel) IsOpen() bool {
	return c.State() == ChannelOpen
}

func (c *channel) SetRemoteStatus(s ModemStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteStatus = s
}

func (c *channel) RemoteStatus() ModemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteStatus
}
