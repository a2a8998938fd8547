// Package transport defines the polymorphic transport contract that backs the
// AT engine's device-ops, the process-wide "active transport" registry, and
// the direct-mode escape hatch used by the muxer and XMODEM to take exclusive
// ownership of the wire.
package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

var log = logrus.WithField("component", "transport")

// DirectModeHandler is invoked from the transport's receive goroutine each
// time new bytes arrive while direct mode is enabled, with the count of bytes
// now available. It must not block.
type DirectModeHandler func(n int)

// Transport is the contract every backend (UART, SDIO, mux) implements. It
// generalizes the original firmware's AtTransportBase capability set
// (read, write, flushInput, getDataLength, waitWriteComplete, setDirectMode,
// setActive, init/destroy, postInit, statusChanged, preDeepSleep, preRestart).
type Transport interface {
	// Init configures the backend and registers its callbacks. It does not
	// implicitly become active; call SetActive for that.
	Init() error
	// Destroy releases backend resources and stops background goroutines.
	Destroy() error
	// ReadData reads up to len(buf) bytes, returning (0, nil) on timeout.
	ReadData(buf []byte, timeout time.Duration) (int, error)
	// WriteData writes buf, returning the number of bytes written.
	WriteData(buf []byte) (int, error)
	// FlushInput discards any buffered, unread input.
	FlushInput()
	// DataLength reports bytes immediately consumable by ReadData without
	// blocking.
	DataLength() int
	// WaitWriteComplete blocks until the TX path has drained, or the timeout
	// elapses.
	WaitWriteComplete(timeout time.Duration) error
	// SetDirectMode toggles direct mode. When on, cb (if non-nil) is called
	// from the receive goroutine instead of notifying the AT engine.
	SetDirectMode(on bool, cb DirectModeHandler)
	// IsDirectMode reports whether direct mode is currently enabled.
	IsDirectMode() bool
}

// registry is the process-wide active-transport pointer, generalizing the
// original firmware's AtTransportBase::instance_ singleton.
type registry struct {
	mu     sync.Mutex
	active Transport
}

var reg registry

// SetActive installs t as the process-wide active transport, generalizing
// AtTransportBase::setActive.
func SetActive(t Transport) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.active = t
	log.Debug("transport became active")
}

// Active returns the current active transport, or nil if none has been
// installed yet.
func Active() Transport {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.active
}

// ClearActive removes t as the active transport if it is currently active.
// Used when a transport is torn down or when the mux transport hands control
// back to the underlying transport.
func ClearActive(t Transport) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.active == t {
		reg.active = nil
	}
}

// WithActive looks up the active transport or returns ErrInvalidState,
// mirroring the original's CHECK_TRUE(instance_ != nullptr) guard in every
// static device-ops trampoline.
func WithActive() (Transport, error) {
	t := Active()
	if t == nil {
		return nil, errors.Wrap(ncperr.ErrInvalidState, "transport: no active transport")
	}
	return t, nil
}
