// Package update implements the firmware-update session manager: a
// process-wide single update in flight, behind a Session guard whose Cancel
// callers defer; a session neither finished nor cancelled keeps the manager
// busy.
// Grounded on the original firmware's UpdateManager singleton.
package update

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/iostream"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

var log = logrus.WithField("component", "update")

// WriterFactory constructs a fresh image-writer sink sized to hold size
// bytes, the seam standing in for the external flash/OTA-partition
// collaborator.
type WriterFactory func(size int) (iostream.Sink, error)

// Manager enforces that at most one firmware update is in flight at a time.
type Manager struct {
	newWriter WriterFactory

	mu      sync.Mutex
	current *Session
}

// NewManager constructs a Manager that uses newWriter to obtain the
// destination sink for each update.
func NewManager(newWriter WriterFactory) *Manager {
	return &Manager{newWriter: newWriter}
}

// Session is the guard returned by BeginUpdate. Exactly one of Finish or
// Cancel should be called; Cancel is safe (and a no-op) to call after Finish,
// so callers can unconditionally defer it.
type Session struct {
	mgr    *Manager
	sink   iostream.Sink
	size   int
	settled int32 // 0 = pending, 1 = settled (finished or cancelled)
}

// Sink returns the destination stream XMODEM should write decoded image
// bytes into.
func (s *Session) Sink() iostream.Sink {
	return s.sink
}

// Size returns the expected image size passed to BeginUpdate.
func (s *Session) Size() int {
	return s.size
}

// Finish commits the written image, per SPEC_FULL.md §4.8: the caller must
// still send OK, drain the transport, and restart — Finish only settles the
// update-session bookkeeping and the underlying sink.
func (s *Session) Finish() error {
	if !atomic.CompareAndSwapInt32(&s.settled, 0, 1) {
		return errors.Wrap(ncperr.ErrInvalidState, "update: session already settled")
	}
	s.mgr.clear(s)
	if err := s.sink.Finish(); err != nil {
		return errors.Wrap(err, "update: finish image writer")
	}
	log.Info("firmware update finished")
	return nil
}

// Cancel discards the in-flight update. Safe to call multiple times and safe
// to call after Finish (a no-op in that case), so command handlers can
// unconditionally defer it.
func (s *Session) Cancel() error {
	if !atomic.CompareAndSwapInt32(&s.settled, 0, 1) {
		return nil
	}
	s.mgr.clear(s)
	if err := s.sink.Cancel(); err != nil {
		return errors.Wrap(err, "update: cancel image writer")
	}
	log.Warn("firmware update cancelled")
	return nil
}

func (m *Manager) clear(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current = nil
	}
}

// BeginUpdate starts a new update session of the given expected size. It
// fails with ncperr.ErrBusy if one is already in flight.
func (m *Manager) BeginUpdate(size int) (*Session, error) {
	if size <= 0 {
		return nil, errors.Wrap(ncperr.ErrInvalidParam, "update: size must be positive")
	}
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(ncperr.ErrBusy, "update: an update is already in progress")
	}
	sink, err := m.newWriter(size)
	if err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(err, "update: open image writer")
	}
	s := &Session{size: size, sink: sink}
	s.mgr = m
	m.current = s
	m.mu.Unlock()
	log.WithField("size", size).Info("firmware update started")
	return s, nil
}

// InProgress reports whether an update is currently in flight.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}
