package mux

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// recursiveMutex is a reentrant mutex keyed by goroutine id: the same
// goroutine may call Lock more than once without deadlocking, at the cost of
// the per-Lock goroutine-id lookup. The session holds it across each whole
// frame emission, whether the frame comes from an external WriteChannel
// caller, the keepalive goroutine, or a control reply sent by the input pump.
type recursiveMutex struct {
	mu    sync.Mutex
	owner int64
	count int
}

func (m *recursiveMutex) Lock() {
	id := goroutineID()
	m.mu.Lock()
	if m.owner == id && m.count > 0 {
		m.count++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.acquire(id)
}

func (m *recursiveMutex) acquire(id int64) {
	for {
		m.mu.Lock()
		if m.count == 0 {
			m.owner = id
			m.count = 1
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		runtime.Gosched()
	}
}

func (m *recursiveMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count--
	if m.count == 0 {
		m.owner = 0
	}
}

// goroutineID extracts the calling goroutine's id from its stack trace. It is
// used only to key reentrancy in recursiveMutex, never for scheduling
// decisions.
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseInt(string(buf[:i]), 10, 64)
	return id
}
