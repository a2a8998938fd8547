// Package atengine is a minimal line-oriented AT command responder: the
// mirror image of a modem-facing AT client. Where a client issues "AT+CMD"
// and waits for "OK"/"ERROR", this engine sits on the DCE side of the AT
// DLCI, reads command lines, dispatches them to registered handlers, and
// writes back info lines followed by a final status line. Grounded on the
// line-reader/dispatch-loop split of a conventional AT client driver, with
// the command and response roles reversed.
package atengine

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/iostream"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

// readTimeout bounds each underlying read of the AT line reader; the AT
// channel is otherwise idle between commands so this only governs how
// promptly Stop is noticed.
const readTimeout = 200 * time.Millisecond

var log = logrus.WithField("component", "atengine")

// Kind distinguishes the three AT command forms: execute ("AT+CMD" or
// "AT+CMD=args"), read ("AT+CMD?"), and test ("AT+CMD=?").
type Kind int

const (
	KindExec Kind = iota
	KindRead
	KindTest
)

// Request is one parsed command line.
type Request struct {
	Name string // without the leading "AT+" / "+" prefix
	Kind Kind
	Args string // raw text after '=' for KindExec, empty otherwise
}

// Responder is the per-command callback. It writes info lines via info, which
// the Engine sends verbatim (use FormatInfo for a "+NAME: value" line), and
// returns an error to produce "ERROR" instead of "OK".
type Responder func(req Request, info func(line string)) error

// Engine dispatches AT command lines read from rw to registered Responders,
// one line reader goroutine and one dispatch loop, matching the client
// driver's lineReader/cmdLoop split.
type Engine struct {
	rw iostream.ReadWriter

	mu       sync.RWMutex
	handlers map[string]Responder

	lines    chan string
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Engine reading command lines from rw. Call Start to
// begin processing.
func New(rw iostream.ReadWriter) *Engine {
	return &Engine{
		rw:       rw,
		handlers: make(map[string]Responder),
		lines:    make(chan string),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Register binds a command name (e.g. "CMUX", "GETMAC") to a handler.
// Registering the same name twice replaces the previous handler, mirroring
// esp_at_custom_ops_regist allowing late overrides during bring-up.
func (e *Engine) Register(name string, r Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[strings.ToUpper(name)] = r
}

// Start launches the reader and dispatch goroutines.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.readLoop()
	go e.dispatchLoop()
}

// Stop terminates the engine. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Done returns a channel closed when the underlying line reader hits EOF,
// mirroring AT.Closed() signaling that the link is gone.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	defer close(e.lines)
	scanner := bufio.NewScanner(&blockingReader{rw: e.rw, stop: e.stop})
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case e.lines <- line:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	defer close(e.done)
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				return
			}
			e.handle(line)
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) handle(line string) {
	req, ok := parseLine(line)
	if !ok {
		e.writeLine("ERROR")
		return
	}

	e.mu.RLock()
	h, ok := e.handlers[req.Name]
	e.mu.RUnlock()
	if !ok {
		log.WithField("cmd", req.Name).Warn("unrecognized AT command")
		e.writeLine("ERROR")
		return
	}

	err := h(req, func(l string) { e.writeLine(l) })
	if err != nil {
		log.WithError(err).WithField("cmd", req.Name).Warn("AT command failed")
		e.writeLine("ERROR")
		return
	}
	e.writeLine("OK")
}

func (e *Engine) writeLine(s string) {
	_, _ = e.rw.Write([]byte(s + "\r\n"))
}

// parseLine parses one trimmed AT command line of the form
// "AT+NAME", "AT+NAME=args", "AT+NAME?", or "AT+NAME=?".
func parseLine(line string) (Request, bool) {
	upper := strings.ToUpper(line)
	if !strings.HasPrefix(upper, "AT+") {
		return Request{}, false
	}
	body := line[3:]
	if eq := strings.IndexByte(body, '='); eq >= 0 {
		name := strings.ToUpper(body[:eq])
		args := body[eq+1:]
		if args == "?" {
			return Request{Name: name, Kind: KindTest}, true
		}
		return Request{Name: name, Kind: KindExec, Args: args}, true
	}
	if strings.HasSuffix(body, "?") {
		return Request{Name: strings.ToUpper(strings.TrimSuffix(body, "?")), Kind: KindRead}, true
	}
	return Request{Name: strings.ToUpper(body), Kind: KindExec}, true
}

// FormatInfo renders a "+NAME:value" info line the way the real command
// table's handlers do.
func FormatInfo(name, value string) string {
	return fmt.Sprintf("+%s: %s", strings.ToUpper(name), value)
}

// blockingReader adapts iostream.Reader (which requires an explicit timeout
// per call) to io.Reader for bufio.Scanner, using a generous per-read
// timeout since the AT channel is otherwise idle between commands.
type blockingReader struct {
	rw   iostream.ReadWriter
	stop <-chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	for {
		select {
		case <-b.stop:
			return 0, errors.Wrap(ncperr.ErrAborted, "atengine: stopped")
		default:
		}
		n, err := b.rw.Read(p, readTimeout)
		if err != nil {
			return 0, errors.Wrap(err, "atengine: read")
		}
		if n > 0 {
			return n, nil
		}
	}
}

// scanCRLines splits on '\r' or '\n', matching the modem convention of
// CRLF-terminated command and response lines while tolerating either
// line ending in isolation.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
