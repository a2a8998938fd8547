package muxtransport

import (
	"github.com/sirupsen/logrus"
)

// Interface models the Wi-Fi driver's per-interface Ethernet hook: the
// external network-stack collaborator this module calls into rather than
// implements, per SPEC_FULL.md §1.
type Interface interface {
	// InjectFrame hands an inbound Ethernet frame (received from the host
	// over the mux channel) to the driver's TX path.
	InjectFrame(payload []byte) error
}

// NetBridge pumps outbound Ethernet frames from the IP stack onto the mux
// transport's station/soft-AP channels, and routes inbound mux payloads back
// to the matching Interface, per SPEC_FULL.md §4.6.
type NetBridge struct {
	log *logrus.Entry

	t *Transport

	station Interface
	softAP  Interface

	outbound chan netFrame
	done     chan struct{}
}

type netFrame struct {
	iface   int
	payload []byte
}

// NewNetBridge constructs a bridge with a bounded outbound queue; frames
// submitted while the queue is full are dropped with a logged warning, the
// system's backpressure policy toward the IP stack.
func NewNetBridge(t *Transport, station, softAP Interface, queueDepth int) *NetBridge {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	nb := &NetBridge{
		log:      logrus.WithField("component", "netbridge"),
		t:        t,
		station:  station,
		softAP:   softAP,
		outbound: make(chan netFrame, queueDepth),
		done:     make(chan struct{}),
	}
	t.onNetFrame = nb.deliverInbound
	return nb
}

// Start launches the worker goroutine that drains outbound frames onto the
// mux transport.
func (nb *NetBridge) Start() {
	go nb.run()
}

// Stop halts the worker goroutine.
func (nb *NetBridge) Stop() {
	close(nb.done)
}

// SendFrame enqueues payload for transmission on the given interface's mux
// channel. Non-blocking: returns false without queuing if the muxer is not
// running, iface is neither station nor soft-AP, or the queue is full.
func (nb *NetBridge) SendFrame(iface int, payload []byte) bool {
	if !nb.t.IsRunning() || (iface != ChannelStation && iface != ChannelSoftAP) {
		return false
	}
	select {
	case nb.outbound <- netFrame{iface: iface, payload: payload}:
		return true
	default:
		nb.log.WithField("iface", iface).Warn("outbound net queue full, dropping frame")
		return false
	}
}

func (nb *NetBridge) run() {
	for {
		select {
		case <-nb.done:
			return
		case f := <-nb.outbound:
			if _, err := nb.t.WriteNetFrame(f.iface, f.payload); err != nil {
				nb.log.WithError(err).WithField("iface", f.iface).Warn("failed to write net frame")
			}
		}
	}
}

func (nb *NetBridge) deliverInbound(iface int, payload []byte) {
	var dst Interface
	switch iface {
	case ChannelStation:
		dst = nb.station
	case ChannelSoftAP:
		dst = nb.softAP
	}
	if dst == nil {
		return
	}
	if err := dst.InjectFrame(payload); err != nil {
		nb.log.WithError(err).WithField("iface", iface).Warn("failed to inject inbound frame")
	}
}
