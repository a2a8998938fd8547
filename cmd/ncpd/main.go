// Command ncpd brings up the network co-processor stack: it opens the
// configured transport, registers the AT command table against it, and
// stands ready to promote the link into GSM 07.10 multiplexed mode on
// +CMUX, the same bring-up/keep-alive shape as cmd/smacprint and
// cmd/npioff's kingpin-flags-then-block-forever main.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/atcmd"
	"github.com/particle-iot/esp32-ncp-firmware/atengine"
	"github.com/particle-iot/esp32-ncp-firmware/board"
	"github.com/particle-iot/esp32-ncp-firmware/config"
	"github.com/particle-iot/esp32-ncp-firmware/mux"
	"github.com/particle-iot/esp32-ncp-firmware/muxtransport"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
	"github.com/particle-iot/esp32-ncp-firmware/transport"
	"github.com/particle-iot/esp32-ncp-firmware/update"
)

var log = logrus.WithField("component", "ncpd")

// transportReadWriter adapts transport.Transport's ReadData/WriteData naming
// onto the iostream.ReadWriter shape atengine.Engine consumes.
type transportReadWriter struct {
	t transport.Transport
}

func (r transportReadWriter) Read(buf []byte, timeout time.Duration) (int, error) {
	return r.t.ReadData(buf, timeout)
}

func (r transportReadWriter) Write(buf []byte) (int, error) {
	return r.t.WriteData(buf)
}

// droppingInterface is the netbridge.Interface stand-in for a Wi-Fi driver
// this userland build doesn't have: it logs and drops, so the station/soft-AP
// channels still exercise NetBridge's dispatch without a real network stack
// underneath.
type droppingInterface struct{ name string }

func (d droppingInterface) InjectFrame(payload []byte) error {
	log.WithField("iface", d.name).WithField("bytes", len(payload)).Debug("dropping inbound frame, no network stack wired")
	return nil
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncpd: %v\n", err)
		os.Exit(1)
	}

	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		logrus.SetLevel(lvl)
	}

	rawTransport, err := openTransport(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open transport")
	}
	if err := rawTransport.Init(); err != nil {
		log.WithError(err).Fatal("failed to init transport")
	}
	transport.SetActive(rawTransport)

	deps := atcmd.Deps{
		Versions: board.StaticVersionSource{Firmware: cfg.FirmwareVersion, Module: cfg.ModuleVersion},
		MAC: board.StaticMACSource{Addrs: map[board.MACType][6]byte{
			board.MACStation: {0x24, 0x0A, 0xC4, 0x00, 0x00, 0x01},
			board.MACSoftAP:  {0x24, 0x0A, 0xC4, 0x00, 0x00, 0x02},
		}},
		GPIO:    board.NewGPIO(),
		Updates: update.NewManager(update.NewFileSinkFactory(cfg.ImagePath)),
		Restart: board.NewProcessRestarter(),
	}

	engine := atengine.New(transportReadWriter{rawTransport})
	deps.EnableMux = enableMuxFunc(cfg, rawTransport, engine, deps)
	atcmd.Register(engine, deps)
	engine.Start()
	defer engine.Stop()

	log.WithFields(logrus.Fields{
		"transport": cfg.Transport,
		"fw":        cfg.FirmwareVersion,
	}).Info("ncpd ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

func openTransport(cfg config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportSDIO:
		sc := transport.DefaultSDIOConfig()
		sc.BlockSize = cfg.SDIOBlockSize
		return transport.NewSDIO(sc, transport.NewSDIOSlave()), nil
	default:
		uc := transport.DefaultUARTConfig(cfg.UARTDevice)
		uc.BaudRate = cfg.UARTBaudRate
		uc.RXFlowControlHigh = cfg.UARTRXFlowControlHigh
		return transport.NewUART(uc)
	}
}

// enableMuxFunc returns the +CMUX handler's EnableMux collaborator: it drains
// the raw transport's pending write, stands up a muxtransport.Transport over
// it, starts the netbridge, and swaps the running AT engine onto the mux's
// channel-1 byte stream so every command registered against engine keeps
// working once multiplexing is active. A second call after the mux came up
// is rejected with ncperr.ErrInvalidState.
func enableMuxFunc(cfg config.Config, raw transport.Transport, engine *atengine.Engine, deps atcmd.Deps) func() error {
	enabled := false
	return func() error {
		if enabled {
			return errors.Wrap(ncperr.ErrInvalidState, "ncpd: multiplexer already enabled")
		}
		if err := raw.WaitWriteComplete(time.Second); err != nil {
			log.WithError(err).Debug("no pending write to drain before enabling mux")
		}

		opts := mux.Options{
			MaxFrameSize:      cfg.MuxFrameSize,
			KeepaliveInterval: time.Duration(cfg.MuxKeepaliveMillis) * time.Millisecond,
		}
		mt := muxtransport.New(raw, opts, nil)
		nb := muxtransport.NewNetBridge(mt, droppingInterface{"station"}, droppingInterface{"softap"}, 32)
		if err := mt.Init(); err != nil {
			return err
		}
		enabled = true
		nb.Start()

		// Stop the raw-framing engine from a separate goroutine: EnableMux
		// itself runs on that engine's own dispatch loop, and Stop waits for
		// the dispatch loop to exit, so calling it inline here would
		// deadlock the engine against its own handler.
		go engine.Stop()
		atEngine := atengine.New(transportReadWriter{mt})
		atcmd.Register(atEngine, deps)
		atEngine.Start()

		log.Info("GSM 07.10 multiplexer enabled")
		return nil
	}
}
