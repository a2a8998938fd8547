// Package atcmd registers the NCP's AT command table against an atengine
// Engine, wiring together the mux transport, the firmware updater, and the
// board collaborators. Grounded on spec.md's command table and the
// appdrivers pattern of one small handler per external-facing operation.
package atcmd

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/atengine"
	"github.com/particle-iot/esp32-ncp-firmware/board"
	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
	"github.com/particle-iot/esp32-ncp-firmware/transport"
	"github.com/particle-iot/esp32-ncp-firmware/update"
	"github.com/particle-iot/esp32-ncp-firmware/xmodem"
)

var log = logrus.WithField("component", "atcmd")

// Deps bundles the collaborators the command table dispatches into.
type Deps struct {
	Versions board.VersionSource
	MAC      board.MACSource
	GPIO     *board.GPIO
	Updates  *update.Manager
	Restart  board.Restarter

	// EnableMux switches the active transport from raw AT framing to the
	// GSM 07.10 multiplexer, per +CMUX. It blocks until the transition is
	// safe to make (any in-flight write has drained).
	EnableMux func() error
}

// Register binds every AT command in spec.md §6 to e.
func Register(e *atengine.Engine, deps Deps) {
	e.Register("CMUX", handleCMUX(deps))
	e.Register("FWUPD", handleFWUPD(deps))
	e.Register("CGMR", handleCGMR(deps))
	e.Register("MVER", handleMVER(deps))
	e.Register("GETMAC", handleGETMAC(deps))
	e.Register("GPIOC", handleGPIOC(deps))
	e.Register("GPIOR", handleGPIOR(deps))
	e.Register("GPIOW", handleGPIOW(deps))
}

func handleCMUX(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		if req.Kind != atengine.KindExec || strings.TrimSpace(req.Args) != "0" {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: AT+CMUX only supports mode 0")
		}
		if deps.EnableMux == nil {
			return errors.Wrap(ncperr.ErrInvalidState, "atcmd: mux transport not available")
		}
		return deps.EnableMux()
	}
}

func handleFWUPD(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		size, err := strconv.Atoi(strings.TrimSpace(req.Args))
		if err != nil || size <= 0 {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: AT+FWUPD requires a positive size")
		}

		active, err := transport.WithActive()
		if err != nil {
			return errors.Wrap(err, "atcmd: no active transport for firmware update")
		}

		sess, err := deps.Updates.BeginUpdate(size)
		if err != nil {
			return errors.Wrap(err, "atcmd: begin firmware update")
		}
		defer sess.Cancel() // no-op once Finish has run

		info(atengine.FormatInfo("FWUPD", "ONGOING"))

		wire := transport.NewDirectWire(active)

		r := xmodem.New(wire, sess.Sink(), size)
		var runErr error
		for {
			status, err := r.Run()
			if status == xmodem.StatusDone {
				runErr = err
				break
			}
		}

		// Drain bytes the sender still has in flight (such as its CAN bytes
		// after an abort), then leave direct mode.
		drain := make([]byte, 64)
		for {
			if n, err := wire.Read(drain, 100*time.Millisecond); err != nil || n == 0 {
				break
			}
		}
		wire.Close()

		if runErr != nil {
			log.WithError(runErr).Warn("firmware update transfer failed")
			return runErr
		}

		if err := sess.Finish(); err != nil {
			return errors.Wrap(err, "atcmd: commit firmware update")
		}

		// Restart.Restart calls os.Exit in production and never returns, so
		// the engine's usual post-handler "OK" write is unreachable here:
		// write it ourselves and drain the transport before restarting.
		info("OK")
		if err := active.WaitWriteComplete(2 * time.Second); err != nil {
			log.WithError(err).Warn("firmware update: write did not drain before restart")
		}
		if deps.Restart != nil {
			deps.Restart.Restart()
		}
		return nil
	}
}

func handleCGMR(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		info(deps.Versions.FirmwareVersion())
		return nil
	}
}

func handleMVER(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		info(strconv.FormatUint(uint64(deps.Versions.ModuleVersion()), 10))
		return nil
	}
}

func handleGETMAC(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		if req.Kind == atengine.KindTest {
			info(atengine.FormatInfo("GETMAC", "(0,1,2,3)"))
			return nil
		}
		t, err := strconv.Atoi(strings.TrimSpace(req.Args))
		if err != nil || t < 0 || t > 3 {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: AT+GETMAC type must be 0-3")
		}
		addr, err := deps.MAC.MAC(board.MACType(t))
		if err != nil {
			return errors.Wrap(err, "atcmd: lookup mac")
		}
		info(atengine.FormatInfo("GETMAC", board.FormatMAC(addr)))
		return nil
	}
}

func handleGPIOC(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		if req.Kind != atengine.KindExec {
			info(atengine.FormatInfo("GPIOC", "<pin>,<mode>[,<pull>[,<default>]]"))
			return nil
		}
		parts := strings.Split(req.Args, ",")
		if len(parts) < 2 {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: AT+GPIOC requires pin,mode")
		}
		pin, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid pin")
		}
		mode, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || mode < int(board.PinDisabled) || mode > int(board.PinOutputOpenDrain) {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid mode")
		}
		pull := board.PullNone
		if len(parts) >= 3 {
			p, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil || p < int(board.PullNone) || p > int(board.PullDown) {
				return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid pull")
			}
			pull = board.PinPull(p)
		}
		deflt := false
		if len(parts) >= 4 {
			d, err := strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil || (d != 0 && d != 1) {
				return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid default")
			}
			deflt = d == 1
		}
		return deps.GPIO.Configure(pin, board.PinMode(mode), pull, deflt)
	}
}

func handleGPIOR(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		if req.Kind == atengine.KindTest {
			info(atengine.FormatInfo("GPIOR", "<pin>"))
			return nil
		}
		pin, err := strconv.Atoi(strings.TrimSpace(req.Args))
		if err != nil {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid pin")
		}
		level, err := deps.GPIO.Read(pin)
		if err != nil {
			return errors.Wrap(err, "atcmd: read pin")
		}
		if level {
			info(atengine.FormatInfo("GPIOR", "1"))
		} else {
			info(atengine.FormatInfo("GPIOR", "0"))
		}
		return nil
	}
}

func handleGPIOW(deps Deps) atengine.Responder {
	return func(req atengine.Request, info func(string)) error {
		if req.Kind == atengine.KindTest {
			info(atengine.FormatInfo("GPIOW", "<pin>,<level>"))
			return nil
		}
		parts := strings.Split(req.Args, ",")
		if len(parts) != 2 {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: AT+GPIOW requires pin,level")
		}
		pin, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid pin")
		}
		lvl, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || (lvl != 0 && lvl != 1) {
			return errors.Wrap(ncperr.ErrInvalidParam, "atcmd: invalid level")
		}
		return deps.GPIO.Write(pin, lvl == 1)
	}
}
