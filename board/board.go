// Package board collects the small external-hardware collaborators this
// firmware calls into but does not implement: GPIO pin control, MAC address
// sources, version strings, and the restart/reset primitive. Each is a small
// interface with an in-memory reference implementation, grounded on the
// teacher's appdrivers pattern of one struct per collaborator.
package board

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

func defaultExit(code int) {
	os.Exit(code)
}

var log = logrus.WithField("component", "board")

// PinMode mirrors the +GPIOC mode parameter.
type PinMode int

const (
	PinDisabled PinMode = iota
	PinInput
	PinOutput
	PinOutputOpenDrain
)

// PinPull mirrors the +GPIOC pull parameter.
type PinPull int

const (
	PullNone PinPull = iota
	PullUp
	PullDown
)

type pinConfig struct {
	mode  PinMode
	pull  PinPull
	level bool
}

// GPIO is the in-memory reference GPIO pin multiplexer: it tracks
// configuration and level per pin number without touching real hardware.
type GPIO struct {
	pins map[int]*pinConfig
}

func NewGPIO() *GPIO {
	return &GPIO{pins: make(map[int]*pinConfig)}
}

// Configure sets a pin's mode, pull, and (for outputs) default level.
func (g *GPIO) Configure(pin int, mode PinMode, pull PinPull, deflt bool) error {
	if pin < 0 {
		return errors.Wrap(ncperr.ErrInvalidParam, "board: invalid pin")
	}
	g.pins[pin] = &pinConfig{mode: mode, pull: pull, level: deflt}
	return nil
}

// Read returns the current input level of a configured, non-disabled pin.
func (g *GPIO) Read(pin int) (bool, error) {
	cfg, ok := g.pins[pin]
	if !ok || cfg.mode == PinDisabled {
		return false, errors.Wrap(ncperr.ErrInvalidState, "board: pin not configured")
	}
	return cfg.level, nil
}

// Write sets an output pin's level.
func (g *GPIO) Write(pin int, level bool) error {
	cfg, ok := g.pins[pin]
	if !ok || cfg.mode != PinOutput && cfg.mode != PinOutputOpenDrain {
		return errors.Wrap(ncperr.ErrInvalidState, "board: pin is not an output")
	}
	cfg.level = level
	return nil
}

// MACType identifies which MAC address +GETMAC is asking for.
type MACType int

const (
	MACStation MACType = iota
	MACSoftAP
	MACBluetooth
	MACEthernet
)

// MACSource supplies MAC addresses, standing in for the radio/driver
// collaborator that owns the real hardware addresses.
type MACSource interface {
	MAC(t MACType) ([6]byte, error)
}

// StaticMACSource returns a fixed set of addresses, one per MACType, useful
// for tests and for boards whose addresses are burned in at provisioning.
type StaticMACSource struct {
	Addrs map[MACType][6]byte
}

func (s StaticMACSource) MAC(t MACType) ([6]byte, error) {
	addr, ok := s.Addrs[t]
	if !ok {
		return [6]byte{}, errors.Wrap(ncperr.ErrNotFound, "board: mac type not provisioned")
	}
	return addr, nil
}

// FormatMAC renders a MAC address the way +GETMAC responds:
// "XX:XX:XX:XX:XX:XX".
func FormatMAC(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}

// VersionSource supplies the firmware version strings for +CGMR and +MVER.
type VersionSource interface {
	FirmwareVersion() string
	ModuleVersion() uint32
}

// StaticVersionSource is a fixed-value reference implementation.
type StaticVersionSource struct {
	Firmware string
	Module   uint32
}

func (s StaticVersionSource) FirmwareVersion() string { return s.Firmware }
func (s StaticVersionSource) ModuleVersion() uint32   { return s.Module }

// Restarter performs the system restart that follows a successful firmware
// update, per SPEC_FULL.md §6 reset behavior.
type Restarter interface {
	Restart()
}

// ProcessRestarter is the reference implementation for a userland process
// standing in for an MCU reset: it logs and exits so a supervisor can
// relaunch the binary against the newly written image.
type ProcessRestarter struct {
	Exit func(code int)
}

func NewProcessRestarter() ProcessRestarter {
	return ProcessRestarter{Exit: defaultExit}
}

func (r ProcessRestarter) Restart() {
	log.Warn("restarting to apply firmware update")
	r.Exit(0)
}
