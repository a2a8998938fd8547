// Package config declares the ncpd process's startup configuration, parsed
// from command-line flags the way cmd/smacprint's main does with kingpin.
package config

import (
	"strconv"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/particle-iot/esp32-ncp-firmware/transport"
)

// TransportKind selects which physical transport ncpd opens.
type TransportKind string

const (
	TransportUART TransportKind = "uart"
	TransportSDIO TransportKind = "sdio"
)

// Config holds every value the process needs to bring the NCP stack up,
// populated either by Parse (from os.Args) or directly by a test.
type Config struct {
	Transport TransportKind

	UARTDevice            string
	UARTBaudRate          uint
	UARTRXFlowControlHigh int

	SDIOBlockSize int

	MuxFrameSize       int
	MuxKeepaliveMillis int

	FirmwareVersion string
	ModuleVersion   uint32

	LogLevel  string
	ImagePath string
}

// Default returns the configuration cmd/ncpd falls back to when a flag is
// not supplied, mirroring DefaultUARTConfig's constants.
func Default() Config {
	uc := transport.DefaultUARTConfig("")
	sc := transport.DefaultSDIOConfig()
	return Config{
		Transport:             TransportUART,
		UARTBaudRate:          uc.BaudRate,
		UARTRXFlowControlHigh: uc.RXFlowControlHigh,
		SDIOBlockSize:         sc.BlockSize,
		MuxFrameSize:          128,
		MuxKeepaliveMillis:    10000,
		FirmwareVersion:       "0.0.0",
		LogLevel:              "info",
		ImagePath:             "/var/lib/ncpd/firmware.bin",
	}
}

// Parse builds a Config from command-line flags declared on a local
// kingpin.Application.
func Parse(args []string) (Config, error) {
	def := Default()

	app := kingpin.New("ncpd", "Network co-processor firmware simulator")
	transportFlag := app.Flag("transport", "Transport backend (uart or sdio)").Default(string(def.Transport)).String()
	device := app.Flag("device", "Path to the UART device").Default("/dev/ttyUSB0").String()
	baud := app.Flag("baud", "UART baud rate").Default(itoa(def.UARTBaudRate)).Uint()
	rxFlowHigh := app.Flag("rx-flow-high", "UART RX flow-control threshold in bytes (stored in the UART config, not applied to the port)").
		Default(itoa(uint(def.UARTRXFlowControlHigh))).Int()
	sdioBlock := app.Flag("sdio-block-size", "SDIO block size in bytes").Default(itoa(uint(def.SDIOBlockSize))).Int()
	frameSize := app.Flag("mux-frame-size", "Maximum GSM 07.10 information field size").
		Default(itoa(uint(def.MuxFrameSize))).Int()
	keepalive := app.Flag("mux-keepalive-ms", "Multiplexer keepalive interval in milliseconds").
		Default(itoa(uint(def.MuxKeepaliveMillis))).Int()
	fwVersion := app.Flag("fw-version", "Firmware version string reported by +CGMR").Default(def.FirmwareVersion).String()
	modVersion := app.Flag("module-version", "Numeric module version reported by +MVER").Default("0").Uint32()
	logLevel := app.Flag("log-level", "Logrus log level").Default(def.LogLevel).String()
	imagePath := app.Flag("image-path", "Path the firmware image is written to on update").Default(def.ImagePath).String()

	if _, err := app.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		Transport:             TransportKind(*transportFlag),
		UARTDevice:            *device,
		UARTBaudRate:          *baud,
		UARTRXFlowControlHigh: *rxFlowHigh,
		SDIOBlockSize:         *sdioBlock,
		MuxFrameSize:          *frameSize,
		MuxKeepaliveMillis:    *keepalive,
		FirmwareVersion:       *fwVersion,
		ModuleVersion:         *modVersion,
		LogLevel:              *logLevel,
		ImagePath:             *imagePath,
	}, nil
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
