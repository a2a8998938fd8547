package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, TransportUART, cfg.Transport)
	require.Equal(t, uint(921600), cfg.UARTBaudRate)
	require.Equal(t, 128, cfg.MuxFrameSize)
}

func TestParseOverridesFromArgs(t *testing.T) {
	cfg, err := Parse([]string{
		"--transport=sdio",
		"--device=/dev/ttyS1",
		"--baud=115200",
		"--mux-frame-size=64",
		"--fw-version=1.2.3",
		"--module-version=7",
	})
	require.NoError(t, err)
	require.Equal(t, TransportSDIO, cfg.Transport)
	require.Equal(t, "/dev/ttyS1", cfg.UARTDevice)
	require.Equal(t, uint(115200), cfg.UARTBaudRate)
	require.Equal(t, 64, cfg.MuxFrameSize)
	require.Equal(t, "1.2.3", cfg.FirmwareVersion)
	require.Equal(t, uint32(7), cfg.ModuleVersion)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"--not-a-real-flag"})
	require.Error(t, err)
}
