package board

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGPIOConfigureWriteRead(t *testing.T) {
	g := NewGPIO()
	require.NoError(t, g.Configure(2, PinOutput, PullNone, false))

	require.NoError(t, g.Write(2, true))
	level, err := g.Read(2)
	require.NoError(t, err)
	require.True(t, level)
}

func TestGPIOWriteRejectsInputPin(t *testing.T) {
	g := NewGPIO()
	require.NoError(t, g.Configure(4, PinInput, PullUp, false))
	require.Error(t, g.Write(4, true))
}

func TestGPIOReadRejectsUnconfiguredPin(t *testing.T) {
	g := NewGPIO()
	_, err := g.Read(9)
	require.Error(t, err)
}

func TestStaticMACSourceLookup(t *testing.T) {
	src := StaticMACSource{Addrs: map[MACType][6]byte{
		MACStation: {0x24, 0x0A, 0xC4, 0x01, 0x02, 0x03},
	}}
	addr, err := src.MAC(MACStation)
	require.NoError(t, err)
	require.Equal(t, "24:0A:C4:01:02:03", FormatMAC(addr))

	_, err = src.MAC(MACSoftAP)
	require.Error(t, err)
}

func TestStaticVersionSource(t *testing.T) {
	v := StaticVersionSource{Firmware: "2.3.0", Module: 100}
	require.Equal(t, "2.3.0", v.FirmwareVersion())
	require.Equal(t, uint32(100), v.ModuleVersion())
}

func TestProcessRestarterCallsExit(t *testing.T) {
	var gotCode int
	called := false
	r := ProcessRestarter{Exit: func(code int) {
		called = true
		gotCode = code
	}}
	r.Restart()
	require.True(t, called)
	require.Equal(t, 0, gotCode)
}
