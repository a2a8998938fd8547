package mux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlFrameRoundTrip(t *testing.T) {
	cf := controlFrame{Cmd: cmdMSC, CR: true, Val: []byte{0x05, 0x8D}}
	raw := encodeControlFrame(cf)
	got, err := decodeControlFrame(raw)
	require.NoError(t, err)
	require.Equal(t, cf.Cmd, got.Cmd)
	require.Equal(t, cf.CR, got.CR)
	require.Equal(t, cf.Val, got.Val)
}

func TestModemStatusRoundTrip(t *testing.T) {
	raw := encodeModemStatus(1, ModemStatus{FC: true, RTC: true, DV: true})
	dlci, status, ok := decodeModemStatus(raw)
	require.True(t, ok)
	require.Equal(t, 1, dlci)
	require.True(t, status.FC)
	require.True(t, status.RTC)
	require.True(t, status.DV)
	require.False(t, status.RTR)
}

func TestDecodeControlFrameRejectsTruncated(t *testing.T) {
	_, err := decodeControlFrame([]byte{0x01})
	require.Error(t, err)
}
