package mux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelStateTransitions(t *testing.T) {
	ch := newChannel(1)
	require.Equal(t, ChannelClosed, ch.State())

	var transitions [][2]ChannelState
	ch.onState = func(dlci int, old, new ChannelState) error {
		transitions = append(transitions, [2]ChannelState{old, new})
		return nil
	}

	require.NoError(t, ch.setState(nil, ChannelOpening))
	require.NoError(t, ch.setState(nil, ChannelOpen))
	require.True(t, ch.IsOpen())
	require.NoError(t, ch.setState(nil, ChannelClosing))
	require.NoError(t, ch.setState(nil, ChannelClosed))
	require.False(t, ch.IsOpen())

	require.Equal(t, []([2]ChannelState){
		{ChannelClosed, ChannelOpening},
		{ChannelOpening, ChannelOpen},
		{ChannelOpen, ChannelClosing},
		{ChannelClosing, ChannelClosed},
	}, transitions)
}

func TestChannelRemoteStatusRoundTrip(t *testing.T) {
	ch := newChannel(2)
	ch.SetRemoteStatus(ModemStatus{FC: true, RTR: true})
	got := ch.RemoteStatus()
	require.True(t, got.FC)
	require.True(t, got.RTR)
	require.False(t, got.DV)
}
