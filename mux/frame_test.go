package mux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFCSRoundTripSurvivesEncodeDecode(t *testing.T) {
	f := Frame{DLCI: 1, CR: true, Type: FrameUIH, Payload: []byte("AT+CGMR\r\n")}
	raw, err := Encode(f)
	require.NoError(t, err)
	require.Equal(t, byte(flagByte), raw[0])
	require.Equal(t, byte(flagByte), raw[len(raw)-1])

	dec := NewDecoder(256)
	var got *Frame
	for _, b := range raw {
		if out := dec.Feed(b); out != nil {
			got = out
		}
	}
	require.NotNil(t, got)
	require.Equal(t, f.DLCI, got.DLCI)
	require.Equal(t, f.CR, got.CR)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Payload, got.Payload)
}

func TestDecoderDropsFrameWithBadFCS(t *testing.T) {
	f := Frame{DLCI: 2, Type: FrameUIH, Payload: []byte("hello")}
	raw, err := Encode(f)
	require.NoError(t, err)
	// Corrupt the FCS byte (second to last).
	raw[len(raw)-2] ^= 0xFF

	dec := NewDecoder(256)
	var got *Frame
	for _, b := range raw {
		if out := dec.Feed(b); out != nil {
			got = out
		}
	}
	require.Nil(t, got)
	require.Equal(t, 1, dec.DroppedBadFCS)
}

func TestDecoderHandlesBackToBackFrames(t *testing.T) {
	f1 := Frame{DLCI: 1, Type: FrameUIH, Payload: []byte("one")}
	f2 := Frame{DLCI: 1, Type: FrameUIH, Payload: []byte("two")}
	raw1, err := Encode(f1)
	require.NoError(t, err)
	raw2, err := Encode(f2)
	require.NoError(t, err)

	dec := NewDecoder(256)
	var frames []*Frame
	for _, b := range append(raw1, raw2...) {
		if out := dec.Feed(b); out != nil {
			frames = append(frames, out)
		}
	}
	require.Len(t, frames, 2)
	require.Equal(t, "one", string(frames[0].Payload))
	require.Equal(t, "two", string(frames[1].Payload))
}

func TestDecoderRejectsOverLongFrame(t *testing.T) {
	payload := make([]byte, 300)
	f := Frame{DLCI: 1, Type: FrameUIH, Payload: payload}
	raw, err := Encode(f)
	require.NoError(t, err)

	dec := NewDecoder(128)
	var got *Frame
	for _, b := range raw {
		if out := dec.Feed(b); out != nil {
			got = out
		}
	}
	require.Nil(t, got)
	require.Equal(t, 1, dec.DroppedOverLen)
}

func TestEncodeRejectsOutOfRangeDLCI(t *testing.T) {
	_, err := Encode(Frame{DLCI: 64, Type: FrameUIH})
	require.Error(t, err)
}

func TestControlFrameFCSCoversFullFrame(t *testing.T) {
	f := Frame{DLCI: 0, Type: FrameSABM, PF: true}
	raw, err := Encode(f)
	require.NoError(t, err)
	dec := NewDecoder(256)
	var got *Frame
	for _, b := range raw {
		if out := dec.Feed(b); out != nil {
			got = out
		}
	}
	require.NotNil(t, got)
	require.Equal(t, FrameSABM, got.Type)
	require.True(t, got.PF)
}
