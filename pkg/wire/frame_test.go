package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/pkg/wire"
)

func TestFrameRoundtrip(t *testing.T) {
	msg := wire.Announce{
		SwapID:      "0b41570b-a689-44a4-bbcc-ee8bbd26f0e3",
		AlphaLedger: "bitcoin",
		BetaLedger:  "ethereum",
		AlphaAmount: "20000000",
		BetaAmount:  "1800000000000000000000",
		SecretHash:  bytes.Repeat([]byte{0xab}, 32),
		AlphaExpiry: 800_100,
		BetaExpiry:  1_700_050_000,
	}

	frame, err := wire.NewFrame(wire.MsgAnnounce, 7, msg)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.ProtocolVersion), frame.Version)

	var buf bytes.Buffer
	require.NoError(t, wire.Write(&buf, frame))

	decoded, err := wire.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.MsgAnnounce, decoded.Type)
	require.Equal(t, uint64(7), decoded.RequestID)

	var got wire.Announce
	require.NoError(t, decoded.DecodeBody(&got))
	require.Equal(t, msg, got)
}

func TestFrameHeaderLayout(t *testing.T) {
	frame, err := wire.NewFrame(wire.MsgAnnounceOK, 0x0102030405060708, wire.AnnounceOK{SwapID: "x"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, wire.Write(&buf, frame))
	raw := buf.Bytes()

	// 4-byte length prefix, then version, 2-byte type, 8-byte request id
	require.Equal(t, uint8(wire.ProtocolVersion), raw[4])
	require.Equal(t, []byte{0x00, 0x02}, raw[5:7])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, raw[7:15])
}

func TestFrameErrors(t *testing.T) {
	t.Run("unsupported version", func(t *testing.T) {
		frame, err := wire.NewFrame(wire.MsgOrderGossip, 1, wire.OrderGossip{})
		require.NoError(t, err)
		frame.Version = 99

		var buf bytes.Buffer
		require.NoError(t, wire.Write(&buf, frame))
		_, err = wire.Read(&buf)
		require.ErrorIs(t, err, wire.ErrUnsupportedVersion)
	})

	t.Run("oversize length prefix", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
		_, err := wire.Read(&buf)
		require.ErrorIs(t, err, wire.ErrFrameTooLarge)
	})

	t.Run("truncated frame", func(t *testing.T) {
		frame, err := wire.NewFrame(wire.MsgAnnounce, 1, wire.Announce{SwapID: "x"})
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, wire.Write(&buf, frame))
		truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
		_, err = wire.Read(truncated)
		require.Error(t, err)
	})

	t.Run("undersize frame", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0x00, 0x00, 0x00, 0x02, 0x01, 0x00})
		_, err := wire.Read(&buf)
		require.Error(t, err)
	})
}
