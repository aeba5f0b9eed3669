package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwagner/gotorrent/wire"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "ABCDEFGHIJKLMNOPQRST")

	var buf bytes.Buffer
	require.NoError(t, wire.WriteHandshake(&buf, infoHash, peerID))
	assert.Equal(t, wire.HandshakeLen, buf.Len())

	got, err := wire.ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
	require.NoError(t, wire.ExpectInfoHash(got, infoHash))

	var other [20]byte
	copy(other[:], "zzzzzzzzzzzzzzzzzzzz")
	assert.ErrorIs(t, wire.ExpectInfoHash(got, other), wire.ErrHandshakeMismatch)
}

func TestReadHandshakeRejectsWrongProtocol(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(19)
	buf.WriteString("NotBitTorrentProto!")
	buf.Write(make([]byte, 8+20+20))

	_, err := wire.ReadHandshake(buf)
	assert.ErrorIs(t, err, wire.ErrHandshakeMismatch)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*wire.Message{
		nil, // keepalive
		{ID: wire.Choke},
		{ID: wire.Unchoke},
		wire.NewHaveMessage(7),
		wire.NewRequestMessage(1, 16384, 16384),
		wire.NewPieceMessage(1, 0, []byte("hello world")),
	}

	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, wire.WriteMessage(&buf, m))
		got, err := wire.ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// Encode a length far beyond MaxFrameLength without allocating the body.
	big := uint32(wire.MaxFrameLength + 1)
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	buf.Write(lenBuf)

	_, err := wire.ReadMessage(&buf)
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestReadMessageRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, &wire.Message{ID: wire.MessageID(200)}))
	_, err := wire.ReadMessage(&buf)
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestReadMessageRejectsBadShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMessage(&buf, &wire.Message{ID: wire.Have, Payload: []byte{1, 2}}))
	_, err := wire.ReadMessage(&buf)
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestBitfieldMSBFirst(t *testing.T) {
	bf := wire.NewBitfield(10)
	bf.SetPiece(0)
	bf.SetPiece(2)
	bf.SetPiece(9)

	assert.True(t, bf.HasPiece(0))
	assert.False(t, bf.HasPiece(1))
	assert.True(t, bf.HasPiece(2))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(8))

	// MSB of byte 0 is piece 0.
	assert.Equal(t, byte(0b10100000), bf[0])
}
