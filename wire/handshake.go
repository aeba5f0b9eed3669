// Package wire implements the peer wire protocol's two frame shapes: the
// fixed 68-byte handshake and the length-prefixed message frames that
// follow it.
package wire

import (
	"errors"
	"fmt"
	"io"
)

// ProtocolString is the BitTorrent protocol identifier sent in every
// handshake.
const ProtocolString = "BitTorrent protocol"

// HandshakeLen is the fixed wire size of a handshake frame: 1 pstrlen
// byte + 19 pstr bytes + 8 reserved bytes + 20 info_hash bytes + 20
// peer_id bytes.
const HandshakeLen = 1 + len(ProtocolString) + 8 + 20 + 20

// ErrHandshakeMismatch is returned when the peer's handshake does not
// carry the expected protocol string or info_hash.
var ErrHandshakeMismatch = errors.New("wire: handshake mismatch")

// Handshake is the decoded form of a handshake frame.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes h into its fixed 68-byte wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(ProtocolString))
	cur := 1
	cur += copy(buf[cur:], ProtocolString)
	cur += 8 // reserved bytes stay zero
	cur += copy(buf[cur:], h.InfoHash[:])
	copy(buf[cur:], h.PeerID[:])
	return buf
}

// WriteHandshake sends the local handshake for infoHash/peerID to w.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	_, err := w.Write(Handshake{InfoHash: infoHash, PeerID: peerID}.Marshal())
	return err
}

// ReadHandshake reads and decodes a single handshake frame from r,
// failing with ErrHandshakeMismatch if the protocol string is wrong.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var pstrLenBuf [1]byte
	if _, err := io.ReadFull(r, pstrLenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(ProtocolString) {
		return Handshake{}, fmt.Errorf("%w: expected pstrlen %d, got %d", ErrHandshakeMismatch, len(ProtocolString), pstrLen)
	}

	rest := make([]byte, pstrLen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}

	pstr := string(rest[:pstrLen])
	if pstr != ProtocolString {
		return Handshake{}, fmt.Errorf("%w: expected protocol %q, got %q", ErrHandshakeMismatch, ProtocolString, pstr)
	}

	var h Handshake
	copy(h.InfoHash[:], rest[pstrLen+8:pstrLen+8+20])
	copy(h.PeerID[:], rest[pstrLen+8+20:])
	return h, nil
}

// ExpectInfoHash fails with ErrHandshakeMismatch unless h carries want.
func ExpectInfoHash(h Handshake, want [20]byte) error {
	if h.InfoHash != want {
		return fmt.Errorf("%w: info_hash %x does not match expected %x", ErrHandshakeMismatch, h.InfoHash, want)
	}
	return nil
}
