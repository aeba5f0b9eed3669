package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a non-keepalive message's type tag.
type MessageID uint8

// Message tags, per spec §4.1.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldID
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case BitfieldID:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("MessageID(%d)", uint8(id))
	}
}

// MaxFrameLength bounds a single message frame: large enough for a 16 KiB
// block plus its 8-byte index/begin header and type byte, with headroom.
const MaxFrameLength = 1 << 17 // 128 KiB

// ErrMalformedFrame is returned for any frame that violates the wire
// format: oversized length, unknown tag, or a payload shape mismatch.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Message is a decoded non-keepalive frame. A nil *Message denotes
// KeepAlive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Marshal encodes m into its length-prefixed wire form. A nil receiver
// encodes the zero-length KeepAlive frame.
func (m *Message) Marshal() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage sends m (nil for KeepAlive) to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Marshal())
	return err
}

// ReadMessage reads one frame from r. It returns (nil, nil) for
// KeepAlive. Reads loop internally (via io.ReadFull) until exactly
// 4+length bytes have been consumed or the stream errors.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: length %d exceeds max frame %d", ErrMalformedFrame, length, MaxFrameLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	id := MessageID(body[0])
	var payload []byte // nil for tag-only frames, matching an unset Payload
	if length > 1 {
		payload = body[1:]
	}
	if err := validateShape(id, payload); err != nil {
		return nil, err
	}
	return &Message{ID: id, Payload: payload}, nil
}

func validateShape(id MessageID, payload []byte) error {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return fmt.Errorf("%w: %s expects an empty payload, got %d bytes", ErrMalformedFrame, id, len(payload))
		}
	case Have:
		if len(payload) != 4 {
			return fmt.Errorf("%w: %s expects a 4-byte payload, got %d", ErrMalformedFrame, id, len(payload))
		}
	case BitfieldID:
		// opaque bit array, any length is a valid frame shape
	case Request, Cancel:
		if len(payload) != 12 {
			return fmt.Errorf("%w: %s expects a 12-byte payload, got %d", ErrMalformedFrame, id, len(payload))
		}
	case Piece:
		if len(payload) < 8 {
			return fmt.Errorf("%w: %s expects at least an 8-byte payload, got %d", ErrMalformedFrame, id, len(payload))
		}
	default:
		return fmt.Errorf("%w: unknown message tag %d", ErrMalformedFrame, uint8(id))
	}
	return nil
}

// NewHaveMessage builds a Have frame announcing index.
func NewHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a Have frame.
func ParseHave(m *Message) (int, error) {
	if m == nil || m.ID != Have {
		return 0, fmt.Errorf("%w: expected Have", ErrMalformedFrame)
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// NewRequestMessage builds a Request frame for the given block.
func NewRequestMessage(index, begin, length int) *Message {
	return &Message{ID: Request, Payload: encodeIBL(index, begin, length)}
}

// NewCancelMessage builds a Cancel frame for the given block.
func NewCancelMessage(index, begin, length int) *Message {
	return &Message{ID: Cancel, Payload: encodeIBL(index, begin, length)}
}

func encodeIBL(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

// ParseRequest extracts index/begin/length from a Request or Cancel frame.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m == nil || (m.ID != Request && m.ID != Cancel) {
		return 0, 0, 0, fmt.Errorf("%w: expected Request or Cancel", ErrMalformedFrame)
	}
	return int(binary.BigEndian.Uint32(m.Payload[0:4])),
		int(binary.BigEndian.Uint32(m.Payload[4:8])),
		int(binary.BigEndian.Uint32(m.Payload[8:12])),
		nil
}

// NewPieceMessage builds a Piece frame carrying block for (index, begin).
func NewPieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsePiece extracts index/begin/block from a Piece frame. The
// returned block aliases m.Payload.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if m == nil || m.ID != Piece {
		return 0, 0, nil, fmt.Errorf("%w: expected Piece", ErrMalformedFrame)
	}
	return int(binary.BigEndian.Uint32(m.Payload[0:4])),
		int(binary.BigEndian.Uint32(m.Payload[4:8])),
		m.Payload[8:],
		nil
}
