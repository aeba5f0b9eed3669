package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// udpProtocolMagic is the fixed connection-id used on the initial
// connect request (BEP-15).
const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
	udpActionError    int32 = 3
)

// ErrUDPTrackerError is returned when the tracker answers with an
// error action.
var ErrUDPTrackerError = errors.New("tracker/udp: tracker returned an error")

// UDPGetter announces over the BEP-15 UDP tracker protocol.
type UDPGetter struct {
	Timeout time.Duration
}

func (g UDPGetter) Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	timeout := g.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	addr, err := resolveUDPTracker(announceURL)
	if err != nil {
		return Response{}, err
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Response{}, fmt.Errorf("tracker/udp: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	connID, err := udpConnect(conn)
	if err != nil {
		return Response{}, err
	}
	return udpAnnounce(conn, connID, req)
}

func resolveUDPTracker(announceURL string) (*net.UDPAddr, error) {
	u, err := parseUDPURL(announceURL)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", u)
	if err != nil {
		return nil, fmt.Errorf("tracker/udp: resolving %s: %w", u, err)
	}
	return addr, nil
}

func parseUDPURL(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("tracker/udp: parsing url: %w", err)
	}
	return u.Host, nil
}

func randomTransactionID() uint32 {
	return rand.Uint32()
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	txID := randomTransactionID()

	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], uint32(udpActionConnect))
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req[:]); err != nil {
		return 0, fmt.Errorf("tracker/udp: sending connect: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("tracker/udp: reading connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("tracker/udp: connect response too short (%d bytes)", n)
	}

	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return 0, fmt.Errorf("tracker/udp: connect transaction id mismatch")
	}
	if action == udpActionError {
		return 0, fmt.Errorf("%w: %s", ErrUDPTrackerError, string(resp[8:n]))
	}
	if action != udpActionConnect {
		return 0, fmt.Errorf("tracker/udp: unexpected connect action %d", action)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, connID uint64, req Request) (Response, error) {
	txID := randomTransactionID()

	var buf [98]byte
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(udpActionAnnounce))
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(udpEventCode(req.Event)))
	// ip_address left zeroed: let the tracker use the packet's source address.
	binary.BigEndian.PutUint32(buf[84:88], 0)
	binary.BigEndian.PutUint32(buf[88:92], 0) // key: not tracked across sessions
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	if _, err := conn.Write(buf[:]); err != nil {
		return Response{}, fmt.Errorf("tracker/udp: sending announce: %w", err)
	}

	resp := make([]byte, 20+6*64) // room for a generous compact peer list
	n, err := conn.Read(resp)
	if err != nil {
		return Response{}, fmt.Errorf("tracker/udp: reading announce response: %w", err)
	}
	if n < 20 {
		return Response{}, fmt.Errorf("tracker/udp: announce response too short (%d bytes)", n)
	}

	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return Response{}, fmt.Errorf("tracker/udp: announce transaction id mismatch")
	}
	if action == udpActionError {
		return Response{}, fmt.Errorf("%w: %s", ErrUDPTrackerError, string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return Response{}, fmt.Errorf("tracker/udp: unexpected announce action %d", action)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers, err := parseCompactPeers(resp[20:n])
	if err != nil {
		return Response{}, err
	}
	return Response{Interval: interval, Peers: peers}, nil
}

func udpEventCode(e Event) int32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
