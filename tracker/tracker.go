// Package tracker announces to a torrent's tracker(s) over HTTP or the
// BEP-15 UDP protocol and parses the compact peer list each returns
// (spec §4.5).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrUnsupportedScheme is returned by Announce when a tracker URL's
// scheme is neither http(s) nor udp.
var ErrUnsupportedScheme = errors.New("tracker: unsupported announce scheme")

// Peer is one peer returned by a tracker's compact peer list.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

// Request carries the fields every tracker announce needs regardless of
// transport.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	Event      Event
}

// Event is the BEP-3 announce event.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// Response is a tracker's answer, transport-independent.
type Response struct {
	Interval int
	Peers    []Peer
}

// Getter announces to a single tracker URL. http.go and udp.go each
// implement it for their transport.
type Getter interface {
	Announce(ctx context.Context, announceURL string, req Request) (Response, error)
}

// Announce dispatches to the HTTP or UDP getter based on announceURL's
// scheme.
func Announce(ctx context.Context, announceURL string, req Request) (Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: parsing %q: %w", announceURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return (HTTPGetter{}).Announce(ctx, announceURL, req)
	case "udp":
		return (UDPGetter{}).Announce(ctx, announceURL, req)
	default:
		return Response{}, fmt.Errorf("tracker: %s: %w", u.Scheme, ErrUnsupportedScheme)
	}
}

// parseCompactPeers decodes a BEP-23 compact peer blob (6 bytes per
// peer: 4-byte big-endian IPv4 + 2-byte big-endian port).
func parseCompactPeers(blob []byte) ([]Peer, error) {
	if len(blob)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peer blob length %d not a multiple of 6", len(blob))
	}
	peers := make([]Peer, 0, len(blob)/6)
	for i := 0; i < len(blob); i += 6 {
		ip := net.IPv4(blob[i], blob[i+1], blob[i+2], blob[i+3]).To4()
		port := uint16(blob[i+4])<<8 | uint16(blob[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
