// Package peerwire drives a single peer connection's lifecycle: dial,
// handshake, choke/interested bookkeeping, and the request/piece loop
// that pulls work from a shared PieceEngine (spec §4.2, §8).
package peerwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nwagner/gotorrent/metrics"
	"github.com/nwagner/gotorrent/pieceengine"
	"github.com/nwagner/gotorrent/wire"
)

// maxPipelineDepth is the largest number of outstanding block requests
// a session keeps in flight to one peer at once (spec §4.2).
const maxPipelineDepth = 16

// readPollInterval is the per-read socket deadline; a timeout wakes the
// main loop to run its idle-reaction checks without ending the session
// (spec §4.2's "10-second socket read timeout").
const readPollInterval = 10 * time.Second

// inactivityTimeout ends a session that has received no frame at all,
// not even a keep-alive, in this long (spec §4.2/§5).
const inactivityTimeout = 90 * time.Second

// keepAliveAfter is how long since the last frame before Run sends a
// KeepAlive of its own.
const keepAliveAfter = 30 * time.Second

// resendInterestedAfter is how long, while choked, since the last frame
// before Run resends Interested (some peers drop silent interest).
const resendInterestedAfter = 15 * time.Second

// requestStallAfter is how long a session waits for block progress on
// its active piece before reissuing every outstanding request for it.
const requestStallAfter = 10 * time.Second

// requestRetryAfter is how long BlocksToRequest waits before reissuing
// a block request that hasn't been answered.
const requestRetryAfter = 20 * time.Second

// maxConsecutiveErrors is how many back-to-back read failures a session
// tolerates before giving up on the peer. A failed write ends the session
// at once.
const maxConsecutiveErrors = 5

// ErrHandshakeFailed wraps any error during dial/handshake.
var ErrHandshakeFailed = errors.New("peerwire: handshake failed")

// Session owns one peer's TCP connection and drives requests against a
// shared PieceEngine.
type Session struct {
	conn   net.Conn
	peerID [20]byte
	owner  string // stable identity used for PieceEngine ownership tracking

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerBitfield wire.Bitfield
	numPieces    int

	engine  *pieceengine.Engine
	metrics *metrics.Metrics
	log     *slog.Logger

	outstanding     int
	activePiece     int
	haveActive      bool
	piecesDelivered int

	lastFrameAt         time.Time
	lastBlockProgressAt time.Time
}

// PiecesDelivered reports how many pieces this session has verified so
// far, used by Swarm to rank sessions when trimming the pool (spec.md
// §9's "reuse of failed pieces" extended to peer-quality-aware trimming).
func (s *Session) PiecesDelivered() int { return s.piecesDelivered }

// Dial connects to addr, performs the handshake, and validates the
// remote's info hash before returning a ready Session.
func Dial(ctx context.Context, addr string, infoHash, myPeerID [20]byte, numPieces int, engine *pieceengine.Engine, m *metrics.Metrics, log *slog.Logger, localAddr string) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	m.IncConnectionAttempts()

	d := net.Dialer{}
	if localAddr != "" {
		laddr, err := net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			m.IncFailedConnections()
			return nil, fmt.Errorf("peerwire: resolving local address %q: %w", localAddr, err)
		}
		d.LocalAddr = laddr
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.IncFailedConnections()
		return nil, fmt.Errorf("peerwire: dialing %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteHandshake(conn, infoHash, myPeerID); err != nil {
		conn.Close()
		m.IncFailedConnections()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	hs, err := wire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		m.IncFailedConnections()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := wire.ExpectInfoHash(hs, infoHash); err != nil {
		conn.Close()
		m.IncFailedConnections()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	conn.SetDeadline(time.Time{})
	m.IncSuccessfulConnections()

	return &Session{
		conn:         conn,
		peerID:       hs.PeerID,
		owner:        addr,
		amChoking:    true,
		peerChoking:  true,
		peerBitfield: wire.NewBitfield(numPieces),
		numPieces:    numPieces,
		engine:       engine,
		metrics:      m,
		log:          log.With("peer", addr),
	}, nil
}

// HasPiece implements pieceengine.PeerPieces.
func (s *Session) HasPiece(index int) bool { return s.peerBitfield.HasPiece(index) }

// Close closes the underlying connection and releases any piece this
// session currently owns back to the engine.
func (s *Session) Close() error {
	if s.haveActive {
		s.engine.ReleasePiece(s.activePiece, s.owner)
		s.haveActive = false
	}
	return s.conn.Close()
}

// Run drives the session until ctx is cancelled, the engine completes,
// or the peer connection fails irrecoverably.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	if err := wire.WriteMessage(s.conn, &wire.Message{ID: wire.Interested}); err != nil {
		return fmt.Errorf("peerwire: sending interested: %w", err)
	}
	s.amInterested = true
	now := time.Now()
	s.lastFrameAt = now
	s.lastBlockProgressAt = now

	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.engine.IsComplete() {
			return nil
		}

		if time.Since(s.lastFrameAt) >= inactivityTimeout {
			return fmt.Errorf("peerwire: no frames received in over %s", inactivityTimeout)
		}

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Timed-out reads loop back into the state machine; they
				// are not a connection failure (spec §5).
				if err := s.handleIdle(); err != nil {
					return err
				}
				continue
			}
			errCount++
			s.log.Warn("read failed", "error", err, "consecutive_errors", errCount)
			if errCount >= maxConsecutiveErrors {
				return fmt.Errorf("peerwire: too many consecutive read errors: %w", err)
			}
			continue
		}
		errCount = 0
		s.lastFrameAt = time.Now()

		if err := s.handleMessage(msg); err != nil {
			return err
		}

		if err := s.fillPipeline(); err != nil {
			return err
		}
	}
}

// handleIdle runs the three read-timeout reactions spec §4.2 lists:
// send a keep-alive after 30s of silence, resend Interested after 15s
// while choked, and reissue a stalled piece's requests after 10s
// without progress.
func (s *Session) handleIdle() error {
	sinceFrame := time.Since(s.lastFrameAt)

	if sinceFrame >= keepAliveAfter {
		if err := wire.WriteMessage(s.conn, nil); err != nil {
			return fmt.Errorf("peerwire: sending keep-alive: %w", err)
		}
	}
	if s.peerChoking && sinceFrame >= resendInterestedAfter {
		if err := wire.WriteMessage(s.conn, &wire.Message{ID: wire.Interested}); err != nil {
			return fmt.Errorf("peerwire: resending interested: %w", err)
		}
	}
	if !s.peerChoking && s.haveActive && time.Since(s.lastBlockProgressAt) >= requestStallAfter {
		if err := s.reissueOutstanding(); err != nil {
			return err
		}
	}
	return nil
}

// reissueOutstanding re-sends up to maxPipelineDepth not-yet-received
// block requests for the active piece, ignoring BlocksToRequest's normal
// staleness window.
func (s *Session) reissueOutstanding() error {
	reqs := s.engine.BlocksToRequest(s.activePiece, maxPipelineDepth, 0)
	for _, r := range reqs {
		msg := wire.NewRequestMessage(s.activePiece, r.Begin, r.Length)
		if err := wire.WriteMessage(s.conn, msg); err != nil {
			return fmt.Errorf("peerwire: reissuing request: %w", err)
		}
	}
	s.lastBlockProgressAt = time.Now()
	return nil
}

func (s *Session) handleMessage(msg *wire.Message) error {
	if msg == nil {
		// Keep-alive: nothing to update.
		return nil
	}

	switch msg.ID {
	case wire.Choke:
		// Keep current_piece so progress can resume after unchoke;
		// invariant 5 only allows releasing ownership on disconnect or
		// completion, not on choke. Just reset inflight tracking so
		// fillPipeline starts a fresh request window once unchoked.
		s.peerChoking = true
		s.outstanding = 0
	case wire.Unchoke:
		s.peerChoking = false
	case wire.Interested:
		s.peerInterested = true
	case wire.NotInterested:
		s.peerInterested = false
	case wire.Have:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return fmt.Errorf("peerwire: parsing have: %w", err)
		}
		s.peerBitfield.SetPiece(index)
	case wire.BitfieldID:
		s.peerBitfield = wire.Bitfield(append([]byte(nil), msg.Payload...))
	case wire.Request:
		// Seeding (uploading blocks to peers) is out of scope; the
		// session only leeches.
	case wire.Piece:
		index, begin, data, err := wire.ParsePiece(msg)
		if err != nil {
			return fmt.Errorf("peerwire: parsing piece: %w", err)
		}
		s.outstanding--
		result, verifiedOK, err := s.engine.OnBlock(index, begin, data)
		if err != nil {
			return fmt.Errorf("peerwire: storing block: %w", err)
		}
		if result == pieceengine.Accepted || result == pieceengine.Complete {
			s.lastBlockProgressAt = time.Now()
		}
		if result == pieceengine.Complete {
			s.engine.ReleasePiece(index, s.owner)
			s.haveActive = false
			if verifiedOK {
				s.piecesDelivered++
			}
		}
	case wire.Cancel:
		// No upload path to cancel against; ignored.
	}
	return nil
}

// fillPipeline issues new block requests up to maxPipelineDepth,
// claiming a new piece from the engine if the session has none active.
func (s *Session) fillPipeline() error {
	if s.peerChoking {
		return nil
	}

	if !s.haveActive {
		index, ok := s.engine.NextNeededPiece(s, s.owner)
		if !ok {
			// The peer has advertised none of the pieces still needed (or
			// sent no bitfield at all): fall back to any needed piece.
			index, ok = s.engine.NextNeededPiece(nil, s.owner)
		}
		if !ok {
			return nil
		}
		if err := s.engine.BeginPiece(index); err != nil {
			s.engine.ReleasePiece(index, s.owner)
			if errors.Is(err, pieceengine.ErrTooManyInProgress) {
				return nil
			}
			return fmt.Errorf("peerwire: beginning piece %d: %w", index, err)
		}
		s.activePiece = index
		s.haveActive = true
		s.outstanding = 0
		s.lastBlockProgressAt = time.Now()
	}

	want := maxPipelineDepth - s.outstanding
	if want <= 0 {
		return nil
	}
	reqs := s.engine.BlocksToRequest(s.activePiece, want, requestRetryAfter)
	for _, r := range reqs {
		msg := wire.NewRequestMessage(s.activePiece, r.Begin, r.Length)
		if err := wire.WriteMessage(s.conn, msg); err != nil {
			return fmt.Errorf("peerwire: sending request: %w", err)
		}
		s.outstanding++
	}
	return nil
}
