// Package swarm owns the peer pool lifecycle: tracker refresh, adaptive
// target peer count, replenishment of dropped sessions, and stall
// detection/recovery (spec §4.6, §8).
package swarm

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nwagner/gotorrent/metainfo"
	"github.com/nwagner/gotorrent/metrics"
	"github.com/nwagner/gotorrent/peerwire"
	"github.com/nwagner/gotorrent/pieceengine"
	"github.com/nwagner/gotorrent/tracker"
)

// ErrNoTrackers is returned when a torrent declares neither an
// announce URL nor an announce-list, per spec.md §9's decision to fail
// rather than invent a default tracker.
var ErrNoTrackers = fmt.Errorf("swarm: torrent declares no trackers")

// ErrSwarmStalled is returned by Run once stall recovery has been
// attempted Config.MaxStallRounds times with no piece verifying in
// between, per spec §4.5/§7: "conclude the swarm is stuck and terminate."
var ErrSwarmStalled = fmt.Errorf("swarm: stalled, recovery rounds exhausted")

// Config tunes Swarm's pool sizing and timing.
type Config struct {
	MinPeers          int
	MaxPeers          int
	AnnounceInterval  time.Duration
	ReplenishInterval time.Duration
	StallTimeout      time.Duration
	SampleInterval    time.Duration
	// TargetPeerCountMax caps how high adaptTarget may raise the adaptive
	// peer pool target (spec §4.5's target_peer_count_max).
	TargetPeerCountMax int
	// AdaptInterval is how often the adaptive target is resampled
	// (spec §4.5: "every 30s").
	AdaptInterval time.Duration
	// MaxStallRounds is how many stall-recovery rounds (§4.5) are
	// attempted before Run gives up and returns ErrSwarmStalled.
	MaxStallRounds int
	// LocalAddr optionally pins outbound peer connections to a specific
	// local address ("ip:port" or "ip:0"); empty lets the OS choose
	// (spec.md §9 Open Question 1).
	LocalAddr string
}

// DefaultConfig matches the values spec §4.6 describes for a
// single-torrent download.
func DefaultConfig() Config {
	return Config{
		MinPeers:           4,
		MaxPeers:           30,
		AnnounceInterval:   30 * time.Minute,
		ReplenishInterval:  10 * time.Second,
		StallTimeout:       60 * time.Second,
		SampleInterval:     time.Second,
		TargetPeerCountMax: 30,
		AdaptInterval:      30 * time.Second,
		MaxStallRounds:     3,
	}
}

// Swarm coordinates every active PeerSession against one torrent's
// PieceEngine, replenishing the pool from tracker announces as sessions
// drop.
type Swarm struct {
	cfg      Config
	torrent  *metainfo.Torrent
	engine   *pieceengine.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
	peerID   [20]byte
	myPort   uint16

	mu              sync.Mutex
	sessions        map[string]*peerwire.Session
	candidates      map[string]struct{}
	lastProgress    time.Time
	target          int // adaptive peer pool target (spec §4.5), guarded by mu
	lastSampleCount int // pieces verified as of the last AdaptInterval sample
	stallRounds     int // consecutive stall-recovery rounds attempted with no progress
}

// New builds a Swarm ready to Run against torrent's tracker list.
func New(cfg Config, torrent *metainfo.Torrent, engine *pieceengine.Engine, m *metrics.Metrics, log *slog.Logger, myPort uint16) *Swarm {
	if log == nil {
		log = slog.Default()
	}
	return &Swarm{
		cfg:          cfg,
		torrent:      torrent,
		engine:       engine,
		metrics:      m,
		log:          log,
		peerID:       newPeerID(),
		myPort:       myPort,
		sessions:     make(map[string]*peerwire.Session),
		candidates:   make(map[string]struct{}),
		lastProgress: time.Now(),
		target:       cfg.MinPeers,
	}
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-GT0001-")
	rand.Read(id[8:])
	return id
}

// Run drives the swarm until the download completes or ctx is
// cancelled: an initial tracker announce and fill, then a select loop
// replenishing the pool, re-announcing on a timer, and recovering from
// stalls (spec §4.6's event-loop-plus-worker-goroutines shape, grounded
// on the teacher's downloader select loop). It returns an error at once
// when the initial announce fails on every tracker URL.
func (s *Swarm) Run(ctx context.Context) error {
	if len(s.torrent.AnnounceURLs()) == 0 {
		return ErrNoTrackers
	}

	if err := s.announceAndQueue(ctx, tracker.EventStarted); err != nil {
		return err
	}
	s.fillSessions(ctx)

	s.metrics.SampleEvery(s.cfg.SampleInterval, ctx.Done())

	announceTicker := time.NewTicker(s.cfg.AnnounceInterval)
	defer announceTicker.Stop()
	replenishTicker := time.NewTicker(s.cfg.ReplenishInterval)
	defer replenishTicker.Stop()
	stallTicker := time.NewTicker(s.cfg.StallTimeout / 2)
	defer stallTicker.Stop()
	adaptTicker := time.NewTicker(s.cfg.AdaptInterval)
	defer adaptTicker.Stop()

	lastVerified := s.engine.DownloadedCount()
	for {
		if s.engine.IsComplete() {
			s.announceAndQueue(ctx, tracker.EventCompleted)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-announceTicker.C:
			if err := s.announceAndQueue(ctx, tracker.EventNone); err != nil {
				s.log.Warn("periodic announce failed", "error", err)
			}
		case <-replenishTicker.C:
			s.fillSessions(ctx)
		case <-adaptTicker.C:
			s.adaptTarget()
		case <-stallTicker.C:
			if n := s.engine.DownloadedCount(); n != lastVerified {
				lastVerified = n
				s.mu.Lock()
				s.lastProgress = time.Now()
				s.stallRounds = 0
				s.mu.Unlock()
			}
			if err := s.checkStall(ctx); err != nil {
				return err
			}
		}
	}
}

// adaptTarget implements spec §4.5's adaptive target peer count: every
// AdaptInterval, measure pieces verified since the previous sample and
// grow or shrink the pool target accordingly.
func (s *Swarm) adaptTarget() {
	verified := s.engine.DownloadedCount()

	s.mu.Lock()
	defer s.mu.Unlock()
	delta := verified - s.lastSampleCount
	s.lastSampleCount = verified

	switch {
	case delta < 5:
		s.target += 5
		if s.target > s.cfg.TargetPeerCountMax {
			s.target = s.cfg.TargetPeerCountMax
		}
	case delta > 20 && s.target > 15:
		s.target -= 2
	}
	if s.target < s.cfg.MinPeers {
		s.target = s.cfg.MinPeers
	}
}

// announceAndQueue announces to every tracker URL the torrent lists
// and adds any new peer addresses to the candidate pool.
func (s *Swarm) announceAndQueue(ctx context.Context, event tracker.Event) error {
	req := tracker.Request{
		InfoHash: s.torrent.InfoHash,
		PeerID:   s.peerID,
		Port:     s.myPort,
		Left:     int64(s.torrent.TotalLength) - int64(s.engine.DownloadedCount())*int64(s.torrent.PieceLength),
		NumWant:  50,
		Event:    event,
	}

	var lastErr error
	gotAny := false
	for _, url := range s.torrent.AnnounceURLs() {
		resp, err := tracker.Announce(ctx, url, req)
		if err != nil {
			lastErr = err
			continue
		}
		gotAny = true
		s.mu.Lock()
		for _, p := range resp.Peers {
			addr := p.String()
			if _, exists := s.sessions[addr]; exists {
				continue
			}
			s.candidates[addr] = struct{}{}
		}
		s.mu.Unlock()
	}
	if !gotAny {
		return fmt.Errorf("swarm: every tracker announce failed: %w", lastErr)
	}
	return nil
}

// targetPeerCountLocked returns the current adaptive pool target set by
// adaptTarget, clamped to [MinPeers, MaxPeers]. Callers must hold s.mu.
func (s *Swarm) targetPeerCountLocked() int {
	target := s.target
	if target < s.cfg.MinPeers {
		target = s.cfg.MinPeers
	}
	if target > s.cfg.MaxPeers {
		target = s.cfg.MaxPeers
	}
	return target
}

// fillSessions dials new candidates until the pool reaches the current
// adaptive target, dropping any that fail to handshake. If the pool
// already exceeds the target (e.g. it shrank as the download neared
// completion), it trims the lowest-delivering sessions instead.
func (s *Swarm) fillSessions(ctx context.Context) {
	s.mu.Lock()
	target := s.targetPeerCountLocked()
	need := target - len(s.sessions)

	var toDial []string
	for addr := range s.candidates {
		if need <= 0 {
			break
		}
		toDial = append(toDial, addr)
		delete(s.candidates, addr)
		need--
	}

	var toTrim []*peerwire.Session
	if excess := len(s.sessions) - target; excess > 0 {
		toTrim = s.lowestDeliveringLocked(excess)
	}
	s.mu.Unlock()

	for _, addr := range toDial {
		addr := addr
		go s.dialAndRun(ctx, addr)
	}
	for _, sess := range toTrim {
		s.log.Debug("trimming low-throughput session", "delivered", sess.PiecesDelivered())
		sess.Close()
	}
}

// lowestDeliveringLocked returns the n sessions with the fewest
// verified pieces delivered so far, favoring keeping faster peers alive
// when the pool must shrink (must be called with s.mu held).
func (s *Swarm) lowestDeliveringLocked(n int) []*peerwire.Session {
	type ranked struct {
		addr    string
		session *peerwire.Session
	}
	all := make([]ranked, 0, len(s.sessions))
	for addr, sess := range s.sessions {
		all = append(all, ranked{addr: addr, session: sess})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].session.PiecesDelivered() < all[j].session.PiecesDelivered()
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]*peerwire.Session, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].session
	}
	return out
}

func (s *Swarm) dialAndRun(ctx context.Context, addr string) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	session, err := peerwire.Dial(dialCtx, addr, s.torrent.InfoHash, s.peerID, s.engine.NumPieces(), s.engine, s.metrics, s.log, s.cfg.LocalAddr)
	cancel()
	if err != nil {
		s.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	s.mu.Lock()
	s.sessions[addr] = session
	s.metrics.SetActivePeers(len(s.sessions))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, addr)
		s.metrics.SetActivePeers(len(s.sessions))
		s.mu.Unlock()
	}()

	before := s.engine.DownloadedCount()
	if err := session.Run(ctx); err != nil {
		s.log.Debug("session ended", "addr", addr, "error", err)
	}
	if s.engine.DownloadedCount() > before {
		s.mu.Lock()
		s.lastProgress = time.Now()
		s.stallRounds = 0
		s.mu.Unlock()
	}
}

// checkStall drops every session and re-announces if no piece has
// verified within StallTimeout, so fillSessions can rebuild the pool
// from scratch against possibly different peers. After
// Config.MaxStallRounds such recovery rounds with no intervening
// progress, it gives up and reports ErrSwarmStalled (spec §4.5/§7).
func (s *Swarm) checkStall(ctx context.Context) error {
	s.mu.Lock()
	stalled := time.Since(s.lastProgress) > s.cfg.StallTimeout
	var toDrop []*peerwire.Session
	var rounds int
	if stalled {
		for _, sess := range s.sessions {
			toDrop = append(toDrop, sess)
		}
		s.lastProgress = time.Now()
		s.stallRounds++
		rounds = s.stallRounds
	}
	s.mu.Unlock()

	if !stalled {
		return nil
	}
	if rounds > s.cfg.MaxStallRounds {
		s.log.Error("swarm stalled, recovery rounds exhausted", "rounds", rounds)
		return ErrSwarmStalled
	}

	s.log.Warn("swarm stalled, dropping all sessions", "count", len(toDrop), "round", rounds)
	for _, sess := range toDrop {
		sess.Close()
	}
	if err := s.announceAndQueue(ctx, tracker.EventNone); err != nil {
		s.log.Warn("stall-recovery announce failed", "error", err)
	}
	s.fillSessions(ctx)
	return nil
}

// ActivePeers returns the current session count.
func (s *Swarm) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
