// Package pieceengine owns piece and block accounting: which blocks have
// been received, when a piece is complete, whether its bytes hash-verify,
// and which piece a peer session should request next (spec §4.3).
package pieceengine

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nwagner/gotorrent/internal/randutil"
	"github.com/nwagner/gotorrent/metainfo"
	"github.com/nwagner/gotorrent/metrics"
)

// BlockSize is the fixed block size mandated by the wire protocol's
// practical limits; the last block of a piece may be shorter.
const BlockSize = 16 * 1024

// defaultMaxInProgress is the soft cap on simultaneously InProgress
// pieces before stale sweeping and, if that's not enough, ErrTooManyInProgress.
const defaultMaxInProgress = 50

// defaultStaleAfter is how long a piece may sit InProgress with no block
// activity before it's swept back to Missing.
const defaultStaleAfter = 2 * time.Minute

// ErrTooManyInProgress is returned by BeginPiece when the soft cap on
// simultaneously in-progress pieces is exceeded even after sweeping stale
// pieces.
var ErrTooManyInProgress = errors.New("pieceengine: too many pieces in progress")

// State is a piece's lifecycle stage (spec §3 invariant 1).
type State int

const (
	Missing State = iota
	InProgress
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "Missing"
	case InProgress:
		return "InProgress"
	case Verified:
		return "Verified"
	default:
		return "Unknown"
	}
}

// Block is one 16 KiB (or shorter, for the last block of a piece)
// request/transfer unit.
type Block struct {
	Begin           int
	Length          int
	Received        bool
	LastRequestedAt time.Time
	Buffer          []byte
}

type pieceSlot struct {
	index          int
	expectedHash   [20]byte
	expectedSize   int
	state          State
	blocks         []Block
	receivedCount  int
	lastActivityAt time.Time
	owner          string // non-empty while a session actively drives this piece
}

// BlockRequest is one block a session should ask its peer for.
type BlockRequest struct {
	Begin  int
	Length int
}

// OnBlockResult is the outcome of delivering a block to the engine.
type OnBlockResult int

const (
	// Accepted means the block was new and stored; the piece is not yet complete.
	Accepted OnBlockResult = iota
	// Duplicate means the block had already been received; no state changed.
	Duplicate
	// Complete means this was the piece's last outstanding block, so it
	// was assembled and hash-checked. VerifiedOK on the accompanying
	// return value reports whether the hash matched.
	Complete
	// Ignored means index/begin/length did not correspond to any
	// outstanding block (e.g. the piece is already Verified).
	Ignored
)

// Writer is the FileMapper boundary PieceEngine writes verified piece
// bytes through. PieceEngine never references FileMapper directly to
// avoid cyclic ownership (spec §9).
type Writer interface {
	Write(pieceIndex, offsetInPiece int, data []byte) error
}

// PeerPieces reports which piece indices a peer has announced. Callers
// pass nil when no peer-specific preference applies.
type PeerPieces interface {
	HasPiece(index int) bool
}

// Engine is the single shared owner of piece/block state. All mutators
// are serialized under one lock so that multiple peer sessions may call
// it concurrently (spec §4.3, §5).
type Engine struct {
	mu sync.Mutex

	pieces          []pieceSlot
	pieceLength     int
	totalLength     int
	maxInProgress   int
	staleAfter      time.Duration
	downloadedCount int

	writer  Writer
	metrics *metrics.Metrics
	log     *slog.Logger
	rng     *randutil.Source
}

// New builds an Engine for torrent, writing verified pieces through
// writer and recording counters into m.
func New(torrent *metainfo.Torrent, writer Writer, m *metrics.Metrics, log *slog.Logger, seed int64) *Engine {
	pieces := make([]pieceSlot, len(torrent.PieceHashes))
	for i := range pieces {
		pieces[i] = pieceSlot{
			index:        i,
			expectedHash: torrent.PieceHashes[i],
			expectedSize: torrent.PieceSize(i),
			state:        Missing,
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		pieces:        pieces,
		pieceLength:   torrent.PieceLength,
		totalLength:   torrent.TotalLength,
		maxInProgress: defaultMaxInProgress,
		staleAfter:    defaultStaleAfter,
		writer:        writer,
		metrics:       m,
		log:           log,
		rng:           randutil.New(seed),
	}
}

// NextNeededPiece selects and claims a piece for owner in a single
// locked operation, so two sessions never adopt the same piece
// concurrently (spec §3 invariant 5). peerPieces may be nil to mean "no
// preference, any needed piece is fine".
//
// Selection policy (spec §4.3):
//  1. Prefer unowned Missing pieces (uninitiated), restricted to
//     peerPieces if given; choose uniformly at random among the eligible
//     set.
//  2. Otherwise fall back to an unowned InProgress piece with the fewest
//     received blocks.
//  3. Return false when every piece is Verified, or when no piece is
//     eligible (the remaining ones are owned by other sessions or absent
//     from peerPieces).
func (e *Engine) NextNeededPiece(peerPieces PeerPieces, owner string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var missingEligible []int
	for i := range e.pieces {
		if e.pieces[i].state != Missing || e.pieces[i].owner != "" {
			continue
		}
		if peerPieces != nil && !peerPieces.HasPiece(i) {
			continue
		}
		missingEligible = append(missingEligible, i)
	}
	if len(missingEligible) > 0 {
		idx := missingEligible[e.rng.IntN(len(missingEligible))]
		e.pieces[idx].owner = owner
		return idx, true
	}

	best := -1
	bestReceived := -1
	for i := range e.pieces {
		p := &e.pieces[i]
		if p.state != InProgress || p.owner != "" {
			continue
		}
		if peerPieces != nil && !peerPieces.HasPiece(i) {
			continue
		}
		if best == -1 || p.receivedCount < bestReceived {
			best = i
			bestReceived = p.receivedCount
		}
	}
	if best != -1 {
		e.pieces[best].owner = owner
		return best, true
	}

	if e.isCompleteLocked() {
		return 0, false
	}
	// Nothing eligible for this peer right now (e.g. every remaining
	// piece is owned by another session, or the peer lacks them all).
	return 0, false
}

// ReleasePiece clears owner's claim on index, e.g. on disconnect or once
// the piece completes, so another session may adopt it (spec §3
// invariant 5).
func (e *Engine) ReleasePiece(index int, owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.pieces) {
		return
	}
	if e.pieces[index].owner == owner {
		e.pieces[index].owner = ""
	}
}

// BeginPiece transitions index from Missing to InProgress, allocating
// its block table. It sweeps stale InProgress pieces back to Missing
// before failing with ErrTooManyInProgress.
func (e *Engine) BeginPiece(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.pieces) {
		return fmt.Errorf("pieceengine: index %d out of range", index)
	}
	p := &e.pieces[index]
	if p.state != Missing {
		return nil
	}

	if e.countInProgressLocked() >= e.maxInProgress {
		e.sweepStaleLocked()
	}
	if e.countInProgressLocked() >= e.maxInProgress {
		return ErrTooManyInProgress
	}

	p.state = InProgress
	p.blocks = makeBlocks(p.expectedSize)
	p.receivedCount = 0
	p.lastActivityAt = time.Now()
	return nil
}

func (e *Engine) countInProgressLocked() int {
	n := 0
	for i := range e.pieces {
		if e.pieces[i].state == InProgress {
			n++
		}
	}
	return n
}

func (e *Engine) sweepStaleLocked() {
	cutoff := time.Now().Add(-e.staleAfter)
	for i := range e.pieces {
		p := &e.pieces[i]
		if p.state == InProgress && p.lastActivityAt.Before(cutoff) {
			e.log.Warn("sweeping stale piece", "index", p.index, "last_activity", p.lastActivityAt)
			resetPiece(p)
		}
	}
}

func makeBlocks(pieceSize int) []Block {
	n := (pieceSize + BlockSize - 1) / BlockSize
	blocks := make([]Block, n)
	for i := range blocks {
		begin := i * BlockSize
		length := BlockSize
		if begin+length > pieceSize {
			length = pieceSize - begin
		}
		blocks[i] = Block{Begin: begin, Length: length, Buffer: make([]byte, length)}
	}
	return blocks
}

// BlocksToRequest returns up to max blocks of index whose buffers are
// not yet received and whose last request is unset or older than
// staleAfter, stamping each with the current time.
func (e *Engine) BlocksToRequest(index int, max int, staleAfter time.Duration) []BlockRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.pieces) {
		return nil
	}
	p := &e.pieces[index]
	if p.state != InProgress {
		return nil
	}

	now := time.Now()
	var out []BlockRequest
	for i := range p.blocks {
		if len(out) >= max {
			break
		}
		b := &p.blocks[i]
		if b.Received {
			continue
		}
		if !b.LastRequestedAt.IsZero() && now.Sub(b.LastRequestedAt) < staleAfter {
			continue
		}
		b.LastRequestedAt = now
		out = append(out, BlockRequest{Begin: b.Begin, Length: b.Length})
	}
	return out
}

// OnBlock delivers block data received for (index, begin). When it
// completes a piece, it assembles and SHA-1 verifies the bytes and
// writes them through Writer on success, matching/mismatching the
// expected hash as described in spec §4.3.
func (e *Engine) OnBlock(index, begin int, data []byte) (result OnBlockResult, verifiedOK bool, err error) {
	e.mu.Lock()

	if index < 0 || index >= len(e.pieces) {
		e.mu.Unlock()
		return Ignored, false, nil
	}
	p := &e.pieces[index]
	if p.state == Verified {
		e.mu.Unlock()
		return Ignored, false, nil
	}
	if p.state != InProgress {
		e.mu.Unlock()
		return Ignored, false, nil
	}

	bi := -1
	for i := range p.blocks {
		if p.blocks[i].Begin == begin && p.blocks[i].Length == len(data) {
			bi = i
			break
		}
	}
	if bi == -1 {
		e.mu.Unlock()
		return Ignored, false, nil
	}
	b := &p.blocks[bi]
	if b.Received {
		e.mu.Unlock()
		return Duplicate, false, nil
	}

	copy(b.Buffer, data)
	b.Received = true
	p.receivedCount++
	p.lastActivityAt = time.Now()

	if e.metrics != nil {
		e.metrics.AddBytesDownloaded(len(data))
	}

	if p.receivedCount < len(p.blocks) {
		e.mu.Unlock()
		return Accepted, false, nil
	}

	// Every block is in: assemble, hash, and either verify or reset.
	assembled := assemble(p)
	hash := sha1.Sum(assembled)
	ok := bytes.Equal(hash[:], p.expectedHash[:])

	if ok {
		p.state = Verified
		p.owner = ""
		e.downloadedCount++
		freeBuffers(p)
		writer := e.writer
		pieceIndex := p.index
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.IncPiecesDownloaded()
			e.metrics.IncPiecesVerified()
		}
		if werr := writer.Write(pieceIndex, 0, assembled); werr != nil {
			return Complete, false, fmt.Errorf("pieceengine: writing piece %d: %w", pieceIndex, werr)
		}
		return Complete, true, nil
	}

	resetPiece(p)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.IncPiecesDownloaded()
		e.metrics.IncPiecesFailed()
	}
	return Complete, false, nil
}

func assemble(p *pieceSlot) []byte {
	buf := make([]byte, 0, p.expectedSize)
	for i := range p.blocks {
		buf = append(buf, p.blocks[i].Buffer...)
	}
	return buf
}

func freeBuffers(p *pieceSlot) {
	for i := range p.blocks {
		p.blocks[i].Buffer = nil
	}
}

func resetPiece(p *pieceSlot) {
	p.state = Missing
	p.receivedCount = 0
	p.owner = ""
	p.blocks = nil
}

// IsComplete reports whether every piece has verified.
func (e *Engine) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isCompleteLocked()
}

func (e *Engine) isCompleteLocked() bool {
	for i := range e.pieces {
		if e.pieces[i].state != Verified {
			return false
		}
	}
	return true
}

// DownloadedCount returns the number of pieces currently Verified.
func (e *Engine) DownloadedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downloadedCount
}

// PieceState returns the current state of index, for tests and
// diagnostics.
func (e *Engine) PieceState(index int) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.pieces) {
		return Missing
	}
	return e.pieces[index].state
}

// NumPieces returns the total number of pieces tracked.
func (e *Engine) NumPieces() int {
	return len(e.pieces)
}
