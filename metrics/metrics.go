// Package metrics holds the thread-safe counters and rolling throughput
// estimator shared by Swarm and PieceEngine (spec §4.6).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is safe for concurrent use. Counter increments are wait-free
// (sync/atomic); rate reads and samples take a short lock.
type Metrics struct {
	bytesDownloaded       atomic.Int64
	piecesDownloaded      atomic.Int64
	piecesVerified        atomic.Int64
	piecesFailed          atomic.Int64
	activePeers           atomic.Int64
	connectionAttempts    atomic.Int64
	successfulConnections atomic.Int64
	failedConnections     atomic.Int64

	rateMu      sync.Mutex
	samples     [rateWindow]int64
	sampleAt    int
	lastSampled int64 // bytesDownloaded value at the last Sample() call
}

const rateWindow = 10

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// AddBytesDownloaded adds n to the running byte total.
func (m *Metrics) AddBytesDownloaded(n int) { m.bytesDownloaded.Add(int64(n)) }

// IncPiecesDownloaded records a piece finishing block assembly (whether
// or not it passes hash verification).
func (m *Metrics) IncPiecesDownloaded() { m.piecesDownloaded.Add(1) }

// IncPiecesVerified records a piece passing SHA-1 verification.
func (m *Metrics) IncPiecesVerified() { m.piecesVerified.Add(1) }

// IncPiecesFailed records a piece failing SHA-1 verification.
func (m *Metrics) IncPiecesFailed() { m.piecesFailed.Add(1) }

// SetActivePeers overwrites the active peer gauge.
func (m *Metrics) SetActivePeers(n int) { m.activePeers.Store(int64(n)) }

// IncConnectionAttempts records a dial attempt.
func (m *Metrics) IncConnectionAttempts() { m.connectionAttempts.Add(1) }

// IncSuccessfulConnections records a completed handshake.
func (m *Metrics) IncSuccessfulConnections() { m.successfulConnections.Add(1) }

// IncFailedConnections records a dial or handshake failure.
func (m *Metrics) IncFailedConnections() { m.failedConnections.Add(1) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	BytesDownloaded       int64
	PiecesDownloaded      int64
	PiecesVerified        int64
	PiecesFailed          int64
	ActivePeers           int64
	ConnectionAttempts    int64
	SuccessfulConnections int64
	FailedConnections     int64
	CurrentRate           float64
	AverageRate           float64
}

// Snapshot reads every counter plus the current and average download
// rate (see Sample).
func (m *Metrics) Snapshot() Snapshot {
	cur, avg := m.rates()
	return Snapshot{
		BytesDownloaded:       m.bytesDownloaded.Load(),
		PiecesDownloaded:      m.piecesDownloaded.Load(),
		PiecesVerified:        m.piecesVerified.Load(),
		PiecesFailed:          m.piecesFailed.Load(),
		ActivePeers:           m.activePeers.Load(),
		ConnectionAttempts:    m.connectionAttempts.Load(),
		SuccessfulConnections: m.successfulConnections.Load(),
		FailedConnections:     m.failedConnections.Load(),
		CurrentRate:           cur,
		AverageRate:           avg,
	}
}

// Sample records one per-second delta of bytesDownloaded into the
// rolling window. Callers (normally a ticker-driven goroutine owned by
// Swarm) should call this roughly once per second.
func (m *Metrics) Sample() {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	total := m.bytesDownloaded.Load()
	delta := total - m.lastSampled
	m.lastSampled = total

	m.samples[m.sampleAt%rateWindow] = delta
	m.sampleAt++
}

func (m *Metrics) rates() (current, average float64) {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	n := m.sampleAt
	if n == 0 {
		return 0, 0
	}
	if n > rateWindow {
		n = rateWindow
	}

	last := m.samples[(m.sampleAt-1+rateWindow)%rateWindow]
	var sum int64
	for i := 0; i < n; i++ {
		sum += m.samples[(m.sampleAt-1-i+rateWindow)%rateWindow]
	}
	return float64(last), float64(sum) / float64(n)
}

// SampleEvery starts a goroutine calling Sample once per interval until
// stop is closed.
func (m *Metrics) SampleEvery(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}
