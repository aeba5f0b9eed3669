package swarm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwagner/gotorrent/metainfo"
	"github.com/nwagner/gotorrent/metrics"
	"github.com/nwagner/gotorrent/pieceengine"
	"github.com/nwagner/gotorrent/swarm"
)

type discardWriter struct{}

func (discardWriter) Write(pieceIndex, offsetInPiece int, data []byte) error { return nil }

func torrentWithPieces(n int) *metainfo.Torrent {
	hashes := make([][20]byte, n)
	return &metainfo.Torrent{
		PieceLength: pieceengine.BlockSize,
		PieceHashes: hashes,
		TotalLength: n * pieceengine.BlockSize,
	}
}

func TestRunReturnsOnCancelAfterHTTPAnnounce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerBlob := string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) // 127.0.0.1:6881
		_ = bencode.Marshal(w, map[string]interface{}{
			"interval": 1800,
			"peers":    peerBlob,
		})
	}))
	defer srv.Close()

	torrent := torrentWithPieces(4)
	torrent.Announce = srv.URL

	eng := pieceengine.New(torrent, discardWriter{}, metrics.New(), nil, 1)
	s := swarm.New(swarm.DefaultConfig(), torrent, eng, metrics.New(), nil, 6881)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Let the initial announce and a dial attempt against the bogus
	// peer address run, then cancel: Run must return promptly rather
	// than block forever on dials or tracker timers.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("swarm.Run did not respect context cancellation")
	}

	assert.GreaterOrEqual(t, s.ActivePeers(), 0)
}

func TestDefaultConfigIsSane(t *testing.T) {
	cfg := swarm.DefaultConfig()
	require.Greater(t, cfg.MaxPeers, cfg.MinPeers)
	require.Greater(t, cfg.AnnounceInterval, time.Duration(0))
}
