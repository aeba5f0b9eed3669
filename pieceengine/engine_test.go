package pieceengine_test

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwagner/gotorrent/metainfo"
	"github.com/nwagner/gotorrent/metrics"
	"github.com/nwagner/gotorrent/pieceengine"
)

type fakeWriter struct {
	writes map[int][]byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{writes: make(map[int][]byte)} }

func (f *fakeWriter) Write(pieceIndex, offsetInPiece int, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes[pieceIndex] = buf
	return nil
}

func buildTorrent(pieceLength int, content []byte) *metainfo.Torrent {
	var hashes [][20]byte
	for off := 0; off < len(content); off += pieceLength {
		end := off + pieceLength
		if end > len(content) {
			end = len(content)
		}
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}
	return &metainfo.Torrent{
		PieceLength: pieceLength,
		PieceHashes: hashes,
		TotalLength: len(content),
	}
}

func TestBeginPieceThenCompleteVerifies(t *testing.T) {
	content := make([]byte, pieceengine.BlockSize*2)
	for i := range content {
		content[i] = byte(i)
	}
	torrent := buildTorrent(len(content), content)
	writer := newFakeWriter()
	eng := pieceengine.New(torrent, writer, metrics.New(), nil, 1)

	idx, ok := eng.NextNeededPiece(nil, "peerA")
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	require.NoError(t, eng.BeginPiece(idx))
	assert.Equal(t, pieceengine.InProgress, eng.PieceState(idx))

	reqs := eng.BlocksToRequest(idx, 10, time.Minute)
	require.Len(t, reqs, 2)

	for _, r := range reqs {
		result, verified, err := eng.OnBlock(idx, r.Begin, content[r.Begin:r.Begin+r.Length])
		require.NoError(t, err)
		if r.Begin+r.Length == len(content) {
			assert.Equal(t, pieceengine.Complete, result)
			assert.True(t, verified)
		} else {
			assert.Equal(t, pieceengine.Accepted, result)
		}
	}

	assert.Equal(t, pieceengine.Verified, eng.PieceState(idx))
	assert.True(t, eng.IsComplete())
	assert.Equal(t, 1, eng.DownloadedCount())
	assert.Equal(t, content, writer.writes[0])
}

func TestOnBlockHashMismatchResetsToMissing(t *testing.T) {
	content := make([]byte, pieceengine.BlockSize)
	torrent := buildTorrent(len(content), content)
	eng := pieceengine.New(torrent, newFakeWriter(), metrics.New(), nil, 1)

	idx, ok := eng.NextNeededPiece(nil, "peerA")
	require.True(t, ok)
	require.NoError(t, eng.BeginPiece(idx))

	reqs := eng.BlocksToRequest(idx, 10, time.Minute)
	require.Len(t, reqs, 1)

	garbage := make([]byte, len(content))
	for i := range garbage {
		garbage[i] = 0xFF
	}
	result, verified, err := eng.OnBlock(idx, reqs[0].Begin, garbage)
	require.NoError(t, err)
	assert.Equal(t, pieceengine.Complete, result)
	assert.False(t, verified)
	assert.Equal(t, pieceengine.Missing, eng.PieceState(idx))
}

func TestOnBlockRepeatedBlockReturnsDuplicate(t *testing.T) {
	content := make([]byte, pieceengine.BlockSize*2)
	torrent := buildTorrent(len(content), content)
	eng := pieceengine.New(torrent, newFakeWriter(), metrics.New(), nil, 1)

	idx, _ := eng.NextNeededPiece(nil, "peerA")
	require.NoError(t, eng.BeginPiece(idx))
	reqs := eng.BlocksToRequest(idx, 10, time.Minute)
	require.Len(t, reqs, 2)

	result, _, err := eng.OnBlock(idx, reqs[0].Begin, content[reqs[0].Begin:reqs[0].Begin+reqs[0].Length])
	require.NoError(t, err)
	assert.Equal(t, pieceengine.Accepted, result)

	result, _, err = eng.OnBlock(idx, reqs[0].Begin, content[reqs[0].Begin:reqs[0].Begin+reqs[0].Length])
	require.NoError(t, err)
	assert.Equal(t, pieceengine.Duplicate, result)
}

func TestNextNeededPieceExcludesOwnedInProgressPiece(t *testing.T) {
	content := make([]byte, pieceengine.BlockSize*2*2)
	torrent := buildTorrent(pieceengine.BlockSize*2, content)
	eng := pieceengine.New(torrent, newFakeWriter(), metrics.New(), nil, 1)

	// Claim every Missing piece first so the fallback path is exercised.
	idxA, ok := eng.NextNeededPiece(nil, "peerA")
	require.True(t, ok)
	require.NoError(t, eng.BeginPiece(idxA))

	idxB, ok := eng.NextNeededPiece(nil, "peerB")
	require.True(t, ok)
	require.NoError(t, eng.BeginPiece(idxB))
	assert.NotEqual(t, idxA, idxB)

	// No Missing pieces remain and both InProgress pieces are owned:
	// a third peer must not be handed either one.
	_, ok = eng.NextNeededPiece(nil, "peerC")
	assert.False(t, ok)

	eng.ReleasePiece(idxA, "peerA")
	idx, ok := eng.NextNeededPiece(nil, "peerC")
	require.True(t, ok)
	assert.Equal(t, idxA, idx)
}

func TestBeginPieceTooManyInProgress(t *testing.T) {
	n := 60
	content := make([]byte, pieceengine.BlockSize*n)
	torrent := buildTorrent(pieceengine.BlockSize, content)
	eng := pieceengine.New(torrent, newFakeWriter(), metrics.New(), nil, 1)

	for i := 0; i < 50; i++ {
		idx, ok := eng.NextNeededPiece(nil, "peer")
		require.True(t, ok)
		require.NoError(t, eng.BeginPiece(idx))
		eng.ReleasePiece(idx, "peer")
	}

	idx, ok := eng.NextNeededPiece(nil, "peer")
	require.True(t, ok)
	err := eng.BeginPiece(idx)
	assert.ErrorIs(t, err, pieceengine.ErrTooManyInProgress)
}
