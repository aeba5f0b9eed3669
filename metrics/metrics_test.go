package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nwagner/gotorrent/metrics"
)

func TestCountersAccumulate(t *testing.T) {
	m := metrics.New()
	m.AddBytesDownloaded(100)
	m.AddBytesDownloaded(50)
	m.IncPiecesVerified()
	m.IncPiecesVerified()
	m.IncPiecesFailed()
	m.SetActivePeers(4)

	snap := m.Snapshot()
	assert.EqualValues(t, 150, snap.BytesDownloaded)
	assert.EqualValues(t, 2, snap.PiecesVerified)
	assert.EqualValues(t, 1, snap.PiecesFailed)
	assert.EqualValues(t, 4, snap.ActivePeers)
}

func TestRollingRate(t *testing.T) {
	m := metrics.New()

	m.AddBytesDownloaded(100)
	m.Sample() // delta 100

	m.AddBytesDownloaded(200)
	m.Sample() // delta 200

	snap := m.Snapshot()
	assert.Equal(t, float64(200), snap.CurrentRate)
	assert.Equal(t, float64(150), snap.AverageRate)
}

func TestRollingRateWindowCapsAtTenSamples(t *testing.T) {
	m := metrics.New()
	for i := 0; i < 15; i++ {
		m.AddBytesDownloaded(10)
		m.Sample()
	}
	snap := m.Snapshot()
	assert.Equal(t, float64(10), snap.CurrentRate)
	assert.Equal(t, float64(10), snap.AverageRate)
}
