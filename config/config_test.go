package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nwagner/gotorrent/config"
	"github.com/nwagner/gotorrent/swarm"
)

func TestDefaultIsValidOnceTorrentPathIsSet(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, cfg.Validate(), "torrent path is unset")

	cfg.TorrentPath = "example.torrent"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyOutputDir(t *testing.T) {
	cfg := config.Default()
	cfg.TorrentPath = "example.torrent"
	cfg.OutputDir = ""

	assert.Error(t, cfg.Validate())
}

func TestDefaultCarriesSwarmDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, swarm.DefaultConfig(), cfg.Swarm)
	assert.NotZero(t, cfg.Swarm.MaxPeers)
	assert.NotZero(t, cfg.DialTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}
