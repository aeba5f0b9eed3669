// Package config collects the explicit knobs a download run needs,
// lifted out of the teacher's constructor-argument list and CLI flags
// into one struct so every layer (swarm, peerwire, cmd) shares the same
// source of truth.
package config

import (
	"fmt"
	"time"

	"github.com/nwagner/gotorrent/swarm"
)

// Config is every setting a single-torrent download run needs.
type Config struct {
	// TorrentPath is the .torrent file to read.
	TorrentPath string
	// OutputDir is where downloaded files are written, mirroring the
	// torrent's own file layout underneath it.
	OutputDir string
	// ListenPort is advertised to trackers as the port peers can reach
	// us on. 0 means we don't accept inbound connections (leech-only).
	ListenPort uint16
	// DialTimeout is carried in the configuration but nothing in this
	// module reads it; Swarm bounds each peer dial and handshake with its
	// own fixed 10-second timeout.
	DialTimeout time.Duration
	// LogLevel controls the structured logger's verbosity.
	LogLevel string
	// LogPath is where JSON logs are written; empty means stderr.
	LogPath string

	Swarm swarm.Config
}

// Default returns sane defaults matching spec §4's suggested constants.
func Default() Config {
	return Config{
		OutputDir:   ".",
		ListenPort:  0,
		DialTimeout: 10 * time.Second,
		LogLevel:    "info",
		Swarm:       swarm.DefaultConfig(),
	}
}

// Validate checks the fields main.go can't recover from at runtime.
func (c Config) Validate() error {
	if c.TorrentPath == "" {
		return fmt.Errorf("config: torrent path must be set")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output dir must be set")
	}
	return nil
}
