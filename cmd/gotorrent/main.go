package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/nwagner/gotorrent/config"
	"github.com/nwagner/gotorrent/filemapper"
	"github.com/nwagner/gotorrent/metainfo"
	"github.com/nwagner/gotorrent/metrics"
	"github.com/nwagner/gotorrent/pieceengine"
	"github.com/nwagner/gotorrent/swarm"
)

func main() {
	cfg := config.Default()
	var port int
	flag.StringVar(&cfg.TorrentPath, "torrent", "", "path to the .torrent file to download")
	flag.StringVar(&cfg.OutputDir, "output", ".", "directory to write the downloaded files into")
	flag.IntVar(&port, "port", 0, "TCP port to advertise to trackers (0: leech-only, no inbound listener)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogPath, "logfile", "log.txt", "file to write structured logs to")
	flag.StringVar(&cfg.Swarm.LocalAddr, "bind", "", "local address to dial peers from, e.g. 0.0.0.0:0 (empty: let the OS choose)")
	flag.Parse()
	cfg.ListenPort = uint16(port)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	logOut := os.Stderr
	if cfg.LogPath != "" {
		f, err := os.Create(cfg.LogPath)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	if err := run(cfg, logger); err != nil {
		logger.Error("download failed", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, "download failed:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	f, err := os.Open(cfg.TorrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent file: %w", err)
	}
	defer f.Close()

	torrent, err := metainfo.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing torrent: %w", err)
	}

	writer, err := filemapper.Open(cfg.OutputDir, torrent)
	if err != nil {
		return fmt.Errorf("preparing output files: %w", err)
	}
	defer writer.Close()

	m := metrics.New()
	engine := pieceengine.New(torrent, writer, m, logger, time.Now().UnixNano())
	sw := swarm.New(cfg.Swarm, torrent, engine, m, logger, cfg.ListenPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, stopping download")
		cancel()
	}()

	bar := progressbar.NewOptions(engine.NumPieces(),
		progressbar.OptionSetDescription(torrent.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pieces"),
	)
	stopProgress := make(chan struct{})
	go reportProgress(engine, bar, stopProgress)
	defer close(stopProgress)

	runErr := sw.Run(ctx)
	bar.Finish()

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("swarm run: %w", runErr)
	}
	if !engine.IsComplete() {
		return fmt.Errorf("download interrupted with %d/%d pieces verified", engine.DownloadedCount(), engine.NumPieces())
	}

	snap := m.Snapshot()
	logger.Info("download complete",
		slog.String("torrent", torrent.Name),
		slog.Int64("bytes_downloaded", snap.BytesDownloaded),
		slog.Int64("pieces_verified", snap.PiecesVerified),
		slog.Int64("pieces_failed", snap.PiecesFailed),
	)
	return nil
}

func reportProgress(engine *pieceengine.Engine, bar *progressbar.ProgressBar, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := engine.DownloadedCount()
			if cur > last {
				bar.Add(cur - last)
				last = cur
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
