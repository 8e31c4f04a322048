package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/client"
	"github.com/Charana123/boost-torrent/go-torrent/download"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	humanize "github.com/dustin/go-humanize"
	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
)

const REFRESH_INTERVAL = time.Second

func main() {
	cfg := download.DefaultConfig()
	torrentPath := flag.String("torrent", "", "path of the .torrent file")
	outputDir := flag.String("out", ".", "directory the torrent is saved to")
	statusAddr := flag.String("status", "", "address of the status API, disabled if empty")
	verbose := flag.Bool("v", false, "verbose logging")
	noProgress := flag.Bool("no-progress", false, "hide the progress bar")
	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "port for incoming peer connections")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum number of connected peers")
	flag.IntVar(&cfg.UploadRateLimit, "upload-limit", 0, "upload limit in bytes per second, 0 for none")
	flag.Parse()

	if *torrentPath == "" && flag.NArg() > 0 {
		*torrentPath = flag.Arg(0)
	}
	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: boost-torrent [flags] <file.torrent>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(*torrentPath, *outputDir, *statusAddr, !*noProgress && !*verbose, cfg); err != nil {
		logrus.WithError(err).Error("download failed")
		os.Exit(1)
	}
}

func run(torrentPath, outputDir, statusAddr string, showProgress bool, cfg download.Config) error {
	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	tor, err := torrent.NewTorrent(f)
	f.Close()
	if err != nil {
		return err
	}
	peerID, err := torrent.GeneratePeerID()
	if err != nil {
		return err
	}

	d := download.NewDownload(tor, peerID, outputDir, cfg)
	if err := d.Start(); err != nil {
		return err
	}

	if statusAddr != "" {
		sv := client.NewStatusServer(statusAddr, d)
		if err := sv.Start(); err != nil {
			d.Stop()
			return err
		}
		defer sv.Stop()
	}

	if showProgress {
		stop := showDownloadProgress(d, tor.NumPieces)
		defer stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	done := make(chan error, 1)
	go func() {
		done <- d.Wait()
	}()

	completed := d.Completed()
	for {
		select {
		case <-completed:
			completed = nil
			logrus.WithField("name", tor.Name).Warn("download complete")
			d.Stop()
		case <-sig:
			d.Stop()
		case err := <-done:
			return err
		}
	}
}

func showDownloadProgress(d download.Download, numPieces int) func() {
	uiprogress.Start()
	bar := uiprogress.AddBar(numPieces)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		p := d.Progress()
		return fmt.Sprintf("pieces: %d/%d peers: %d", p.PiecesDone, p.NumPieces, p.Peers)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		p := d.Progress()
		return fmt.Sprintf("down: %s/s up: %s/s",
			humanize.Bytes(uint64(p.DownloadRate)), humanize.Bytes(uint64(p.UploadRate)))
	})
	bar.AppendElapsed()

	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(REFRESH_INTERVAL)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				bar.Set(d.Progress().PiecesDone)
				return
			case <-ticker.C:
				bar.Set(d.Progress().PiecesDone)
			}
		}
	}()
	return func() {
		close(quit)
		<-exited
		uiprogress.Stop()
	}
}
