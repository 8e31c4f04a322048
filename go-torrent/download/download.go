package download

import (
	"context"
	"sync"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/peer"
	"github.com/Charana123/boost-torrent/go-torrent/server"
	"github.com/Charana123/boost-torrent/go-torrent/stats"
	"github.com/Charana123/boost-torrent/go-torrent/storage"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/Charana123/boost-torrent/go-torrent/tracker"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	ANNOUNCE_TIMEOUT = 30 * time.Second
	MIN_INTERVAL     = time.Minute
)

var log = logrus.WithField("component", "download")

var newAnnouncer = tracker.NewAnnouncer

type Config struct {
	// Port for incoming peer connections, 0 for any.
	ListenPort     int
	MaxPeers       int
	MaxWantedPeers int
	MaxDials       int
	// Upload limit in bytes per second, 0 for none.
	UploadRateLimit int
	NumWant         int32
}

func DefaultConfig() Config {
	cfg := peer.DefaultConfig()
	return Config{
		ListenPort:     6881,
		MaxPeers:       cfg.MaxPeers,
		MaxWantedPeers: cfg.MaxWantedPeers,
		MaxDials:       cfg.MaxDials,
		NumWant:        tracker.NUMWANT,
	}
}

func (cfg Config) peerConfig() peer.Config {
	limit := rate.Inf
	if cfg.UploadRateLimit > 0 {
		limit = rate.Limit(cfg.UploadRateLimit)
	}
	return peer.Config{
		MaxPeers:       cfg.MaxPeers,
		MaxWantedPeers: cfg.MaxWantedPeers,
		MaxDials:       cfg.MaxDials,
		UploadRate:     limit,
	}
}

type Progress struct {
	peer.Progress
	Name     string
	Length   int64
	Seeders  int32
	Leechers int32
	Complete bool
}

type Download interface {
	Start() error
	Stop()
	Wait() error
	Progress() Progress
	Completed() <-chan struct{}
}

type download struct {
	sync.Mutex
	torrent   *torrent.Torrent
	peerID    []byte
	root      string
	cfg       Config
	key       int32
	storage   storage.Storage
	stats     stats.Stats
	peerMgr   peer.PeerManager
	server    server.Server
	announcer tracker.Announcer
	seeders   int32
	leechers  int32
	started   bool
	startErr  error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewDownload prepares the download of torrent into the directory root.
func NewDownload(
	torrent *torrent.Torrent,
	peerID []byte,
	root string,
	cfg Config) Download {

	ctx, cancel := context.WithCancel(context.Background())
	return &download{
		torrent: torrent,
		peerID:  peerID,
		root:    root,
		cfg:     cfg,
		key:     tracker.GenKey(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start/Resume downloading/uploading torrent. A failed Start releases what
// it acquired; Wait then returns the error.
func (d *download) Start() error {
	d.storage = storage.NewRandomAccessStorage(d.torrent, d.root)
	if err := d.storage.CreateFiles(); err != nil {
		d.storage.Close()
		return d.abort(err)
	}
	d.stats = stats.NewStats(0, 0, d.storage.Left())
	d.peerMgr = peer.NewPeerManager(d.torrent, d.peerID, d.storage, d.stats, d.cfg.peerConfig())

	sv, err := server.NewServer(d.peerMgr, d.cfg.ListenPort)
	if err != nil {
		d.storage.Close()
		return d.abort(err)
	}
	d.server = sv

	d.announcer = newAnnouncer(d.torrent.AnnounceURLs())
	resp, err := d.announce(tracker.STARTED)
	if err == nil {
		err = d.peerMgr.Start(resp.Addresses())
	}
	if err != nil {
		d.server.Stop()
		d.storage.Close()
		return d.abort(err)
	}
	d.server.Serve()

	d.Lock()
	d.started = true
	d.Unlock()
	d.wg.Add(1)
	go d.announceLoop(resp.Interval)
	log.WithFields(logrus.Fields{
		"name":   d.torrent.Name,
		"pieces": d.torrent.NumPieces,
		"port":   d.server.GetServerPort(),
	}).Info("download started")
	return nil
}

func (d *download) abort(err error) error {
	d.Lock()
	d.startErr = err
	d.Unlock()
	d.Stop()
	return err
}

func (d *download) announce(event int) (*tracker.Response, error) {
	uploaded, downloaded, left := d.stats.GetTrackerStats()
	req := &tracker.Request{
		InfoHash:   d.torrent.InfoHash,
		PeerID:     d.peerID,
		Port:       uint16(d.server.GetServerPort()),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    d.cfg.NumWant,
		Key:        d.key,
	}
	if event == tracker.STOPPED {
		req.NumWant = 0
	}

	// a stopped announce outlives the download context
	parent := d.ctx
	if event == tracker.STOPPED {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, ANNOUNCE_TIMEOUT)
	defer cancel()

	resp, err := d.announcer.Announce(ctx, req)
	if err != nil {
		return nil, err
	}
	d.Lock()
	d.seeders = resp.Seeders
	d.leechers = resp.Leechers
	d.Unlock()
	return resp, nil
}

// announceLoop re-announces every interval, reports completion and sends
// the stopped event on shutdown.
func (d *download) announceLoop(interval time.Duration) {
	defer d.wg.Done()

	completed := d.peerMgr.Completed()
	if d.storage.Bitfield().IsComplete() {
		// seeding from the start, nothing to report
		completed = nil
	}
	for {
		if interval < MIN_INTERVAL {
			interval = MIN_INTERVAL
		}
		select {
		case <-d.ctx.Done():
			d.announce(tracker.STOPPED)
			return
		case <-d.peerMgr.Done():
			d.announce(tracker.STOPPED)
			go d.Stop()
			return
		case <-completed:
			completed = nil
			if _, err := d.announce(tracker.COMPLETED); err != nil {
				log.WithError(err).Warn("completed announce failed")
			}
		case <-time.After(interval):
			resp, err := d.announce(tracker.NONE)
			if err != nil {
				log.WithError(err).Warn("announce failed")
				continue
			}
			interval = resp.Interval
			d.peerMgr.AddPotentialPeers(resp.Addresses())
		}
	}
}

// Stop downloading/uploading torrent
func (d *download) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.Lock()
		started := d.started
		d.Unlock()
		if started {
			d.server.Stop()
			d.peerMgr.StopPeers()
			if err := d.storage.Close(); err != nil {
				log.WithError(err).Warn("failed to close files")
			}
		}
		close(d.done)
		log.Info("download stopped")
	})
}

// Wait blocks until the download is stopped and returns the error that
// stopped it, if any.
func (d *download) Wait() error {
	<-d.done

	d.Lock()
	defer d.Unlock()
	if !d.started {
		return d.startErr
	}
	return d.peerMgr.Err()
}

func (d *download) Completed() <-chan struct{} {
	d.Lock()
	defer d.Unlock()

	if !d.started {
		return nil
	}
	return d.peerMgr.Completed()
}

func (d *download) Progress() Progress {
	d.Lock()
	defer d.Unlock()

	if !d.started {
		return Progress{Name: d.torrent.Name, Length: d.torrent.Length}
	}
	p := d.peerMgr.Progress()
	return Progress{
		Progress: p,
		Name:     d.torrent.Name,
		Length:   d.torrent.Length,
		Seeders:  d.seeders,
		Leechers: d.leechers,
		Complete: p.PiecesDone == p.NumPieces,
	}
}
