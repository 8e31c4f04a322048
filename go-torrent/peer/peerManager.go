package peer

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/stats"
	"github.com/Charana123/boost-torrent/go-torrent/storage"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/Charana123/boost-torrent/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	PEER_TIMEOUT = 120
	DIAL_TIMEOUT = 10
)

var (
	MAX_PEERS        = 50
	MAX_WANTED_PEERS = 30
	MAX_DIALS        = 10
)

var ErrNoPeers = errors.New("tracker returned no peers")

var log = logrus.WithField("component", "peer")

var dial = net.DialTimeout
var newWire = wire.NewWire

type Config struct {
	MaxPeers       int
	MaxWantedPeers int
	MaxDials       int
	// Upload limit in bytes per second, rate.Inf for none.
	UploadRate rate.Limit
}

func DefaultConfig() Config {
	return Config{
		MaxPeers:       MAX_PEERS,
		MaxWantedPeers: MAX_WANTED_PEERS,
		MaxDials:       MAX_DIALS,
		UploadRate:     rate.Inf,
	}
}

// Progress is a snapshot of the transfer, rates in bytes per second.
type Progress struct {
	Uploaded     int64
	Downloaded   int64
	Left         int64
	UploadRate   int64
	DownloadRate int64
	Peers        int
	PiecesDone   int
	NumPieces    int
}

type PeerManager interface {
	// Swarm
	Start(addrs []string) error
	AddPotentialPeers(addrs []string)
	AddConn(conn net.Conn)
	OnConnected(peer Peer) bool
	OnDisconnected(peer Peer)
	GetPeerList() []Peer
	BanPeer(peer Peer)
	StopPeers()
	Fail(err error)
	Err() error
	Done() <-chan struct{}
	Completed() <-chan struct{}
	Progress() Progress

	// Pieces
	ClientBitfield() *bitvector.Bitvector
	HavePiece(pieceIndex int) bool
	WantAnyPiece(peerBitfield *bitvector.Bitvector) bool
	GetNextPieceToRequest(peerBitfield *bitvector.Bitvector) (pieceIndex int, ok bool)
	ReleasePiece(pieceIndex int)
	OnFinishedPiece(p *piece.Piece) error

	// Uploads
	GotRequest(pieceIndex, begin, length int, peer Peer)
	GotCancel(pieceIndex, begin, length int, peer Peer)
	IncrementDownloaded(n int)
	IncrementUploaded(n int)
}

type peerManager struct {
	sync.RWMutex
	torrent   *torrent.Torrent
	peerID    []byte
	storage   storage.Storage
	stats     stats.Stats
	fulfiller Fulfiller
	choke     Choke
	cfg       Config

	// sessions started and not yet disconnected
	all      map[Peer]struct{}
	dialing  int
	peers    []Peer
	peerIDs  mapset.Set
	closed   bool
	quit     chan struct{}
	stopOnce sync.Once

	bannedPeers    mapset.Set
	potentialMu    sync.Mutex
	potentialPeers []string

	outstandingMu sync.Mutex
	outstanding   bitmap.Bitmap

	completeMu   sync.Mutex
	completed    chan struct{}
	completeOnce sync.Once

	errMu sync.Mutex
	err   error

	dialSem chan struct{}
}

func NewPeerManager(
	torrent *torrent.Torrent,
	peerID []byte,
	storage storage.Storage,
	stats stats.Stats,
	cfg Config) PeerManager {

	pm := &peerManager{
		torrent:     torrent,
		peerID:      peerID,
		storage:     storage,
		stats:       stats,
		cfg:         cfg,
		all:         make(map[Peer]struct{}),
		peerIDs:     mapset.NewSet(),
		bannedPeers: mapset.NewSet(),
		outstanding: bitmap.New(torrent.NumPieces),
		quit:        make(chan struct{}),
		completed:   make(chan struct{}),
		dialSem:     make(chan struct{}, cfg.MaxDials),
	}
	pm.fulfiller = NewFulfiller(torrent, storage, cfg.UploadRate)
	pm.choke = NewChoke(pm, pm.fulfiller, storage.Bitfield(), stats, pm.quit)
	return pm
}

// Start connects to the initial peers and launches the fulfiller and the
// choke loop.
func (pm *peerManager) Start(addrs []string) error {
	if len(addrs) == 0 {
		return ErrNoPeers
	}
	if pm.storage.Bitfield().IsComplete() {
		pm.markCompleted()
	}
	pm.fulfiller.Start(pm.Fail)
	go pm.choke.Start()
	pm.AddPotentialPeers(addrs)
	return nil
}

func (pm *peerManager) Done() <-chan struct{} {
	return pm.quit
}

func (pm *peerManager) Completed() <-chan struct{} {
	return pm.completed
}

func (pm *peerManager) markCompleted() {
	pm.completeOnce.Do(func() {
		close(pm.completed)
	})
}

func (pm *peerManager) Err() error {
	pm.errMu.Lock()
	defer pm.errMu.Unlock()

	return pm.err
}

// Fail records a fatal error, storage failures mostly, and shuts the swarm
// down.
func (pm *peerManager) Fail(err error) {
	pm.errMu.Lock()
	if pm.err == nil {
		pm.err = err
		log.WithError(err).Error("download failed")
	}
	pm.errMu.Unlock()
	// may be called from the fulfiller worker which Stop waits for
	go pm.StopPeers()
}

func host(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func (pm *peerManager) BanPeer(peer Peer) {
	pm.bannedPeers.Add(host(peer.Addr()))
	log.WithField("peer", peer.Addr()).Warn("banned peer")
}

func (pm *peerManager) isBanned(addr string) bool {
	return pm.bannedPeers.Contains(host(addr))
}

// AddPotentialPeers appends addresses to the backlog and dials until the
// pool holds MaxWantedPeers sessions.
func (pm *peerManager) AddPotentialPeers(addrs []string) {
	pm.potentialMu.Lock()
	seen := map[string]bool{}
	for _, addr := range pm.potentialPeers {
		seen[addr] = true
	}
	for _, addr := range addrs {
		if seen[addr] || pm.isBanned(addr) {
			continue
		}
		seen[addr] = true
		pm.potentialPeers = append(pm.potentialPeers, addr)
	}
	pm.potentialMu.Unlock()

	pm.fillPeers()
}

func (pm *peerManager) popPotentialPeer() (string, bool) {
	pm.potentialMu.Lock()
	defer pm.potentialMu.Unlock()

	for len(pm.potentialPeers) > 0 {
		addr := pm.potentialPeers[0]
		pm.potentialPeers = pm.potentialPeers[1:]
		if !pm.isBanned(addr) {
			return addr, true
		}
	}
	return "", false
}

func (pm *peerManager) fillPeers() {
	for {
		pm.Lock()
		if pm.closed || len(pm.all)+pm.dialing >= pm.cfg.MaxWantedPeers {
			pm.Unlock()
			return
		}
		addr, ok := pm.popPotentialPeer()
		if !ok {
			pm.Unlock()
			return
		}
		pm.dialing++
		pm.Unlock()

		go pm.connect(addr)
	}
}

func (pm *peerManager) connect(addr string) {
	var conn net.Conn
	var err error
	select {
	case pm.dialSem <- struct{}{}:
		conn, err = dial("tcp", addr, time.Second*DIAL_TIMEOUT)
		<-pm.dialSem
	case <-pm.quit:
		err = ErrShutdown
	}

	pm.Lock()
	pm.dialing--
	pm.Unlock()

	if err != nil {
		log.WithFields(logrus.Fields{
			"peer":  addr,
			"error": err,
		}).Debug("failed to connect")
		pm.fillPeers()
		return
	}
	pm.startPeer(conn, addr, true)
}

// AddConn admits an inbound connection.
func (pm *peerManager) AddConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if pm.isBanned(addr) {
		conn.Close()
		return
	}
	pm.startPeer(conn, addr, false)
}

func (pm *peerManager) startPeer(conn net.Conn, addr string, outbound bool) {
	pm.Lock()
	if pm.closed || len(pm.all)+pm.dialing >= pm.cfg.MaxPeers {
		pm.Unlock()
		conn.Close()
		return
	}
	peer := NewPeer(
		addr,
		newWire(conn, time.Duration(time.Second*PEER_TIMEOUT)),
		outbound,
		pm.torrent,
		pm.peerID,
		pm,
	)
	pm.all[peer] = struct{}{}
	pm.Unlock()

	go peer.Start()
}

// OnConnected admits a peer after its handshake, unless the peer id is
// already connected or is our own.
func (pm *peerManager) OnConnected(peer Peer) bool {
	pm.Lock()
	defer pm.Unlock()

	id := peer.PeerID()
	if pm.closed || id == string(pm.peerID) || pm.peerIDs.Contains(id) {
		return false
	}
	pm.peerIDs.Add(id)
	pm.peers = append(pm.peers, peer)
	log.WithField("peer", peer.Addr()).Info("peer connected")
	return true
}

// OnDisconnected is called once by every session when it ends. Pieces the
// peer was downloading are released and a replacement is dialed.
func (pm *peerManager) OnDisconnected(peer Peer) {
	pm.Lock()
	delete(pm.all, peer)
	admitted := false
	for i, p := range pm.peers {
		if p == peer {
			pm.peers = append(pm.peers[:i], pm.peers[i+1:]...)
			pm.peerIDs.Remove(peer.PeerID())
			admitted = true
			break
		}
	}
	closed := pm.closed
	pm.Unlock()

	if !admitted {
		if !closed {
			pm.fillPeers()
		}
		return
	}
	log.WithField("peer", peer.Addr()).Info("peer disconnected")
	pm.fulfiller.OnPeerGone(peer)
	for _, pieceIndex := range peer.WorkingPieces() {
		pm.ReleasePiece(pieceIndex)
	}
	if !closed {
		pm.fillPeers()
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := make([]Peer, len(pm.peers))
	copy(peers, pm.peers)
	return peers
}

// StopPeers shuts the swarm down, stopping every session and the fulfiller
// and choke workers.
func (pm *peerManager) StopPeers() {
	pm.stopOnce.Do(func() {
		pm.Lock()
		pm.closed = true
		close(pm.quit)
		peers := make([]Peer, 0, len(pm.all))
		for peer := range pm.all {
			peers = append(peers, peer)
		}
		pm.Unlock()

		for _, peer := range peers {
			peer.Stop(ErrShutdown)
		}
		pm.fulfiller.Stop()
	})
}

func (pm *peerManager) Progress() Progress {
	uploaded, downloaded, left := pm.stats.GetTrackerStats()
	uploadRate, downloadRate := pm.stats.GetClientRates()
	// rates are averaged per choke tick
	tick := int64(CHOKE_INTERVAL / time.Second)
	if tick < 1 {
		tick = 1
	}
	pm.RLock()
	numPeers := len(pm.peers)
	pm.RUnlock()

	return Progress{
		Uploaded:     uploaded,
		Downloaded:   downloaded,
		Left:         left,
		UploadRate:   uploadRate / tick,
		DownloadRate: downloadRate / tick,
		Peers:        numPeers,
		PiecesDone:   pm.storage.Bitfield().Count(),
		NumPieces:    pm.torrent.NumPieces,
	}
}

func (pm *peerManager) ClientBitfield() *bitvector.Bitvector {
	return pm.storage.Bitfield()
}

func (pm *peerManager) HavePiece(pieceIndex int) bool {
	return pm.storage.Bitfield().IsSet(pieceIndex)
}

// WantAnyPiece reports whether the peer has a piece we are missing,
// outstanding or not.
func (pm *peerManager) WantAnyPiece(peerBitfield *bitvector.Bitvector) bool {
	clientBitfield := pm.storage.Bitfield()
	for i := 0; i < pm.torrent.NumPieces; i++ {
		if !clientBitfield.IsSet(i) && peerBitfield.IsSet(i) {
			return true
		}
	}
	return false
}

// GetNextPieceToRequest assigns the lowest piece the peer has, we miss and
// nobody else is downloading. The assignment is atomic across peers.
func (pm *peerManager) GetNextPieceToRequest(peerBitfield *bitvector.Bitvector) (int, bool) {
	pm.outstandingMu.Lock()
	defer pm.outstandingMu.Unlock()

	clientBitfield := pm.storage.Bitfield()
	for i := 0; i < pm.torrent.NumPieces; i++ {
		if !clientBitfield.IsSet(i) && peerBitfield.IsSet(i) && !pm.outstanding.Get(i) {
			pm.outstanding.Set(i, true)
			return i, true
		}
	}
	return -1, false
}

// ReleasePiece makes an outstanding piece available to other peers again.
func (pm *peerManager) ReleasePiece(pieceIndex int) {
	pm.outstandingMu.Lock()
	pm.outstanding.Set(pieceIndex, false)
	pm.outstandingMu.Unlock()

	for _, peer := range pm.GetPeerList() {
		peer.Nudge()
	}
}

// OnFinishedPiece persists a verified piece and announces it to every peer.
// A piece completed twice is ignored the second time.
func (pm *peerManager) OnFinishedPiece(p *piece.Piece) error {
	pm.completeMu.Lock()
	if pm.storage.Bitfield().IsSet(p.Index) {
		pm.completeMu.Unlock()
		return nil
	}
	if err := pm.storage.WritePiece(p); err != nil {
		pm.completeMu.Unlock()
		pm.Fail(err)
		return err
	}
	pm.completeMu.Unlock()

	pm.outstandingMu.Lock()
	pm.outstanding.Set(p.Index, false)
	pm.outstandingMu.Unlock()

	pm.stats.PieceCompleted(p.Length)
	log.WithField("piece", p.Index).Debug("piece complete")

	for _, peer := range pm.GetPeerList() {
		peer.SendHave(p.Index)
	}
	if pm.storage.Bitfield().IsComplete() {
		log.Info("download complete")
		pm.markCompleted()
	}
	return nil
}

func (pm *peerManager) GotRequest(pieceIndex, begin, length int, peer Peer) {
	pm.fulfiller.OnReceivedRequest(pieceIndex, begin, length, peer)
}

func (pm *peerManager) GotCancel(pieceIndex, begin, length int, peer Peer) {
	pm.fulfiller.OnReceivedCancel(pieceIndex, begin, length, peer)
}

func (pm *peerManager) IncrementDownloaded(n int) {
	pm.stats.AddDownloaded(n)
}

func (pm *peerManager) IncrementUploaded(n int) {
	pm.stats.AddUploaded(n)
}
