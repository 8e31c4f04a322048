package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/Charana123/boost-torrent/go-torrent/wire"
	"github.com/sirupsen/logrus"
)

var (
	// Pieces requested concurrently from one peer.
	MAX_WORKING_PIECES = 2
	// Requests for the next piece go out once this share of the blocks of the
	// current piece arrived.
	PIPELINE_THRESHOLD_PERCENT = 75
	KEEP_ALIVE_INTERVAL        = time.Minute
)

var (
	ErrDuplicateBitfield = errors.New("peer sent a second bitfield")
	ErrUnexpectedPiece   = errors.New("peer sent a block that was not requested")
	ErrCorruptPiece      = errors.New("piece failed hash check")
	ErrDeclined          = errors.New("connection declined")
	ErrShutdown          = errors.New("peer gracefully shutdown")
)

type Peer interface {
	Start()
	Stop(err error)
	GetPeerInfo() PeerInfo
	Addr() string
	PeerID() string

	SendHave(pieceIndex int)
	SendChoke() error
	SendUnchoke() error
	SendBlock(pieceIndex, begin int, block []byte) error

	ResetStats()
	WorkingPieces() []int
	Nudge()
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

// PeerInfo is a snapshot of a peer used by the choke algorithm.
type PeerInfo struct {
	ID          string
	Addr        string
	State       connState
	Downloaded  int64
	Uploaded    int64
	ConnectedAt time.Time
}

type workingPiece struct {
	*piece.Piece
	pipelined bool
}

type peer struct {
	sync.Mutex
	addr     string
	id       string
	outbound bool
	peerID   []byte
	torrent  *torrent.Torrent
	peerMgr  PeerManager
	wire     wire.Wire
	log      *logrus.Entry

	state          connState
	peerBitfield   *bitvector.Bitvector
	workingPieces  []*workingPiece
	resendRequests bool
	connectedAt    time.Time

	downloaded int64
	uploaded   int64

	stopOnce sync.Once
	quit     chan struct{}
}

func NewPeer(
	addr string,
	wire wire.Wire,
	outbound bool,
	torrent *torrent.Torrent,
	peerID []byte,
	peerMgr PeerManager) *peer {

	return &peer{
		addr:     addr,
		wire:     wire,
		outbound: outbound,
		torrent:  torrent,
		peerID:   peerID,
		peerMgr:  peerMgr,
		log:      logrus.WithField("peer", addr),
		quit:     make(chan struct{}),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
}

func (p *peer) Addr() string {
	return p.addr
}

// PeerID is the remote peer id, empty until the handshake completed.
func (p *peer) PeerID() string {
	return p.id
}

func (p *peer) stopped() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// Stop closes the connection. The read loop then exits and the peer
// manager is notified from Start, whichever side caused the teardown.
func (p *peer) Stop(err error) {
	p.stopOnce.Do(func() {
		close(p.quit)
		if err != nil && !errors.Is(err, ErrShutdown) && !errors.Is(err, ErrDeclined) {
			p.log.WithError(err).Debug("peer stopped")
		}
		p.wire.Close()
	})
}

func (p *peer) GetPeerInfo() PeerInfo {
	p.Lock()
	defer p.Unlock()

	return PeerInfo{
		ID:          p.id,
		Addr:        p.addr,
		State:       p.state,
		Downloaded:  atomic.LoadInt64(&p.downloaded),
		Uploaded:    atomic.LoadInt64(&p.uploaded),
		ConnectedAt: p.connectedAt,
	}
}

func (p *peer) ResetStats() {
	atomic.StoreInt64(&p.downloaded, 0)
	atomic.StoreInt64(&p.uploaded, 0)
}

func (p *peer) WorkingPieces() []int {
	p.Lock()
	defer p.Unlock()

	indices := make([]int, 0, len(p.workingPieces))
	for _, wp := range p.workingPieces {
		indices = append(indices, wp.Index)
	}
	return indices
}

// Start runs the connection until it fails or is stopped.
func (p *peer) Start() {
	err := p.run()
	p.Stop(err)
	p.peerMgr.OnDisconnected(p)
}

func (p *peer) handshake() error {
	if p.outbound {
		if err := p.wire.SendHandshake(p.torrent.InfoHash, p.peerID); err != nil {
			return err
		}
	}
	h, err := p.wire.ReadHandshake()
	if err != nil {
		return err
	}
	if err := h.Validate(p.torrent.InfoHash); err != nil {
		return err
	}
	if !p.outbound {
		if err := p.wire.SendHandshake(p.torrent.InfoHash, p.peerID); err != nil {
			return err
		}
	}
	p.id = string(h.PeerID[:])
	return nil
}

func (p *peer) run() error {
	if err := p.handshake(); err != nil {
		return err
	}
	p.log.WithField("id", fmt.Sprintf("%x", p.id)).Debug("handshake complete")

	p.Lock()
	p.connectedAt = time.Now()
	p.Unlock()
	if !p.peerMgr.OnConnected(p) {
		return ErrDeclined
	}

	bitfield := p.peerMgr.ClientBitfield()
	if !bitfield.IsEmpty() {
		if err := p.wire.SendBitField(bitfield.Snapshot()); err != nil {
			return err
		}
	}

	go p.keepAlive()

	// handle all subsequent messages
	for {
		msg, err := p.wire.ReadMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			// keep-alive message
			continue
		}
		if err := p.decodeMessage(msg); err != nil {
			return err
		}
	}
}

// keepAlive sends a keep-alive when nothing was sent for a whole interval.
func (p *peer) keepAlive() {
	ticker := time.NewTicker(KEEP_ALIVE_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case now := <-ticker.C:
			if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					p.Stop(err)
					return
				}
			}
		}
	}
}

func (p *peer) decodeMessage(msg *wire.Message) error {
	p.log.WithField("message", msg.String()).Trace("received")

	switch msg.ID {
	case wire.CHOKE:
		return p.onChoke(true)
	case wire.UNCHOKE:
		return p.onChoke(false)
	case wire.INTERESTED:
		p.onInterest(true)
	case wire.NOT_INTERESTED:
		p.onInterest(false)
	case wire.HAVE:
		return p.onHave(wire.ParseHave(msg))
	case wire.BITFIELD:
		return p.onBitfield(msg.Payload)
	case wire.REQUEST:
		pieceIndex, begin, length := wire.ParseRequest(msg)
		p.peerMgr.GotRequest(pieceIndex, begin, length, p)
	case wire.CANCEL:
		pieceIndex, begin, length := wire.ParseRequest(msg)
		p.peerMgr.GotCancel(pieceIndex, begin, length, p)
	case wire.PIECE:
		pieceIndex, begin, block := wire.ParsePiece(msg)
		return p.onPiece(pieceIndex, begin, block)
	}
	return nil
}

func (p *peer) onChoke(choking bool) error {
	p.Lock()
	defer p.Unlock()

	wasChoking := p.state.peerChoking
	p.state.peerChoking = choking
	if choking {
		if !wasChoking {
			// requests in flight are discarded by the remote
			p.resendRequests = true
		}
		return nil
	}
	if wasChoking && p.state.clientInterested {
		return p.startRequesting()
	}
	return nil
}

func (p *peer) onInterest(interested bool) {
	p.Lock()
	defer p.Unlock()

	p.state.peerInterested = interested
}

func (p *peer) onHave(pieceIndex int) error {
	p.Lock()
	defer p.Unlock()

	if p.peerBitfield == nil {
		if p.torrent.NumPieces == 0 {
			return nil
		}
		p.peerBitfield = bitvector.New(p.torrent.NumPieces)
	}
	if err := p.peerBitfield.Set(pieceIndex); err != nil {
		return fmt.Errorf("%w: have %d", wire.ErrProtocol, pieceIndex)
	}
	if p.peerMgr.HavePiece(pieceIndex) {
		return nil
	}
	if !p.state.clientInterested {
		return p.setInterested(true)
	}
	if !p.state.peerChoking && len(p.workingPieces) == 0 {
		return p.requestNextPiece()
	}
	return nil
}

func (p *peer) onBitfield(bitmap []byte) error {
	p.Lock()
	defer p.Unlock()

	if p.peerBitfield != nil {
		return ErrDuplicateBitfield
	}
	size := p.torrent.NumPieces
	if size == 0 {
		// number of pieces unknown, accept the bitfield liberally
		size = len(bitmap) * 8
	}
	bitfield, err := bitvector.NewFromBytes(size, bitmap)
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	p.peerBitfield = bitfield
	return p.setInterested(p.peerMgr.WantAnyPiece(bitfield))
}

func (p *peer) findWorkingPiece(pieceIndex int) *workingPiece {
	for _, wp := range p.workingPieces {
		if wp.Index == pieceIndex {
			return wp
		}
	}
	return nil
}

func (p *peer) removeWorkingPiece(pieceIndex int) {
	for i, wp := range p.workingPieces {
		if wp.Index == pieceIndex {
			p.workingPieces = append(p.workingPieces[:i], p.workingPieces[i+1:]...)
			return
		}
	}
}

func (p *peer) onPiece(pieceIndex, begin int, block []byte) error {
	p.Lock()
	wp := p.findWorkingPiece(pieceIndex)
	if wp == nil {
		p.Unlock()
		p.log.WithFields(logrus.Fields{
			"piece": pieceIndex,
			"begin": begin,
		}).Warn("received unexpected piece")
		return ErrUnexpectedPiece
	}
	if err := wp.WriteBlock(begin, block); err != nil {
		p.Unlock()
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	atomic.AddInt64(&p.downloaded, int64(len(block)))
	p.peerMgr.IncrementDownloaded(len(block))

	if !wp.pipelined && wp.NumReceivedBlocks()*100 >= wp.NumBlocks()*PIPELINE_THRESHOLD_PERCENT {
		wp.pipelined = true
		if !p.state.peerChoking {
			if err := p.requestNextPiece(); err != nil {
				p.Unlock()
				return err
			}
		}
	}
	complete := wp.ReceivedAllBlocks()
	p.Unlock()

	if !complete {
		return nil
	}
	// the piece stays in the working set until verified so that a failure
	// releases it on disconnect
	if !wp.CheckHash() {
		p.peerMgr.BanPeer(p)
		return fmt.Errorf("%w: piece %d", ErrCorruptPiece, pieceIndex)
	}
	p.Lock()
	p.removeWorkingPiece(pieceIndex)
	p.Unlock()

	if err := p.peerMgr.OnFinishedPiece(wp.Piece); err != nil {
		return err
	}
	p.Nudge()
	return nil
}

// setInterested sends INTERESTED or NOT_INTERESTED on a change of interest.
// The caller holds the lock.
func (p *peer) setInterested(interested bool) error {
	if !p.state.clientInterested && interested {
		p.state.clientInterested = true
		if err := p.wire.SendInterested(); err != nil {
			return err
		}
		if !p.state.peerChoking {
			return p.startRequesting()
		}
	} else if p.state.clientInterested && !interested {
		p.state.clientInterested = false
		return p.wire.SendUnInterested()
	}
	return nil
}

// startRequesting is called once unchoked. After a choke the blocks not yet
// received are requested again instead of a new piece.
func (p *peer) startRequesting() error {
	if p.resendRequests && len(p.workingPieces) > 0 {
		p.resendRequests = false
		for _, wp := range p.workingPieces {
			for begin := 0; begin < wp.Length; begin += piece.BLOCK_LENGTH {
				if wp.IsBlockReceived(begin) {
					continue
				}
				if err := p.wire.SendRequest(wp.Index, begin, wp.BlockLength(begin)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	p.resendRequests = false
	return p.requestNextPiece()
}

// requestNextPiece asks the peer manager for a piece and requests all of its
// blocks. The caller holds the lock.
func (p *peer) requestNextPiece() error {
	if p.stopped() || p.peerBitfield == nil || len(p.workingPieces) >= MAX_WORKING_PIECES {
		return nil
	}
	pieceIndex, ok := p.peerMgr.GetNextPieceToRequest(p.peerBitfield)
	if !ok {
		if len(p.workingPieces) == 0 {
			return p.setInterested(false)
		}
		return nil
	}

	wp := &workingPiece{
		Piece: piece.New(pieceIndex, p.torrent.PieceSize(pieceIndex), p.torrent.PieceHash(pieceIndex)),
	}
	p.workingPieces = append(p.workingPieces, wp)
	p.log.WithField("piece", pieceIndex).Debug("requesting piece")

	for begin := 0; begin < wp.Length; begin += piece.BLOCK_LENGTH {
		if err := p.wire.SendRequest(pieceIndex, begin, wp.BlockLength(begin)); err != nil {
			return err
		}
	}
	return nil
}

// Nudge re-evaluates interest and starts requesting if the peer sits idle,
// e.g. after an outstanding piece was released by another peer.
func (p *peer) Nudge() {
	p.Lock()
	var err error
	if !p.stopped() && p.peerBitfield != nil {
		if !p.state.clientInterested {
			err = p.setInterested(p.peerMgr.WantAnyPiece(p.peerBitfield))
		} else if !p.state.peerChoking && len(p.workingPieces) == 0 {
			err = p.requestNextPiece()
		}
	}
	p.Unlock()
	if err != nil {
		p.Stop(err)
	}
}

// SendHave announces a completed piece and re-evaluates interest.
func (p *peer) SendHave(pieceIndex int) {
	p.Lock()
	if p.stopped() {
		p.Unlock()
		return
	}
	err := p.wire.SendHave(pieceIndex)
	if err == nil && p.peerBitfield != nil {
		err = p.setInterested(p.peerMgr.WantAnyPiece(p.peerBitfield))
	}
	p.Unlock()
	if err != nil {
		p.Stop(err)
	}
}

func (p *peer) SendChoke() error {
	p.Lock()
	defer p.Unlock()

	p.state.clientChoking = true
	return p.wire.SendChoke()
}

func (p *peer) SendUnchoke() error {
	p.Lock()
	defer p.Unlock()

	p.state.clientChoking = false
	return p.wire.SendUnchoke()
}

// SendBlock uploads a block and credits it to this peer.
func (p *peer) SendBlock(pieceIndex, begin int, block []byte) error {
	if err := p.wire.SendBlock(pieceIndex, begin, block); err != nil {
		return err
	}
	atomic.AddInt64(&p.uploaded, int64(len(block)))
	p.peerMgr.IncrementUploaded(len(block))
	return nil
}
