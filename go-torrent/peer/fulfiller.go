package peer

import (
	"context"
	"sync"

	"github.com/Charana123/boost-torrent/go-torrent/storage"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// Largest block a peer may request, 128 KiB as accepted by most clients.
	MAX_REQUEST_LENGTH = 8 * 16384
)

// Pending requests kept per peer, requests beyond it are dropped.
var MAX_QUEUED_REQUESTS = 250

// Fulfiller serves block requests of unchoked peers, one request per peer
// and round so that no single peer monopolizes the upload.
type Fulfiller interface {
	Start(onError func(error))
	Stop()
	OnReceivedRequest(pieceIndex, begin, length int, peer Peer)
	OnReceivedCancel(pieceIndex, begin, length int, peer Peer)
	OnUnchoke(peer Peer)
	OnChoke(peer Peer)
	OnPeerGone(peer Peer)
	IsUnchoked(peer Peer) bool
}

type request struct {
	pieceIndex int
	begin      int
	length     int
	peer       Peer
}

type fulfiller struct {
	sync.Mutex
	torrent  *torrent.Torrent
	storage  storage.Storage
	limiter  *rate.Limiter
	requests *arraylist.List
	unchoked []Peer
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	onError  func(error)
	wg       sync.WaitGroup
	log      *logrus.Entry
}

// NewFulfiller returns a Fulfiller reading blocks from storage. limit caps
// the upload rate in bytes per second.
func NewFulfiller(
	torrent *torrent.Torrent,
	storage storage.Storage,
	limit rate.Limit) Fulfiller {

	ctx, cancel := context.WithCancel(context.Background())
	return &fulfiller{
		torrent:  torrent,
		storage:  storage,
		limiter:  rate.NewLimiter(limit, MAX_REQUEST_LENGTH),
		requests: arraylist.New(),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("component", "fulfiller"),
	}
}

func (f *fulfiller) Start(onError func(error)) {
	f.onError = onError
	f.wg.Add(1)
	go f.run()
}

func (f *fulfiller) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *fulfiller) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fulfiller) indexOf(peer Peer) int {
	for i, p := range f.unchoked {
		if p == peer {
			return i
		}
	}
	return -1
}

func (f *fulfiller) IsUnchoked(peer Peer) bool {
	f.Lock()
	defer f.Unlock()

	return f.indexOf(peer) >= 0
}

func (f *fulfiller) queued(peer Peer) int {
	n := 0
	f.requests.Each(func(_ int, v interface{}) {
		if v.(*request).peer == peer {
			n++
		}
	})
	return n
}

// OnReceivedRequest queues a request. Requests of choked peers, and of peers
// with MAX_QUEUED_REQUESTS pending, are dropped.
func (f *fulfiller) OnReceivedRequest(pieceIndex, begin, length int, peer Peer) {
	f.Lock()
	if f.indexOf(peer) < 0 {
		f.Unlock()
		f.log.WithField("peer", peer.Addr()).Debug("dropping request from choked peer")
		return
	}
	if f.queued(peer) >= MAX_QUEUED_REQUESTS {
		f.Unlock()
		f.log.WithField("peer", peer.Addr()).Debug("dropping request over the queue limit")
		return
	}
	f.requests.Add(&request{
		pieceIndex: pieceIndex,
		begin:      begin,
		length:     length,
		peer:       peer,
	})
	f.Unlock()
	f.signal()
}

func (f *fulfiller) OnReceivedCancel(pieceIndex, begin, length int, peer Peer) {
	f.Lock()
	defer f.Unlock()

	for i := 0; i < f.requests.Size(); i++ {
		v, _ := f.requests.Get(i)
		r := v.(*request)
		if r.peer == peer && r.pieceIndex == pieceIndex && r.begin == begin && r.length == length {
			f.requests.Remove(i)
			return
		}
	}
}

func (f *fulfiller) OnUnchoke(peer Peer) {
	f.Lock()
	defer f.Unlock()

	if f.indexOf(peer) < 0 {
		f.unchoked = append(f.unchoked, peer)
	}
}

// OnChoke forgets the pending requests of peer, a choked peer has to request
// again once unchoked.
func (f *fulfiller) OnChoke(peer Peer) {
	f.Lock()
	defer f.Unlock()

	if i := f.indexOf(peer); i >= 0 {
		f.unchoked = append(f.unchoked[:i], f.unchoked[i+1:]...)
	}
	f.purge(peer)
}

func (f *fulfiller) OnPeerGone(peer Peer) {
	f.OnChoke(peer)
}

func (f *fulfiller) purge(peer Peer) {
	for i := f.requests.Size() - 1; i >= 0; i-- {
		v, _ := f.requests.Get(i)
		if v.(*request).peer == peer {
			f.requests.Remove(i)
		}
	}
}

// nextRound takes the oldest pending request of every unchoked peer.
func (f *fulfiller) nextRound() []*request {
	f.Lock()
	defer f.Unlock()

	round := []*request{}
	for _, peer := range f.unchoked {
		for i := 0; i < f.requests.Size(); i++ {
			v, _ := f.requests.Get(i)
			r := v.(*request)
			if r.peer == peer {
				f.requests.Remove(i)
				round = append(round, r)
				break
			}
		}
	}
	return round
}

func (f *fulfiller) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}
		for {
			round := f.nextRound()
			if len(round) == 0 {
				break
			}
			for _, r := range round {
				if f.ctx.Err() != nil {
					return
				}
				f.serve(r)
			}
		}
	}
}

func (f *fulfiller) valid(r *request) bool {
	if r.pieceIndex < 0 || r.pieceIndex >= f.torrent.NumPieces {
		return false
	}
	if r.begin < 0 || r.length <= 0 || r.length > MAX_REQUEST_LENGTH {
		return false
	}
	return r.begin+r.length <= f.torrent.PieceSize(r.pieceIndex)
}

func (f *fulfiller) serve(r *request) {
	log := f.log.WithFields(logrus.Fields{
		"peer":   r.peer.Addr(),
		"piece":  r.pieceIndex,
		"begin":  r.begin,
		"length": r.length,
	})
	if !f.valid(r) || !f.storage.Bitfield().IsSet(r.pieceIndex) {
		log.Debug("dropping request")
		return
	}
	// the peer may have been choked while the round was served
	if !f.IsUnchoked(r.peer) {
		return
	}

	block, err := f.storage.ReadBlock(r.pieceIndex, r.begin, r.length)
	if err != nil {
		log.WithError(err).Error("failed to read block")
		if f.onError != nil {
			f.onError(err)
		}
		return
	}
	if err := f.limiter.WaitN(f.ctx, r.length); err != nil {
		return
	}
	if err := r.peer.SendBlock(r.pieceIndex, r.begin, block); err != nil {
		r.peer.Stop(err)
		return
	}
	log.Trace("sent block")
}

