package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/stats"
)

var (
	CHOKE_INTERVAL = 10 * time.Second
	// Peers unchoked for their download rate.
	UPLOAD_SLOTS = 4
	// One optimistic unchoke every OPTIMISTIC_CYCLE ticks.
	OPTIMISTIC_CYCLE = 3
	// Weight of recently connected peers in the optimistic draw.
	NEW_PEER_WEIGHT = 3
)

type Choke interface {
	Start()
}

type choke struct {
	peerMgr        PeerManager
	fulfiller      Fulfiller
	clientBitfield *bitvector.Bitvector
	stats          stats.Stats
	rand           *rand.Rand
	cycle          int
	quit           <-chan struct{}
}

func NewChoke(
	peerMgr PeerManager,
	fulfiller Fulfiller,
	clientBitfield *bitvector.Bitvector,
	stats stats.Stats,
	quit <-chan struct{}) Choke {

	return &choke{
		peerMgr:        peerMgr,
		fulfiller:      fulfiller,
		clientBitfield: clientBitfield,
		stats:          stats,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:           quit,
	}
}

// selectUnchoked ranks the interested peers by the bytes they sent since the
// last tick and unchokes the best UPLOAD_SLOTS of them. Every OPTIMISTIC_CYCLE
// ticks one more interested peer is drawn from the rest, newly connected peers
// weighted NEW_PEER_WEIGHT. Peers not interested in us stay choked.
func selectUnchoked(peers []PeerInfo, cycle int, rnd *rand.Rand, now time.Time) []bool {
	order := []int{}
	for i := range peers {
		if peers[i].State.peerInterested {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return peers[order[i]].Downloaded > peers[order[j]].Downloaded
	})

	shouldUnchoke := make([]bool, len(peers))
	for k := 0; k < len(order) && k < UPLOAD_SLOTS; k++ {
		shouldUnchoke[order[k]] = true
	}
	if cycle%OPTIMISTIC_CYCLE != 0 || len(order) <= UPLOAD_SLOTS {
		return shouldUnchoke
	}

	rest := order[UPLOAD_SLOTS:]
	newPeerAge := time.Duration(OPTIMISTIC_CYCLE) * CHOKE_INTERVAL
	weights := make([]int, len(rest))
	total := 0
	for k, i := range rest {
		weights[k] = 1
		if now.Sub(peers[i].ConnectedAt) < newPeerAge {
			weights[k] = NEW_PEER_WEIGHT
		}
		total += weights[k]
	}
	r := rnd.Intn(total)
	for k, i := range rest {
		if r < weights[k] {
			shouldUnchoke[i] = true
			break
		}
		r -= weights[k]
	}
	return shouldUnchoke
}

func (c *choke) choke() {
	c.cycle++
	peers := c.peerMgr.GetPeerList()
	peerInfos := make([]PeerInfo, len(peers))
	for i, peer := range peers {
		peerInfos[i] = peer.GetPeerInfo()
	}

	shouldUnchoke := selectUnchoked(peerInfos, c.cycle, c.rand, time.Now())

	// apply unchoke/choke
	for i, peer := range peers {
		state := peerInfos[i].State
		if shouldUnchoke[i] && state.clientChoking {
			// requests may arrive as soon as the unchoke is on the wire
			c.fulfiller.OnUnchoke(peer)
			if err := peer.SendUnchoke(); err != nil {
				c.fulfiller.OnChoke(peer)
				peer.Stop(err)
			}
		}
		if !shouldUnchoke[i] && !state.clientChoking {
			if err := peer.SendChoke(); err != nil {
				peer.Stop(err)
			}
			c.fulfiller.OnChoke(peer)
		}
		peer.ResetStats()
	}
	c.stats.Tick()
}

// Start runs the choke algorithm every CHOKE_INTERVAL until the download
// completes or quit is closed.
func (c *choke) Start() {
	for !c.clientBitfield.IsComplete() {
		select {
		case <-c.quit:
			return
		case <-time.After(CHOKE_INTERVAL):
			c.choke()
		}
	}
	log.Info("download complete, choke loop finished")
}
