package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestPeerManager(t *testing.T, numPieces int) (*peerManager, *mockStorage, *bitvector.Bitvector) {
	tor := testTorrent(t, 32, int64(32*numPieces))
	clientBitfield := bitvector.New(numPieces)
	s := &mockStorage{}
	s.On("Bitfield").Return(clientBitfield)

	cfg := DefaultConfig()
	// nothing is dialed from these tests
	cfg.MaxWantedPeers = 0
	pm := NewPeerManager(tor, []byte("-BT0001-000000000000"), s, stats.NewStats(0, 0, tor.Length), cfg).(*peerManager)
	return pm, s, clientBitfield
}

func TestGetNextPieceToRequestConcurrent(t *testing.T) {
	const numPieces = 10
	pm, _, _ := newTestPeerManager(t, numPieces)
	peerBitfield := fullBitfield(numPieces)

	mu := sync.Mutex{}
	assigned := map[int]int{}
	misses := 0
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pieceIndex, ok := pm.GetNextPieceToRequest(peerBitfield)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				assigned[pieceIndex]++
			} else {
				misses++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, assigned, numPieces)
	for pieceIndex, n := range assigned {
		assert.Equal(t, 1, n, "piece %d assigned more than once", pieceIndex)
	}
	assert.Equal(t, 40, misses)
}

func TestGetNextPieceToRequestSkipsOwnedAndMissing(t *testing.T) {
	pm, _, clientBitfield := newTestPeerManager(t, 4)
	clientBitfield.Set(0)
	peerBitfield := bitvector.New(4)
	peerBitfield.Set(0)
	peerBitfield.Set(2)

	pieceIndex, ok := pm.GetNextPieceToRequest(peerBitfield)
	assert.True(t, ok)
	assert.Equal(t, 2, pieceIndex)

	_, ok = pm.GetNextPieceToRequest(peerBitfield)
	assert.False(t, ok)
	// still wanted, just outstanding elsewhere
	assert.True(t, pm.WantAnyPiece(peerBitfield))

	pm.ReleasePiece(2)
	pieceIndex, ok = pm.GetNextPieceToRequest(peerBitfield)
	assert.True(t, ok)
	assert.Equal(t, 2, pieceIndex)
}

func TestOnConnectedDeduplicatesPeerIDs(t *testing.T) {
	pm, _, _ := newTestPeerManager(t, 1)
	p1 := &mockPeer{addr: "10.0.0.1:6881", id: "peer-a"}
	p2 := &mockPeer{addr: "10.0.0.2:6881", id: "peer-a"}
	self := &mockPeer{addr: "10.0.0.3:6881", id: "-BT0001-000000000000"}

	assert.True(t, pm.OnConnected(p1))
	assert.False(t, pm.OnConnected(p2))
	assert.False(t, pm.OnConnected(self))
	assert.Equal(t, []Peer{p1}, pm.GetPeerList())

	// a declined session disconnecting does not evict the admitted one
	pm.OnDisconnected(p2)
	assert.Equal(t, []Peer{p1}, pm.GetPeerList())
}

func TestOnDisconnectedReleasesWorkingPieces(t *testing.T) {
	pm, _, _ := newTestPeerManager(t, 3)
	peerBitfield := fullBitfield(3)

	p1 := &mockPeer{addr: "10.0.0.1:6881", id: "peer-a"}
	p2 := &mockPeer{addr: "10.0.0.2:6881", id: "peer-b"}
	p2.On("Nudge").Return()
	require.True(t, pm.OnConnected(p1))
	require.True(t, pm.OnConnected(p2))

	pieceIndex, ok := pm.GetNextPieceToRequest(peerBitfield)
	require.True(t, ok)
	p1.On("WorkingPieces").Return([]int{pieceIndex})

	pm.OnDisconnected(p1)
	assert.Equal(t, []Peer{p2}, pm.GetPeerList())
	p2.AssertCalled(t, "Nudge")

	again, ok := pm.GetNextPieceToRequest(peerBitfield)
	assert.True(t, ok)
	assert.Equal(t, pieceIndex, again)

	// the peer id may connect again
	assert.True(t, pm.OnConnected(&mockPeer{addr: "10.0.0.1:6882", id: "peer-a"}))
}

func TestOnFinishedPieceIsIdempotent(t *testing.T) {
	pm, s, clientBitfield := newTestPeerManager(t, 2)
	p := piece.New(1, 32, make([]byte, 20))
	s.On("WritePiece", p).Return(nil).Run(func(args mock.Arguments) {
		clientBitfield.Set(1)
	})

	p1 := &mockPeer{addr: "10.0.0.1:6881", id: "peer-a"}
	p1.On("SendHave", 1).Return()
	require.True(t, pm.OnConnected(p1))

	require.NoError(t, pm.OnFinishedPiece(p))
	require.NoError(t, pm.OnFinishedPiece(p))

	s.AssertNumberOfCalls(t, "WritePiece", 1)
	p1.AssertNumberOfCalls(t, "SendHave", 1)
	_, _, left := pm.stats.GetTrackerStats()
	assert.Equal(t, int64(32), left)

	select {
	case <-pm.Completed():
		t.Fatal("download is not complete")
	default:
	}
}

func TestOnFinishedPieceCompletesDownload(t *testing.T) {
	pm, s, clientBitfield := newTestPeerManager(t, 1)
	p := piece.New(0, 32, make([]byte, 20))
	s.On("WritePiece", p).Return(nil).Run(func(args mock.Arguments) {
		clientBitfield.Set(0)
	})

	require.NoError(t, pm.OnFinishedPiece(p))
	select {
	case <-pm.Completed():
	case <-time.After(time.Second):
		t.Fatal("download not marked complete")
	}
	assert.Equal(t, 1, pm.Progress().PiecesDone)
}

func TestStorageFailureStopsSwarm(t *testing.T) {
	pm, s, _ := newTestPeerManager(t, 1)
	p := piece.New(0, 32, make([]byte, 20))
	diskErr := errors.New("no space left on device")
	s.On("WritePiece", p).Return(diskErr)

	assert.ErrorIs(t, pm.OnFinishedPiece(p), diskErr)
	select {
	case <-pm.Done():
	case <-time.After(time.Second):
		t.Fatal("swarm not stopped")
	}
	assert.ErrorIs(t, pm.Err(), diskErr)
}

func TestStartWithoutPeers(t *testing.T) {
	pm, _, _ := newTestPeerManager(t, 1)
	assert.ErrorIs(t, pm.Start(nil), ErrNoPeers)
}

func TestBannedPeersAreNotQueued(t *testing.T) {
	pm, _, _ := newTestPeerManager(t, 1)
	pm.BanPeer(&mockPeer{addr: "10.0.0.1:6881"})

	pm.AddPotentialPeers([]string{"10.0.0.1:6882", "10.0.0.2:6881", "10.0.0.2:6881"})
	assert.Equal(t, []string{"10.0.0.2:6881"}, pm.potentialPeers)
}
