package peer

import (
	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/storage"
	"github.com/Charana123/boost-torrent/go-torrent/wire"
	"github.com/stretchr/testify/mock"
)

type mockWire struct {
	wire.Wire
	mock.Mock
}

func (m *mockWire) SendInterested() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWire) SendUnInterested() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWire) SendRequest(pieceIndex, begin, length int) error {
	args := m.Called(pieceIndex, begin, length)
	return args.Error(0)
}

func (m *mockWire) SendHave(pieceIndex int) error {
	args := m.Called(pieceIndex)
	return args.Error(0)
}

func (m *mockWire) SendChoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWire) SendUnchoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockWire) Close() error {
	return nil
}

type mockPeerManager struct {
	PeerManager
	mock.Mock
}

func (m *mockPeerManager) GetNextPieceToRequest(peerBitfield *bitvector.Bitvector) (int, bool) {
	args := m.Called(peerBitfield)
	return args.Int(0), args.Bool(1)
}

func (m *mockPeerManager) WantAnyPiece(peerBitfield *bitvector.Bitvector) bool {
	args := m.Called(peerBitfield)
	return args.Bool(0)
}

func (m *mockPeerManager) HavePiece(pieceIndex int) bool {
	args := m.Called(pieceIndex)
	return args.Bool(0)
}

func (m *mockPeerManager) OnFinishedPiece(p *piece.Piece) error {
	args := m.Called(p)
	return args.Error(0)
}

func (m *mockPeerManager) BanPeer(peer Peer) {
	m.Called(peer)
}

func (m *mockPeerManager) GotRequest(pieceIndex, begin, length int, peer Peer) {
	m.Called(pieceIndex, begin, length, peer)
}

func (m *mockPeerManager) GotCancel(pieceIndex, begin, length int, peer Peer) {
	m.Called(pieceIndex, begin, length, peer)
}

func (m *mockPeerManager) IncrementDownloaded(n int) {}

func (m *mockPeerManager) IncrementUploaded(n int) {}

func (m *mockPeerManager) GetPeerList() []Peer {
	args := m.Called()
	return args.Get(0).([]Peer)
}

type mockPeer struct {
	Peer
	mock.Mock
	addr string
	id   string
}

func (m *mockPeer) Addr() string {
	return m.addr
}

func (m *mockPeer) PeerID() string {
	return m.id
}

func (m *mockPeer) SendHave(pieceIndex int) {
	m.Called(pieceIndex)
}

func (m *mockPeer) WorkingPieces() []int {
	args := m.Called()
	return args.Get(0).([]int)
}

func (m *mockPeer) Nudge() {
	m.Called()
}

func (m *mockPeer) SendBlock(pieceIndex, begin int, block []byte) error {
	args := m.Called(pieceIndex, begin, block)
	return args.Error(0)
}

func (m *mockPeer) SendChoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockPeer) SendUnchoke() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockPeer) GetPeerInfo() PeerInfo {
	args := m.Called()
	return args.Get(0).(PeerInfo)
}

func (m *mockPeer) ResetStats() {
	m.Called()
}

func (m *mockPeer) Stop(err error) {
	m.Called(err)
}

type mockFulfiller struct {
	Fulfiller
	mock.Mock
}

func (m *mockFulfiller) OnUnchoke(peer Peer) {
	m.Called(peer)
}

func (m *mockFulfiller) OnChoke(peer Peer) {
	m.Called(peer)
}

type mockStorage struct {
	storage.Storage
	mock.Mock
}

func (m *mockStorage) Bitfield() *bitvector.Bitvector {
	args := m.Called()
	return args.Get(0).(*bitvector.Bitvector)
}

func (m *mockStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	args := m.Called(pieceIndex, begin, length)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockStorage) WritePiece(p *piece.Piece) error {
	args := m.Called(p)
	return args.Error(0)
}
