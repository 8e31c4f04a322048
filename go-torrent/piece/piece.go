package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
)

var (
	BLOCK_LENGTH = 16384 // 2^14
)

// Piece is the assembly buffer of a piece being requested from a peer.
type Piece struct {
	sync.Mutex
	Index          int
	Length         int
	hash           []byte
	data           []byte
	receivedBlocks *bitvector.Bitvector
	count          int
}

func numBlocks(length int) int {
	n := length / BLOCK_LENGTH
	if length%BLOCK_LENGTH != 0 {
		n++
	}
	return n
}

func New(index, length int, hash []byte) *Piece {
	return &Piece{
		Index:          index,
		Length:         length,
		hash:           hash,
		data:           make([]byte, length),
		receivedBlocks: bitvector.New(numBlocks(length)),
	}
}

// OnReceivedBlock marks the block starting at begin as received.
func (p *Piece) OnReceivedBlock(begin int) error {
	p.Lock()
	defer p.Unlock()

	return p.onReceivedBlock(begin)
}

func (p *Piece) onReceivedBlock(begin int) error {
	blockIndex := begin / BLOCK_LENGTH
	if p.receivedBlocks.IsSet(blockIndex) {
		return nil
	}
	if err := p.receivedBlocks.Set(blockIndex); err != nil {
		return err
	}
	p.count++
	return nil
}

// WriteBlock copies a block received from a peer into the piece.
func (p *Piece) WriteBlock(begin int, block []byte) error {
	if begin < 0 || begin%BLOCK_LENGTH != 0 || begin+len(block) > p.Length {
		return fmt.Errorf("block at offset %d of length %d outside piece %d of length %d",
			begin, len(block), p.Index, p.Length)
	}
	if len(block) != p.BlockLength(begin) {
		return fmt.Errorf("block at offset %d of piece %d has length %d, expected %d",
			begin, p.Index, len(block), p.BlockLength(begin))
	}

	p.Lock()
	defer p.Unlock()

	copy(p.data[begin:], block)
	return p.onReceivedBlock(begin)
}

// BlockLength returns the length of the block at begin. Only the last block
// of a piece can be shorter than BLOCK_LENGTH.
func (p *Piece) BlockLength(begin int) int {
	if p.Length-begin < BLOCK_LENGTH {
		return p.Length - begin
	}
	return BLOCK_LENGTH
}

func (p *Piece) NumBlocks() int {
	return p.receivedBlocks.Size()
}

func (p *Piece) NumReceivedBlocks() int {
	p.Lock()
	defer p.Unlock()

	return p.count
}

func (p *Piece) ReceivedAllBlocks() bool {
	return p.receivedBlocks.IsComplete()
}

func (p *Piece) IsBlockReceived(begin int) bool {
	return p.receivedBlocks.IsSet(begin / BLOCK_LENGTH)
}

// CheckHash compares the SHA-1 of the piece content to the expected hash.
func (p *Piece) CheckHash() bool {
	p.Lock()
	defer p.Unlock()

	checksum := sha1.Sum(p.data)
	return bytes.Equal(checksum[:], p.hash)
}

// Bytes returns the piece content.
func (p *Piece) Bytes() []byte {
	return p.data
}
