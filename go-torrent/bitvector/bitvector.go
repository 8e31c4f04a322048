package bitvector

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrIndexOutOfRange = errors.New("bitvector: index out of range")
	ErrSizeMismatch    = errors.New("bitvector: size does not match number of bytes")
)

// Bitvector is a fixed size bit array. Bit 0 is the most significant bit of
// the first byte, which is the layout of a BITFIELD message on the wire.
// All operations are safe for concurrent use.
type Bitvector struct {
	sync.RWMutex
	size  int
	bytes []byte
}

func numBytes(size int) int {
	return size/8 + map[bool]int{
		true:  0,
		false: 1,
	}[size%8 == 0]
}

// New creates an empty bitvector of size bits.
func New(size int) *Bitvector {
	return &Bitvector{
		size:  size,
		bytes: make([]byte, numBytes(size)),
	}
}

// NewFromBytes wraps an existing bitmap. The bitvector takes ownership of b.
func NewFromBytes(size int, b []byte) (*Bitvector, error) {
	if len(b) != numBytes(size) {
		return nil, fmt.Errorf("%w: size %d, %d bytes", ErrSizeMismatch, size, len(b))
	}
	return &Bitvector{
		size:  size,
		bytes: b,
	}, nil
}

func (bv *Bitvector) Size() int {
	return bv.size
}

func (bv *Bitvector) check(i int) error {
	if i < 0 || i >= bv.size {
		return fmt.Errorf("%w: bit %d, size %d", ErrIndexOutOfRange, i, bv.size)
	}
	return nil
}

func (bv *Bitvector) Set(i int) error {
	if err := bv.check(i); err != nil {
		return err
	}
	bv.Lock()
	defer bv.Unlock()

	bv.bytes[i/8] |= 1 << (7 - uint(i%8))
	return nil
}

func (bv *Bitvector) Clear(i int) error {
	if err := bv.check(i); err != nil {
		return err
	}
	bv.Lock()
	defer bv.Unlock()

	bv.bytes[i/8] &^= 1 << (7 - uint(i%8))
	return nil
}

// IsSet reports whether bit i is set. Bits outside the vector are never set.
func (bv *Bitvector) IsSet(i int) bool {
	if bv.check(i) != nil {
		return false
	}
	bv.RLock()
	defer bv.RUnlock()

	return bv.fastIsSet(i)
}

// fastIsSet skips bounds checking and locking, the caller holds the lock.
func (bv *Bitvector) fastIsSet(i int) bool {
	return bv.bytes[i/8]&(1<<(7-uint(i%8))) != 0
}

func (bv *Bitvector) IsComplete() bool {
	bv.RLock()
	defer bv.RUnlock()

	fullBytes := bv.size / 8
	for i := 0; i < fullBytes; i++ {
		if bv.bytes[i] != 0xff {
			return false
		}
	}
	for i := fullBytes * 8; i < bv.size; i++ {
		if !bv.fastIsSet(i) {
			return false
		}
	}
	return true
}

func (bv *Bitvector) IsEmpty() bool {
	bv.RLock()
	defer bv.RUnlock()

	for _, b := range bv.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (bv *Bitvector) Count() int {
	bv.RLock()
	defer bv.RUnlock()

	count := 0
	for i := 0; i < bv.size; i++ {
		if bv.fastIsSet(i) {
			count++
		}
	}
	return count
}

// Bytes returns the live backing buffer. It must not be modified and is not
// protected against concurrent Set/Clear, use Snapshot for a stable copy.
func (bv *Bitvector) Bytes() []byte {
	return bv.bytes
}

// Snapshot returns a copy of the backing buffer taken under the lock.
func (bv *Bitvector) Snapshot() []byte {
	bv.RLock()
	defer bv.RUnlock()

	b := make([]byte, len(bv.bytes))
	copy(b, bv.bytes)
	return b
}
