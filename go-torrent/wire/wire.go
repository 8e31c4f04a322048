package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	PIECE          = 7
	CANCEL         = 8
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 68
	// MaxMessageLength bounds a single frame, large enough for a 16 KiB block
	// and for the bitfield of any realistic torrent.
	MaxMessageLength = 1 << 21
)

var (
	ErrProtocol  = errors.New("wire: protocol violation")
	ErrHandshake = errors.New("wire: bad handshake")
)

var messageNames = map[byte]string{
	CHOKE:          "CHOKE",
	UNCHOKE:        "UNCHOKE",
	INTERESTED:     "INTERESTED",
	NOT_INTERESTED: "NOT_INTERESTED",
	HAVE:           "HAVE",
	BITFIELD:       "BITFIELD",
	REQUEST:        "REQUEST",
	PIECE:          "PIECE",
	CANCEL:         "CANCEL",
}

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(infoHash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close() error
}

type wire struct {
	sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// Validate checks the protocol identifier and that the remote serves infoHash.
func (h *Handshake) Validate(infoHash []byte) error {
	if h.Len != uint8(len(PROTOCOL)) {
		return fmt.Errorf("%w: pstrlen %d", ErrHandshake, h.Len)
	}
	if string(h.Protocol[:]) != PROTOCOL {
		return fmt.Errorf("%w: protocol %q", ErrHandshake, string(h.Protocol[:]))
	}
	if !bytes.Equal(h.InfoHash[:], infoHash) {
		return fmt.Errorf("%w: info hash %x", ErrHandshake, h.InfoHash)
	}
	return nil
}

type Message struct {
	ID      byte
	Payload []byte
}

func (m *Message) String() string {
	if name, ok := messageNames[m.ID]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", m.ID)
}

func (w *wire) GetLastMessageSent() time.Time {
	w.Lock()
	defer w.Unlock()

	return w.lastMessageSent
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) SendHandshake(infoHash []byte, peerID []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return nil, err
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

// ReadMessage reads one frame. A keep-alive is returned as a nil message.
func (w *wire) ReadMessage() (*Message, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length < 0 || length > MaxMessageLength {
		return nil, fmt.Errorf("%w: message length %d", ErrProtocol, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(w.conn, frame); err != nil {
		return nil, err
	}
	msg := &Message{
		ID:      frame[0],
		Payload: frame[1:],
	}
	if err := checkPayload(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func checkPayload(msg *Message) error {
	var ok bool
	switch msg.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		ok = len(msg.Payload) == 0
	case HAVE:
		ok = len(msg.Payload) == 4
	case BITFIELD:
		ok = true
	case REQUEST, CANCEL:
		ok = len(msg.Payload) == 12
	case PIECE:
		ok = len(msg.Payload) >= 8
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocol, msg.ID)
	}
	if !ok {
		return fmt.Errorf("%w: %s with payload of %d bytes", ErrProtocol, msg, len(msg.Payload))
	}
	return nil
}

func ParseHave(msg *Message) (pieceIndex int) {
	return int(binary.BigEndian.Uint32(msg.Payload))
}

// ParseRequest decodes the payload of a REQUEST or CANCEL.
func ParseRequest(msg *Message) (pieceIndex, begin, length int) {
	pieceIndex = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return
}

func ParsePiece(msg *Message) (pieceIndex, begin int, block []byte) {
	pieceIndex = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendSimple(id uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendSimple(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendSimple(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendSimple(INTERESTED)
}

func (w *wire) SendUnInterested() error {
	return w.sendSimple(NOT_INTERESTED)
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendRequest(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendRequest(CANCEL, pieceIndex, begin, length)
}

func (w *wire) sendRequest(id uint8, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(PIECE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

// sendMessage writes a whole frame under the connection write lock so that
// frames from concurrent senders never interleave.
func (w *wire) sendMessage(msg []byte) error {
	w.Lock()
	defer w.Unlock()

	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	return err
}
