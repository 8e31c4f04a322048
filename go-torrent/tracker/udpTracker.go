package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	UDP_PROTOCOL_ID = 0x41727101980 // magic constant
	UDP_CONNECT     = 0
	UDP_ANNOUNCE    = 1
	UDP_ERROR       = 3
)

var UDP_TIMEOUT = 15 * time.Second

var dialUDP = func(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "udp", address)
}

// BEP 0015 - UDP Tracker Protocol for BitTorrent
type udpTracker struct {
	url *url.URL
}

func newUDPTracker(u *url.URL) Tracker {
	return &udpTracker{url: u}
}

func (tr *udpTracker) URL() string {
	return tr.url.String()
}

func (tr *udpTracker) Announce(ctx context.Context, req *Request) (*Response, error) {
	trackerConn, err := dialUDP(ctx, tr.url.Host)
	if err != nil {
		return nil, err
	}
	defer trackerConn.Close()

	deadline := time.Now().Add(UDP_TIMEOUT)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	trackerConn.SetDeadline(deadline)

	connectionID, err := connectUDP(trackerConn)
	if err != nil {
		return nil, err
	}
	return announceUDP(trackerConn, connectionID, req)
}

// roundTrip sends a request and reads the response of the same
// transaction, failing on tracker errors.
func roundTrip(trackerConn net.Conn, request []byte, action, transactionID int32) (*bytes.Reader, error) {
	if _, err := trackerConn.Write(request); err != nil {
		return nil, err
	}
	data := make([]byte, 2048)
	n, err := trackerConn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrMalformedResponse, n)
	}
	response := bytes.NewReader(data[:n])

	var actionResp, transactionIDResp int32
	binary.Read(response, binary.BigEndian, &actionResp)
	binary.Read(response, binary.BigEndian, &transactionIDResp)
	if transactionIDResp != transactionID {
		return nil, fmt.Errorf("%w: transactionID doesn't match", ErrMalformedResponse)
	}
	if actionResp == UDP_ERROR {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, string(data[8:n]))
	}
	if actionResp != action {
		return nil, fmt.Errorf("%w: action %d, expected %d", ErrMalformedResponse, actionResp, action)
	}
	return response, nil
}

func connectUDP(trackerConn net.Conn) (int64, error) {

	// Connection Request
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(UDP_PROTOCOL_ID))
	binary.Write(connectRequest, binary.BigEndian, int32(UDP_CONNECT))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	response, err := roundTrip(trackerConn, connectRequest.Bytes(), UDP_CONNECT, transactionID)
	if err != nil {
		return 0, err
	}
	var connectionID int64
	if err := binary.Read(response, binary.BigEndian, &connectionID); err != nil {
		return 0, fmt.Errorf("%w: connect response: %v", ErrMalformedResponse, err)
	}
	return connectionID, nil
}

func announceUDP(trackerConn net.Conn, connectionID int64, req *Request) (*Response, error) {

	// Announce Request
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(UDP_ANNOUNCE))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, req.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, req.PeerID)
	binary.Write(announceRequest, binary.BigEndian, req.Downloaded)
	binary.Write(announceRequest, binary.BigEndian, req.Left)
	binary.Write(announceRequest, binary.BigEndian, req.Uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(req.Event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // default IP address
	binary.Write(announceRequest, binary.BigEndian, req.Key)
	binary.Write(announceRequest, binary.BigEndian, req.NumWant)
	binary.Write(announceRequest, binary.BigEndian, req.Port)

	response, err := roundTrip(trackerConn, announceRequest.Bytes(), UDP_ANNOUNCE, transactionID)
	if err != nil {
		return nil, err
	}
	var interval, leechers, seeders int32
	binary.Read(response, binary.BigEndian, &interval)
	binary.Read(response, binary.BigEndian, &leechers)
	if err := binary.Read(response, binary.BigEndian, &seeders); err != nil {
		return nil, fmt.Errorf("%w: announce response: %v", ErrMalformedResponse, err)
	}

	peerAddrs := make([]byte, response.Len())
	response.Read(peerAddrs)
	peers, err := compactPeers(peerAddrs)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: leechers,
		Seeders:  seeders,
		Peers:    peers,
	}
	if resp.Interval <= 0 {
		resp.Interval = DEFAULT_INTERVAL
	}
	return resp, nil
}
