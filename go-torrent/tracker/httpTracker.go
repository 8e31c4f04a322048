package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

var eventNames = map[int]string{
	COMPLETED: "completed",
	STARTED:   "started",
	STOPPED:   "stopped",
}

type httpTracker struct {
	url *url.URL
}

func newHTTPTracker(u *url.URL) Tracker {
	return &httpTracker{url: u}
}

func (tr *httpTracker) URL() string {
	return tr.url.String()
}

func (tr *httpTracker) announceURL(req *Request) string {
	u := *tr.url
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash))
	q.Set("peer_id", string(req.PeerID))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("key", strconv.Itoa(int(req.Key)))
	q.Set("numwant", strconv.Itoa(int(req.NumWant)))
	q.Set("compact", "1")
	if event, ok := eventNames[req.Event]; ok {
		q.Set("event", event)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (tr *httpTracker) Announce(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.announceURL(req), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrTrackerFailure, resp.StatusCode)
	}

	decoded, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return parseHTTPResponse(decoded)
}

func parseHTTPResponse(decoded interface{}) (*Response, error) {
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformedResponse)
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, reason)
	}

	resp := &Response{Interval: DEFAULT_INTERVAL}
	if interval, ok := dict["interval"].(int64); ok && interval > 0 {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if complete, ok := dict["complete"].(int64); ok {
		resp.Seeders = int32(complete)
	}
	if incomplete, ok := dict["incomplete"].(int64); ok {
		resp.Leechers = int32(incomplete)
	}

	switch peers := dict["peers"].(type) {
	case string:
		// Compact peer list
		addrs, err := compactPeers([]byte(peers))
		if err != nil {
			return nil, err
		}
		resp.Peers = addrs
	case []interface{}:
		for _, p := range peers {
			peerDict, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := peerDict["ip"].(string)
			port, _ := peerDict["port"].(int64)
			parsed := net.ParseIP(ip)
			if parsed == nil || port <= 0 || port > 65535 {
				continue
			}
			resp.Peers = append(resp.Peers, PeerAddress{IP: parsed, Port: uint16(port)})
		}
	}
	return resp, nil
}
