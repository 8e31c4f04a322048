package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

const (
	NUMWANT          = 50
	DEFAULT_INTERVAL = 30 * time.Minute
)

var (
	ErrUnsupportedScheme = errors.New("tracker: unsupported url scheme")
	ErrTrackerFailure    = errors.New("tracker: announce failed")
	ErrMalformedResponse = errors.New("tracker: malformed response")
)

var log = logrus.WithField("component", "tracker")

type Request struct {
	InfoHash   []byte
	PeerID     []byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      int
	NumWant    int32
	Key        int32
}

type Response struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []PeerAddress
}

type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Addresses returns the peers as host:port strings.
func (r *Response) Addresses() []string {
	addrs := make([]string, 0, len(r.Peers))
	for _, p := range r.Peers {
		addrs = append(addrs, p.String())
	}
	return addrs
}

type Tracker interface {
	Announce(ctx context.Context, req *Request) (*Response, error)
	URL() string
}

func NewTracker(trackerURL string) (Tracker, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTracker(u), nil
	case "udp":
		return newUDPTracker(u), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, trackerURL)
}

func GenKey() int32 {
	return rand.New(rand.NewSource(time.Now().UnixNano())).Int31()
}

// compactPeers decodes 6-byte IPv4 address/port entries.
func compactPeers(b []byte) ([]PeerAddress, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers of %d bytes", ErrMalformedResponse, len(b))
	}
	peers := make([]PeerAddress, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		peers = append(peers, PeerAddress{
			IP:   net.IPv4(b[i], b[i+1], b[i+2], b[i+3]),
			Port: uint16(b[i+4])<<8 | uint16(b[i+5]),
		})
	}
	return peers, nil
}

// Announcer announces to the tiers of an announce list. Within a tier the
// trackers are tried in order and the one answering moves to the front.
type Announcer interface {
	Announce(ctx context.Context, req *Request) (*Response, error)
}

type announcer struct {
	sync.Mutex
	tiers [][]string
}

func NewAnnouncer(tiers [][]string) Announcer {
	copied := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		t := append([]string{}, tier...)
		rand.Shuffle(len(t), func(i, j int) {
			t[i], t[j] = t[j], t[i]
		})
		copied = append(copied, t)
	}
	return &announcer{tiers: copied}
}

func (a *announcer) Announce(ctx context.Context, req *Request) (*Response, error) {
	a.Lock()
	defer a.Unlock()

	lastErr := fmt.Errorf("%w: no trackers", ErrTrackerFailure)
	for _, tier := range a.tiers {
		for i, trackerURL := range tier {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			tr, err := NewTracker(trackerURL)
			if err != nil {
				lastErr = err
				continue
			}
			resp, err := tr.Announce(ctx, req)
			if err != nil {
				log.WithFields(logrus.Fields{
					"tracker": tr.URL(),
					"error":   err,
				}).Warn("announce failed")
				lastErr = err
				continue
			}
			// Move to the front of its tier
			copy(tier[1:i+1], tier[:i])
			tier[0] = trackerURL
			log.WithFields(logrus.Fields{
				"tracker":  tr.URL(),
				"peers":    len(resp.Peers),
				"interval": resp.Interval,
			}).Debug("announced")
			return resp, nil
		}
	}
	return nil, lastErr
}
