package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

type Server interface {
	Serve()
	Stop()
	GetServerPort() int
}

// ConnHandler takes ownership of accepted connections.
type ConnHandler interface {
	AddConn(conn net.Conn)
}

type server struct {
	port     int
	listener net.Listener
	handler  ConnHandler
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	listen = net.Listen
)

var log = logrus.WithField("component", "server")

// NewServer listens on port for incoming peer connections, any free port
// if port is 0.
func NewServer(
	handler ConnHandler,
	port int) (Server, error) {

	listener, err := listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	sv := &server{
		handler:  handler,
		listener: listener,
		quit:     make(chan struct{}),
	}
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	log.WithField("port", sv.port).Info("listening for peers")
	return sv, nil
}

func (sv *server) Serve() {
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Debug("safely terminating peer listener")
					return
				default:
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				log.WithError(err).Error("terminating peer listener")
				return
			}
			log.WithField("peer", conn.RemoteAddr().String()).Debug("accepted connection")
			sv.handler.AddConn(conn)
		}
	}()
}

func (sv *server) Stop() {
	sv.stopOnce.Do(func() {
		close(sv.quit)
		sv.listener.Close()
	})
	sv.wg.Wait()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
