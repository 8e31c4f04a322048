package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Charana123/boost-torrent/go-torrent/download"
	humanize "github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

var log = logrus.WithField("component", "status")

// ProgressProvider is satisfied by download.Download.
type ProgressProvider interface {
	Progress() download.Progress
}

type Status struct {
	Name         string  `json:"name"`
	Size         string  `json:"size"`
	Complete     bool    `json:"complete"`
	Percent      float64 `json:"percent"`
	PiecesDone   int     `json:"pieces_done"`
	NumPieces    int     `json:"num_pieces"`
	Peers        int     `json:"peers"`
	Seeders      int32   `json:"seeders"`
	Leechers     int32   `json:"leechers"`
	Uploaded     string  `json:"uploaded"`
	Downloaded   string  `json:"downloaded"`
	Left         string  `json:"left"`
	UploadRate   string  `json:"upload_rate"`
	DownloadRate string  `json:"download_rate"`
}

func NewStatus(p download.Progress) Status {
	percent := 100.0
	if p.NumPieces > 0 {
		percent = float64(p.PiecesDone) * 100 / float64(p.NumPieces)
	}
	return Status{
		Name:         p.Name,
		Size:         humanize.Bytes(uint64(p.Length)),
		Complete:     p.Complete,
		Percent:      percent,
		PiecesDone:   p.PiecesDone,
		NumPieces:    p.NumPieces,
		Peers:        p.Peers,
		Seeders:      p.Seeders,
		Leechers:     p.Leechers,
		Uploaded:     humanize.Bytes(uint64(p.Uploaded)),
		Downloaded:   humanize.Bytes(uint64(p.Downloaded)),
		Left:         humanize.Bytes(uint64(p.Left)),
		UploadRate:   humanize.Bytes(uint64(p.UploadRate)) + "/s",
		DownloadRate: humanize.Bytes(uint64(p.DownloadRate)) + "/s",
	}
}

// NewRouter serves the read-only status endpoints.
func NewRouter(provider ProgressProvider) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, NewStatus(provider.Progress()))
	})
	return router
}

type StatusServer interface {
	Start() error
	Stop()
	Addr() string
}

type statusServer struct {
	addr     string
	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewStatusServer(addr string, provider ProgressProvider) StatusServer {
	return &statusServer{
		addr: addr,
		srv: &http.Server{
			Handler:           NewRouter(provider),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *statusServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	log.WithField("addr", s.Addr()).Info("serving status")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("status server stopped")
		}
	}()
	return nil
}

func (s *statusServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *statusServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("status server shutdown")
		}
		s.wg.Wait()
	})
}
