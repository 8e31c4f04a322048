package stats

import (
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

type Stats interface {
	GetTrackerStats() (uploaded int64, downloaded int64, left int64)
	GetClientRates() (uploadRate int64, downloadRate int64)
	AddUploaded(n int)
	AddDownloaded(n int)
	PieceCompleted(length int)
	Tick()
}

const (
	// number of ticks the client rates are averaged over
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *ClientStats
}

type TrackerStats struct {
	TotalUpload   int64
	TotalDownload int64
	Left          int64
}

type ClientStats struct {
	UploadRate       int64
	DownloadRate     int64
	currentUpload    int64
	currentDownload  int64
	uploadActivity   *circularbuffer.Queue
	downloadActivity *circularbuffer.Queue
}

func NewStats(
	uploaded int64, downloaded int64, left int64) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &ClientStats{
			uploadActivity:   circularbuffer.New(PONDERATION_TIME),
			downloadActivity: circularbuffer.New(PONDERATION_TIME),
		},
	}
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) GetClientRates() (int64, int64) {
	s.Lock()
	defer s.Unlock()

	return s.clientStats.UploadRate, s.clientStats.DownloadRate
}

func (s *stats) AddUploaded(n int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.TotalUpload += int64(n)
	s.clientStats.currentUpload += int64(n)
}

func (s *stats) AddDownloaded(n int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.TotalDownload += int64(n)
	s.clientStats.currentDownload += int64(n)
}

func (s *stats) PieceCompleted(length int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.Left -= int64(length)
}

// rate averages the last PONDERATION_TIME intervals, missing ones count as 0.
func rate(activity *circularbuffer.Queue) int64 {
	acc := int64(0)
	it := activity.Iterator()
	for it.Next() {
		acc += it.Value().(int64)
	}
	return acc / PONDERATION_TIME
}

// Tick closes the current interval and recomputes the averaged rates, in
// bytes per interval.
func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	cs := s.clientStats
	// a full buffer drops its oldest interval
	cs.uploadActivity.Enqueue(cs.currentUpload)
	cs.downloadActivity.Enqueue(cs.currentDownload)
	cs.UploadRate = rate(cs.uploadActivity)
	cs.DownloadRate = rate(cs.downloadActivity)
	cs.currentUpload = 0
	cs.currentDownload = 0
}
