package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Charana123/boost-torrent/go-torrent/download"
	"github.com/Charana123/boost-torrent/go-torrent/peer"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Progress() download.Progress {
	args := m.Called()
	return args.Get(0).(download.Progress)
}

func testProgress() download.Progress {
	return download.Progress{
		Progress: peer.Progress{
			Uploaded:     2048,
			Downloaded:   1500000,
			Left:         500000,
			UploadRate:   1000,
			DownloadRate: 250000,
			Peers:        7,
			PiecesDone:   3,
			NumPieces:    4,
		},
		Name:     "ubuntu.iso",
		Length:   2000000,
		Seeders:  12,
		Leechers: 5,
	}
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatus(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Progress").Return(testProgress())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	NewRouter(provider).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ubuntu.iso", status.Name)
	assert.Equal(t, "2.0 MB", status.Size)
	assert.Equal(t, 75.0, status.Percent)
	assert.Equal(t, 7, status.Peers)
	assert.Equal(t, int32(12), status.Seeders)
	assert.Equal(t, "1.5 MB", status.Downloaded)
	assert.Equal(t, "250 kB/s", status.DownloadRate)
	assert.Equal(t, "1.0 kB/s", status.UploadRate)
	assert.False(t, status.Complete)
	provider.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	NewRouter(&mockProvider{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusAllowsCrossOrigin(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Progress").Return(testProgress())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	NewRouter(provider).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusServer(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Progress").Return(testProgress())

	sv := NewStatusServer("127.0.0.1:0", provider)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/status", sv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 3, status.PiecesDone)
}
