package torrent

import (
	"crypto/sha1"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiFileInfo = "d5:filesld6:lengthi7e4:pathl5:file1eed6:lengthi78e4:pathl4:dir15:file2eee" +
	"4:name9:multiFile12:piece lengthi50e6:pieces40:0123456789012345678901234567890123456789e"

const multiFileTorrent = "d8:announce35:https://torrent.ubuntu.com/announce13:announce-list" +
	"ll35:https://torrent.ubuntu.com/announceel40:https://ipv6.torrent.ubuntu.com/announceee" +
	"7:comment29:Ubuntu CD releases.ubuntu.com13:creation datei1571322740e4:info" + multiFileInfo + "e"

func TestNewTorrentMultiFile(t *testing.T) {
	tor, err := NewTorrent(strings.NewReader(multiFileTorrent))
	require.NoError(t, err)

	infoHash := sha1.Sum([]byte(multiFileInfo))
	assert.Equal(t, infoHash[:], tor.InfoHash)
	assert.Equal(t, 50, tor.PieceLength)
	assert.Equal(t, 2, tor.NumPieces)
	assert.Equal(t, int64(85), tor.Length)
	assert.Equal(t, 35, tor.LastPieceLength())
	assert.Equal(t, 50, tor.PieceSize(0))
	assert.Equal(t, 35, tor.PieceSize(1))
	assert.Equal(t, []byte("01234567890123456789"), tor.PieceHash(0))
	assert.Equal(t, []File{
		{Path: filepath.Join("multiFile", "file1"), Length: 7},
		{Path: filepath.Join("multiFile", "dir1", "file2"), Length: 78},
	}, tor.Files)
	assert.Equal(t, [][]string{
		{"https://torrent.ubuntu.com/announce"},
		{"https://ipv6.torrent.ubuntu.com/announce"},
	}, tor.AnnounceURLs())
}

func TestNewTorrentSingleFile(t *testing.T) {
	info := "d6:lengthi20e4:name4:file12:piece lengthi16e6:pieces40:0123456789012345678901234567890123456789e"
	tor, err := NewTorrent(strings.NewReader("d8:announce14:http://x/annou4:info" + info + "e"))
	require.NoError(t, err)

	assert.Equal(t, []File{{Path: "file", Length: 20}}, tor.Files)
	assert.Equal(t, 4, tor.LastPieceLength())
	assert.Equal(t, [][]string{{"http://x/annou"}}, tor.AnnounceURLs())
}

func TestNewTorrentMalformed(t *testing.T) {
	_, err := NewTorrent(strings.NewReader("d8:announce3:fooe"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = New(make([]byte, 20), 50, [][]byte{make([]byte, 20)}, []File{{Path: "a", Length: 85}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGeneratePeerID(t *testing.T) {
	id, err := GeneratePeerID()
	require.NoError(t, err)
	assert.Len(t, id, 20)
	assert.True(t, strings.HasPrefix(string(id), PEER_ID_PREFIX))
}

func TestNewTorrentRejectsEscapingPaths(t *testing.T) {
	pieces := "6:pieces20:01234567890123456789"
	for name, info := range map[string]string{
		"parent in file path":   "d5:filesld6:lengthi7e4:pathl2:..2:..11:escaped.txteee4:name4:root12:piece lengthi16e" + pieces + "e",
		"separator in element":  "d5:filesld6:lengthi7e4:pathl9:../passwdeee4:name4:root12:piece lengthi16e" + pieces + "e",
		"empty file path":       "d5:filesld6:lengthi7e4:pathleee4:name4:root12:piece lengthi16e" + pieces + "e",
		"parent as single name": "d6:lengthi7e4:name2:..12:piece lengthi16e" + pieces + "e",
		"absolute single name":  "d6:lengthi7e4:name11:/etc/passwd12:piece lengthi16e" + pieces + "e",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewTorrent(strings.NewReader("d4:info" + info + "e"))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNewRejectsEscapingPaths(t *testing.T) {
	hashes := [][]byte{make([]byte, 20)}
	for _, path := range []string{"", "../escaped.txt", "a/../../b", "/etc/passwd", filepath.Join("..", "x")} {
		_, err := New(make([]byte, 20), 16, hashes, []File{{Path: path, Length: 7}})
		assert.ErrorIs(t, err, ErrMalformed, path)
	}

	tor, err := New(make([]byte, 20), 16, hashes, []File{{Path: filepath.Join("root", "..a", "b.."), Length: 7}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), tor.Length)
}
