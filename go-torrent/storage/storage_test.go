package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func useMemFS() {
	appFS = afero.NewMemMapFs()
	openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
		return appFS.OpenFile(name, flag, perm)
	}
}

// multiFile/file1 (7 bytes), multiFile/dir1/file2 (78 bytes), pieces of 50 bytes
func multiFileTorrent(t *testing.T, hashes [][]byte) *torrent.Torrent {
	if hashes == nil {
		hashes = [][]byte{make([]byte, 20), make([]byte, 20)}
	}
	tor, err := torrent.New(make([]byte, 20), 50, hashes, []torrent.File{
		{Path: filepath.Join("multiFile", "file1"), Length: 7},
		{Path: filepath.Join("multiFile", "dir1", "file2"), Length: 78},
	})
	require.NoError(t, err)
	return tor
}

func filled(index, length int, b byte) *piece.Piece {
	p := piece.New(index, length, nil)
	for i := range p.Bytes() {
		p.Bytes()[i] = b
	}
	return p
}

func TestCreateFiles(t *testing.T) {
	useMemFS()
	s := NewRandomAccessStorage(multiFileTorrent(t, nil), "root")
	require.NoError(t, s.CreateFiles())

	info, err := appFS.Stat(filepath.Join("root", "multiFile", "file1"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size())
	info, err = appFS.Stat(filepath.Join("root", "multiFile", "dir1", "file2"))
	require.NoError(t, err)
	assert.Equal(t, int64(78), info.Size())
	assert.True(t, s.Bitfield().IsEmpty())
	assert.Equal(t, int64(85), s.Left())
}

func TestWritePieceMultipleFiles(t *testing.T) {
	useMemFS()
	s := NewRandomAccessStorage(multiFileTorrent(t, nil), "root")
	require.NoError(t, s.CreateFiles())

	require.NoError(t, s.WritePiece(filled(0, 50, 9)))
	block1, err := s.ReadBlock(0, 0, 25)
	require.NoError(t, err)
	block2, err := s.ReadBlock(0, 25, 25)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{9}, 25), block1)
	assert.Equal(t, bytes.Repeat([]byte{9}, 25), block2)

	require.NoError(t, s.WritePiece(filled(1, 35, 7)))
	block3, err := s.ReadBlock(1, 0, 25)
	require.NoError(t, err)
	block4, err := s.ReadBlock(1, 25, 10)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 25), block3)
	assert.Equal(t, bytes.Repeat([]byte{7}, 10), block4)

	// the first file holds the first 7 bytes of piece 0
	f1, err := afero.ReadFile(appFS, filepath.Join("root", "multiFile", "file1"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{9}, 7), f1)

	assert.True(t, s.Bitfield().IsComplete())
	assert.Equal(t, int64(0), s.Left())
}

func TestReadPastEnd(t *testing.T) {
	useMemFS()
	s := NewRandomAccessStorage(multiFileTorrent(t, nil), "root")
	require.NoError(t, s.CreateFiles())

	_, err := s.ReadBlock(1, 25, 11)
	assert.ErrorIs(t, err, ErrShortIO)
	err = s.WritePiece(filled(1, 50, 1))
	assert.ErrorIs(t, err, ErrShortIO)
}

func TestVerifyExisting(t *testing.T) {
	useMemFS()
	content := make([]byte, 85)
	for i := range content {
		content[i] = byte(i)
	}
	h0 := sha1.Sum(content[:50])
	h1 := sha1.Sum(content[50:])
	tor := multiFileTorrent(t, [][]byte{h0[:], h1[:]})

	require.NoError(t, appFS.MkdirAll(filepath.Join("root", "multiFile", "dir1"), 0755))
	require.NoError(t, afero.WriteFile(appFS, filepath.Join("root", "multiFile", "file1"), content[:7], 0644))
	// corrupt the last byte of the second piece
	f2 := append([]byte{}, content[7:]...)
	f2[len(f2)-1] ^= 0xff
	require.NoError(t, afero.WriteFile(appFS, filepath.Join("root", "multiFile", "dir1", "file2"), f2, 0644))

	s := NewRandomAccessStorage(tor, "root")
	require.NoError(t, s.CreateFiles())
	assert.True(t, s.Bitfield().IsSet(0))
	assert.False(t, s.Bitfield().IsSet(1))
	assert.Equal(t, int64(35), s.Left())
}

type mockFile struct {
	mock.Mock
	afero.File
}

func (m *mockFile) WriteAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) ReadAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) Truncate(size int64) error {
	return nil
}

func mockStorage(t *testing.T) (*randomAccessStorage, *mockFile, *mockFile) {
	appFS = afero.NewMemMapFs()
	openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
		return &mockFile{}, nil
	}
	tor, err := torrent.New(make([]byte, 20), 256, [][]byte{
		make([]byte, 20), make([]byte, 20), make([]byte, 20),
	}, []torrent.File{
		{Path: "sub1/name1", Length: 300},
		{Path: "sub1/sub2/name2", Length: 300},
	})
	require.NoError(t, err)

	s := NewRandomAccessStorage(tor, "root").(*randomAccessStorage)
	require.NoError(t, s.CreateFiles())
	return s, s.files[0].(*mockFile), s.files[1].(*mockFile)
}

func TestReadBlockSpansFiles(t *testing.T) {
	s, mf1, mf2 := mockStorage(t)

	// piece 1 at offset 25 starts at byte 281 of the first file
	mf1.On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 19
	}), int64(281)).Return(19, nil)
	mf2.On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 109
	}), int64(0)).Return(109, nil)

	_, err := s.ReadBlock(1, 25, 128)
	require.NoError(t, err)
	mf1.AssertExpectations(t)
	mf2.AssertExpectations(t)
}

func TestWritePieceSpansFiles(t *testing.T) {
	s, mf1, mf2 := mockStorage(t)

	mf1.On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 44
	}), int64(256)).Return(44, nil)
	mf2.On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 212
	}), int64(0)).Return(212, nil)

	require.NoError(t, s.WritePiece(piece.New(1, 256, nil)))
	mf1.AssertExpectations(t)
	mf2.AssertExpectations(t)
	assert.True(t, s.Bitfield().IsSet(1))
}

func TestShortReadFromFile(t *testing.T) {
	s, mf1, _ := mockStorage(t)
	mf1.On("ReadAt", mock.Anything, int64(0)).Return(10, nil)

	_, err := s.ReadBlock(0, 0, 100)
	assert.ErrorIs(t, err, ErrShortIO)
}
