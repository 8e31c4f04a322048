package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/Charana123/boost-torrent/go-torrent/torrent"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	sync.Mutex
	torrent        *torrent.Torrent
	root           string
	files          []afero.File
	paths          []string
	clientBitfield *bitvector.Bitvector
}

// span is the part of a global byte range that falls into one file.
type span struct {
	fileIndex int
	offset    int64
	start     int
	length    int
}

func NewRandomAccessStorage(
	torrent *torrent.Torrent,
	root string) Storage {

	paths := make([]string, len(torrent.Files))
	for i, f := range torrent.Files {
		paths[i] = filepath.Join(root, f.Path)
	}
	return &randomAccessStorage{
		torrent:        torrent,
		root:           root,
		paths:          paths,
		clientBitfield: bitvector.New(torrent.NumPieces),
	}
}

func (s *randomAccessStorage) Bitfield() *bitvector.Bitvector {
	return s.clientBitfield
}

func (s *randomAccessStorage) CreateFiles() error {
	s.Lock()
	filesExist := false
	for i, f := range s.torrent.Files {
		path := s.paths[i]
		if _, err := appFS.Stat(path); err == nil {
			filesExist = true
		} else if os.IsNotExist(err) {
			// Create sub-directories as needed
			if err := appFS.MkdirAll(filepath.Dir(path), 0755); err != nil {
				s.Unlock()
				return &IOError{Op: "mkdir", Path: path, Err: err}
			}
		} else {
			s.Unlock()
			return &IOError{Op: "stat", Path: path, Err: err}
		}

		file, err := openFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			s.Unlock()
			return &IOError{Op: "open", Path: path, Err: err}
		}
		s.files = append(s.files, file)
		if err := file.Truncate(f.Length); err != nil {
			s.Unlock()
			return &IOError{Op: "truncate", Path: path, Err: err}
		}
	}
	s.Unlock()

	if filesExist {
		return s.VerifyExisting()
	}
	return nil
}

// VerifyExisting hashes every piece already on disk and marks the matching
// ones as complete.
func (s *randomAccessStorage) VerifyExisting() error {
	verified := 0
	for pieceIndex := 0; pieceIndex < s.torrent.NumPieces; pieceIndex++ {
		data, err := s.ReadBlock(pieceIndex, 0, s.torrent.PieceSize(pieceIndex))
		if err != nil {
			return err
		}
		checksum := sha1.Sum(data)
		if bytes.Equal(checksum[:], s.torrent.PieceHash(pieceIndex)) {
			s.clientBitfield.Set(pieceIndex)
			verified++
		}
	}
	log.WithFields(logrus.Fields{
		"verified": verified,
		"pieces":   s.torrent.NumPieces,
	}).Info("verified existing files")
	return nil
}

// spans walks the cumulative file lengths and splits [offset, offset+length)
// into per-file ranges.
func (s *randomAccessStorage) spans(offset int64, length int) ([]span, error) {
	if offset < 0 || length < 0 || offset+int64(length) > s.torrent.Length {
		return nil, fmt.Errorf("%w: range [%d, %d) outside %d bytes", ErrShortIO, offset, offset+int64(length), s.torrent.Length)
	}

	spans := []span{}
	fileStart := int64(0)
	handled := 0
	for fileIndex, f := range s.torrent.Files {
		fileEnd := fileStart + f.Length
		pos := offset + int64(handled)
		if handled < length && pos >= fileStart && pos < fileEnd {
			n := length - handled
			if pos+int64(n) > fileEnd {
				n = int(fileEnd - pos)
			}
			spans = append(spans, span{
				fileIndex: fileIndex,
				offset:    pos - fileStart,
				start:     handled,
				length:    n,
			})
			handled += n
		}
		fileStart = fileEnd
	}
	if handled != length {
		return nil, fmt.Errorf("%w: handled %d of %d bytes, ran out of files", ErrShortIO, handled, length)
	}
	return spans, nil
}

func (s *randomAccessStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	offset := int64(pieceIndex)*int64(s.torrent.PieceLength) + int64(begin)
	spans, err := s.spans(offset, length)
	if err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	block := make([]byte, length)
	for _, sp := range spans {
		if sp.fileIndex >= len(s.files) {
			return nil, &IOError{Op: "read", Path: s.paths[sp.fileIndex], Err: os.ErrClosed}
		}
		n, err := s.files[sp.fileIndex].ReadAt(block[sp.start:sp.start+sp.length], sp.offset)
		if n < sp.length {
			if err == nil || err == io.EOF {
				return nil, fmt.Errorf("%w: read %d of %d bytes from %s", ErrShortIO, n, sp.length, s.paths[sp.fileIndex])
			}
			return nil, &IOError{Op: "read", Path: s.paths[sp.fileIndex], Err: err}
		}
	}
	return block, nil
}

// WritePiece writes a verified piece through to the files and marks it complete.
func (s *randomAccessStorage) WritePiece(p *piece.Piece) error {
	offset := int64(p.Index) * int64(s.torrent.PieceLength)
	data := p.Bytes()
	spans, err := s.spans(offset, len(data))
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	for _, sp := range spans {
		if sp.fileIndex >= len(s.files) {
			return &IOError{Op: "write", Path: s.paths[sp.fileIndex], Err: os.ErrClosed}
		}
		n, err := s.files[sp.fileIndex].WriteAt(data[sp.start:sp.start+sp.length], sp.offset)
		if err != nil {
			return &IOError{Op: "write", Path: s.paths[sp.fileIndex], Err: err}
		}
		if n < sp.length {
			return fmt.Errorf("%w: wrote %d of %d bytes to %s", ErrShortIO, n, sp.length, s.paths[sp.fileIndex])
		}
	}
	return s.clientBitfield.Set(p.Index)
}

// Left is the number of bytes of pieces not yet complete.
func (s *randomAccessStorage) Left() int64 {
	left := int64(0)
	for pieceIndex := 0; pieceIndex < s.torrent.NumPieces; pieceIndex++ {
		if !s.clientBitfield.IsSet(pieceIndex) {
			left += int64(s.torrent.PieceSize(pieceIndex))
		}
	}
	return left
}

func (s *randomAccessStorage) Close() error {
	s.Lock()
	defer s.Unlock()

	var firstErr error
	for i, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = &IOError{Op: "close", Path: s.paths[i], Err: err}
		}
	}
	s.files = nil
	return firstErr
}
