package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/Charana123/boost-torrent/go-torrent/bitvector"
	"github.com/Charana123/boost-torrent/go-torrent/piece"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
	return appFS.OpenFile(name, flag, perm)
}

var log = logrus.WithField("component", "storage")

// ErrShortIO means the declared files hold fewer bytes than a piece range
// needs, i.e. file lengths and piece length disagree.
var ErrShortIO = errors.New("storage: short read/write")

// IOError is a file system failure on one of the torrent files.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

type Storage interface {
	CreateFiles() error
	VerifyExisting() error
	ReadBlock(pieceIndex, begin, length int) (block []byte, err error)
	WritePiece(p *piece.Piece) (err error)
	Bitfield() (clientBitfield *bitvector.Bitvector)
	Left() (left int64)
	Close() error
}
