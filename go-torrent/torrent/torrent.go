package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

const (
	HASH_LENGTH    = 20
	PEER_ID_PREFIX = "-BT0001-"
)

var ErrMalformed = errors.New("malformed torrent file")

// Torrent is the immutable description of the shared file set.
type Torrent struct {
	InfoHash    []byte
	PieceLength int
	PieceHashes [][]byte
	Files       []File
	Length      int64
	NumPieces   int
	Name        string
	MetaInfo    MetaInfo
}

// File is a file of the torrent, Path is relative to the storage root.
type File struct {
	Path   string
	Length int64
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int64
	Files       []InfoFile
}

type InfoFile struct {
	Length int64
	Path   []string
}

// NewTorrent decodes a bencoded metainfo file.
func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, err
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, ErrMalformed
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformed)
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(infoBencode.Bytes())

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	mi := MetaInfo{}
	if err := bencode.Unmarshal(torrentReader, &mi); err != nil {
		return nil, err
	}
	if len(mi.Info.Pieces)%HASH_LENGTH != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrMalformed, len(mi.Info.Pieces), HASH_LENGTH)
	}

	hashes := make([][]byte, 0, len(mi.Info.Pieces)/HASH_LENGTH)
	for i := 0; i < len(mi.Info.Pieces); i += HASH_LENGTH {
		hashes = append(hashes, []byte(mi.Info.Pieces[i:i+HASH_LENGTH]))
	}

	if err := checkPathElement(mi.Info.Name); err != nil {
		return nil, err
	}
	files := []File{}
	if len(mi.Info.Files) > 0 {
		// Multiple File Mode
		for _, f := range mi.Info.Files {
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("%w: empty file path", ErrMalformed)
			}
			for _, elem := range f.Path {
				if err := checkPathElement(elem); err != nil {
					return nil, err
				}
			}
			files = append(files, File{
				Path:   filepath.Join(append([]string{mi.Info.Name}, f.Path...)...),
				Length: f.Length,
			})
		}
	} else {
		// Single File Mode
		files = append(files, File{
			Path:   mi.Info.Name,
			Length: mi.Info.Length,
		})
	}

	tor, err := New(infoHash[:], mi.Info.PieceLength, hashes, files)
	if err != nil {
		return nil, err
	}
	tor.Name = mi.Info.Name
	tor.MetaInfo = mi
	return tor, nil
}

// New builds a torrent from already decoded metadata.
func New(infoHash []byte, pieceLength int, pieceHashes [][]byte, files []File) (*Torrent, error) {
	if len(infoHash) != HASH_LENGTH {
		return nil, fmt.Errorf("%w: info hash of length %d", ErrMalformed, len(infoHash))
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformed, pieceLength)
	}
	tor := &Torrent{
		InfoHash:    infoHash,
		PieceLength: pieceLength,
		PieceHashes: pieceHashes,
		Files:       files,
		NumPieces:   len(pieceHashes),
	}
	for _, f := range files {
		if err := checkPath(f.Path); err != nil {
			return nil, err
		}
		if f.Length < 0 {
			return nil, fmt.Errorf("%w: negative length for %q", ErrMalformed, f.Path)
		}
		tor.Length += f.Length
	}

	expected := int((tor.Length + int64(pieceLength) - 1) / int64(pieceLength))
	if expected != tor.NumPieces {
		return nil, fmt.Errorf("%w: %d bytes need %d pieces, have %d hashes", ErrMalformed, tor.Length, expected, tor.NumPieces)
	}
	return tor, nil
}

// checkPathElement rejects a single path component of the metainfo that
// could point outside the storage root.
func checkPathElement(elem string) error {
	if elem == "" || elem == "." || elem == ".." || strings.ContainsAny(elem, "/\\") {
		return fmt.Errorf("%w: invalid path element %q", ErrMalformed, elem)
	}
	return nil
}

// checkPath rejects file paths that are absolute or climb out of the root.
func checkPath(path string) error {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return fmt.Errorf("%w: invalid file path %q", ErrMalformed, path)
	}
	for _, elem := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if elem == ".." {
			return fmt.Errorf("%w: invalid file path %q", ErrMalformed, path)
		}
	}
	return nil
}

// LastPieceLength is totalBytes - (numPieces-1)*pieceLength.
func (t *Torrent) LastPieceLength() int {
	return int(t.Length - int64(t.NumPieces-1)*int64(t.PieceLength))
}

func (t *Torrent) PieceSize(index int) int {
	if index == t.NumPieces-1 {
		return t.LastPieceLength()
	}
	return t.PieceLength
}

func (t *Torrent) PieceHash(index int) []byte {
	return t.PieceHashes[index]
}

// AnnounceURLs returns the tracker tiers, falling back to the single announce URL.
func (t *Torrent) AnnounceURLs() [][]string {
	if len(t.MetaInfo.AnnounceList) > 0 {
		return t.MetaInfo.AnnounceList
	}
	if t.MetaInfo.Announce != "" {
		return [][]string{{t.MetaInfo.Announce}}
	}
	return nil
}

// GeneratePeerID returns a 20-byte peer id with an Azureus-style prefix.
func GeneratePeerID() ([]byte, error) {
	peerID := make([]byte, HASH_LENGTH)
	copy(peerID, PEER_ID_PREFIX)
	if _, err := rand.Read(peerID[len(PEER_ID_PREFIX):]); err != nil {
		return nil, err
	}
	return peerID, nil
}
